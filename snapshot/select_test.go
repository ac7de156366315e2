package snapshot_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/internal/testutil"
	"github.com/PavelYadrov/qubership-zookeeper/snapshot"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func touch(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(name), 0644))
	testutil.SetModTime(t, p, mtime)
	return p
}

func TestSelect(t *testing.T) {
	t1 := testutil.BaseTime
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)

	t.Run("latest snapshot and newer logs", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "snapshot.1", t1)
		snap2 := touch(t, dir, "snapshot.2", t2)
		touch(t, dir, "log.1", t1)
		log3 := touch(t, dir, "log.3", t3)

		sel, err := snapshot.Select(dir, quiet)
		require.NoError(t, err)
		assert.Equal(t, snap2, sel.Snapshot.Path)
		assert.Equal(t, []string{log3}, sel.LogPaths())
	})

	t.Run("log with same mtime as snapshot is excluded", func(t *testing.T) {
		dir := t.TempDir()
		snap := touch(t, dir, "snapshot.a", t2)
		touch(t, dir, "log.a", t2)

		sel, err := snapshot.Select(dir, quiet)
		require.NoError(t, err)
		assert.Equal(t, snap, sel.Snapshot.Path)
		assert.Empty(t, sel.Logs)
	})

	t.Run("other files and directories are ignored", func(t *testing.T) {
		dir := t.TempDir()
		snap := touch(t, dir, "snapshot.1", t1)
		touch(t, dir, "myid", t3)
		touch(t, dir, "acceptedEpoch", t3)
		require.NoError(t, os.Mkdir(filepath.Join(dir, "log.dir"), 0755))

		sel, err := snapshot.Select(dir, quiet)
		require.NoError(t, err)
		assert.Equal(t, snap, sel.Snapshot.Path)
		assert.Empty(t, sel.Logs)
	})

	t.Run("ties pick one of the newest snapshots", func(t *testing.T) {
		dir := t.TempDir()
		a := touch(t, dir, "snapshot.a", t2)
		b := touch(t, dir, "snapshot.b", t2)
		touch(t, dir, "snapshot.old", t1)

		sel, err := snapshot.Select(dir, quiet)
		require.NoError(t, err)
		assert.Contains(t, []string{a, b}, sel.Snapshot.Path)
	})

	t.Run("no snapshot", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, dir, "log.1", t1)

		_, err := snapshot.Select(dir, quiet)
		require.Error(t, err)
		assert.True(t, core.IsNotFound(err))
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := snapshot.Select(filepath.Join(t.TempDir(), "missing"), quiet)
		require.Error(t, err)
		assert.True(t, core.IsIoError(err))
	})
}
