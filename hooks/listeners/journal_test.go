package listeners

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PavelYadrov/qubership-zookeeper/hooks"
)

func TestJournalListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	listener := NewJournalListener(path, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	listener.now = func() time.Time { return fixed }
	ctx := context.Background()

	require.NoError(t, listener.OnEvent(ctx, hooks.NewPostBackupEvent(hooks.PostBackupPayload{
		Mode: "hierarchical", StorageDir: "/backup/1", Size: 2048, Duration: 1500 * time.Millisecond,
	})))
	require.NoError(t, listener.OnEvent(ctx, hooks.NewPostRestoreEvent(hooks.PostRestorePayload{
		Mode: "hierarchical", StorageDir: "/backup/1", Znodes: []string{"a"}, Restored: 3, Error: errors.New("znode not found: /b"),
	})))
	require.NoError(t, listener.OnEvent(ctx, hooks.NewPreBackupEvent(hooks.PreBackupPayload{})))

	entries, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, JournalEntry{Time: fixed, Operation: "backup", Mode: "hierarchical", StorageDir: "/backup/1", Size: 2048, SpentMs: 1500}, entries[0])
	assert.Equal(t, "restore", entries[1].Operation)
	assert.True(t, entries[1].Failed)
	assert.Equal(t, "znode not found: /b", entries[1].Error)
	assert.Equal(t, []string{"a"}, entries[1].Znodes)
}

func TestReadJournal_Missing(t *testing.T) {
	entries, err := ReadJournal(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
