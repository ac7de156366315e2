package backup_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PavelYadrov/qubership-zookeeper/backup"
	"github.com/PavelYadrov/qubership-zookeeper/config"
	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/hooks"
	"github.com/PavelYadrov/qubership-zookeeper/hooks/listeners"
	"github.com/PavelYadrov/qubership-zookeeper/internal/testutil"
	"github.com/PavelYadrov/qubership-zookeeper/server"
	"github.com/PavelYadrov/qubership-zookeeper/sys"
	"github.com/PavelYadrov/qubership-zookeeper/txnlog"
	"github.com/PavelYadrov/qubership-zookeeper/znode"
)

const threeServerConf = "clientPort=2181\n" +
	"server.1=127.0.0.2:2888:3888:participant;0.0.0.0:2181\n" +
	"server.2=127.0.0.1:2888:3888:participant;0.0.0.0:2181\n" +
	"server.3=127.0.0.3:2888:3888:participant;0.0.0.0:2181\n"

// eventRecorder keeps every event it sees.
type eventRecorder struct {
	mu     sync.Mutex
	events []hooks.HookEvent
	err    error
}

func (r *eventRecorder) OnEvent(_ context.Context, e hooks.HookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}
func (r *eventRecorder) Priority() int { return 0 }
func (r *eventRecorder) IsAsync() bool { return false }

func (r *eventRecorder) of(t hooks.EventType) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interface{}
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e.Payload())
		}
	}
	return out
}

func newRecorder(manager hooks.HookManager) *eventRecorder {
	r := &eventRecorder{}
	for _, t := range []hooks.EventType{hooks.EventPreBackup, hooks.EventPostBackup, hooks.EventPreRestore, hooks.EventPostRestore, hooks.EventPostLogFilter, hooks.EventPostArchive} {
		manager.Register(t, r)
	}
	return r
}

type leaderFixture struct {
	dataDir string
	tmpDir  string
	port    int
	srv     *httptest.Server
}

// newLeader starts a store side-car whose data directory holds a snapshot
// with mtime T2, an older log at T1 and a newer log at T3.
func newLeader(t *testing.T, root string) *leaderFixture {
	t.Helper()
	f := &leaderFixture{
		dataDir: filepath.Join(root, "leader", "version-2"),
		tmpDir:  filepath.Join(root, "shared", "tmp"),
	}
	require.NoError(t, os.MkdirAll(f.dataDir, 0755))

	t1 := testutil.BaseTime
	t2, t3 := t1.Add(time.Minute), t1.Add(2*time.Minute)

	old := testutil.NewLogBuilder()
	old.Add(&txnlog.CreateEntry{Path: "/old", ACL: testutil.WorldACL})
	testutil.SetModTime(t, old.WriteFile(t, f.dataDir, "log.100000001"), t1)

	snap := filepath.Join(f.dataDir, "snapshot.100000001")
	require.NoError(t, os.WriteFile(snap, []byte("fuzzy snapshot"), 0644))
	testutil.SetModTime(t, snap, t2)

	tail := testutil.NewLogBuilder()
	tail.Add(&txnlog.SessionCreateEntry{TimeoutMs: 30000})
	tail.Add(&txnlog.CreateEntry{Path: "/app", Data: []byte("v1"), ACL: testutil.WorldACL})
	tail.Add(&txnlog.CreateEntry{Path: "/app/lock", ACL: testutil.WorldACL, Ephemeral: true})
	tail.Add(&txnlog.SetDataEntry{Path: "/app", Data: []byte("v2"), Version: 1})
	tail.Add(&txnlog.SessionCloseEntry{})
	testutil.SetModTime(t, tail.WriteFile(t, f.dataDir, "log.100000005"), t3)

	store := server.NewStoreServer(config.ServerConfig{SourceDir: f.dataDir, DestinationDir: f.tmpDir}, nil, nil)
	f.srv = httptest.NewServer(store.Handler())
	t.Cleanup(f.srv.Close)
	f.port = portOf(t, f.srv.URL)
	return f
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	_, p, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}

func leaderEnsemble() *testutil.FakeEnsemble {
	zk := testutil.NewFakeEnsemble()
	zk.Admin[""] = map[string]string{"conf": threeServerConf}
	zk.Admin["127.0.0.2"] = map[string]string{"srvr": "Zookeeper version: 3.8.4\nMode: follower\n"}
	zk.Admin["127.0.0.1"] = map[string]string{"srvr": "Zookeeper version: 3.8.4\nMode: leader\nNode count: 5\n"}
	return zk
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestService_TransactionalBackup(t *testing.T) {
	root := t.TempDir()
	leader := newLeader(t, root)
	storage := filepath.Join(root, "shared", "20240301T120000")
	journal := filepath.Join(root, "journal.jsonl")

	manager := hooks.NewHookManager(nil)
	rec := newRecorder(manager)
	manager.Register(hooks.EventPostBackup, listeners.NewJournalListener(journal, nil))

	zk := leaderEnsemble()
	svc := backup.NewService(zk, backup.Options{
		TmpDir:        leader.tmpDir,
		StorePort:     leader.port,
		SharedStorage: true,
		Hooks:         manager,
	})

	res, err := svc.Backup(context.Background(), backup.ModeTransactional, storage, nil)
	require.NoError(t, err)
	manager.Stop()

	assert.Equal(t, []string{"snapshot.100000001", "log.100000005"}, res.Files)
	assert.ElementsMatch(t, []string{"snapshot.100000001", "log.100000005", sys.LockFileName}, listNames(t, storage))
	require.Len(t, res.Logs, 1)
	assert.Equal(t, 2, res.Logs[0].Kept)
	assert.Equal(t, 3, res.Logs[0].Redacted)
	assert.NoError(t, res.Logs[0].Err)
	assert.Positive(t, res.Size)

	// The filtered log only replays persistent changes.
	f, err := os.Open(filepath.Join(storage, "log.100000005"))
	require.NoError(t, err)
	defer f.Close()
	r := txnlog.NewReader(f)
	_, err = r.ReadHeader()
	require.NoError(t, err)
	var ops []txnlog.OpType
	for {
		txn, err := r.ReadTransaction()
		if err != nil {
			break
		}
		ops = append(ops, txn.Header.Type)
	}
	assert.Equal(t, []txnlog.OpType{txnlog.OpCreate, txnlog.OpSetData}, ops)

	_, err = os.Stat(leader.tmpDir)
	assert.True(t, os.IsNotExist(err), "tmp dir must be removed")
	assert.Zero(t, zk.OpenSessions())

	filtered := rec.of(hooks.EventPostLogFilter)
	require.Len(t, filtered, 1)
	assert.Equal(t, hooks.LogFilterPayload{File: "log.100000005", Kept: 2, Redacted: 3}, filtered[0])

	entries, err := listeners.ReadJournal(journal)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "backup", entries[0].Operation)
	assert.Equal(t, "transactional", entries[0].Mode)
	assert.False(t, entries[0].Failed)
}

func TestService_TransactionalBackupStandalone(t *testing.T) {
	root := t.TempDir()
	leader := newLeader(t, root)
	storage := filepath.Join(root, "shared", "backup")

	zk := testutil.NewFakeEnsemble()
	zk.Admin[""] = map[string]string{"conf": "clientPort=2181\ndataDir=/data\n"}
	zk.Admin["127.0.0.1"] = map[string]string{"srvr": "Mode: standalone\n"}

	svc := backup.NewService(zk, backup.Options{Host: "127.0.0.1", TmpDir: leader.tmpDir, StorePort: leader.port, SharedStorage: true})
	res, err := svc.Backup(context.Background(), backup.ModeTransactional, storage, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Files, "snapshot.100000001")
}

func TestService_TransactionalBackupRequiresSharedStorage(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	rec := newRecorder(manager)
	zk := leaderEnsemble()
	svc := backup.NewService(zk, backup.Options{Hooks: manager})

	_, err := svc.Backup(context.Background(), backup.ModeTransactional, t.TempDir(), nil)
	assert.ErrorIs(t, err, backup.ErrStorageNotShared)
	assert.Zero(t, zk.Connects)
	assert.Empty(t, rec.of(hooks.EventPreBackup))
}

func TestService_TransactionalBackupStoreFailure(t *testing.T) {
	root := t.TempDir()
	tmp := filepath.Join(root, "tmp")
	storage := filepath.Join(root, "backup")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"Status":"Error","Message":"disk full"}`)
	}))
	defer srv.Close()

	manager := hooks.NewHookManager(nil)
	rec := newRecorder(manager)
	svc := backup.NewService(leaderEnsemble(), backup.Options{TmpDir: tmp, StorePort: portOf(t, srv.URL), SharedStorage: true, Hooks: manager})

	_, err := svc.Backup(context.Background(), backup.ModeTransactional, storage, nil)
	require.ErrorIs(t, err, backup.ErrStoreFailed)
	assert.Contains(t, err.Error(), "disk full")

	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr))

	post := rec.of(hooks.EventPostBackup)
	require.Len(t, post, 1)
	assert.ErrorIs(t, post[0].(hooks.PostBackupPayload).Error, backup.ErrStoreFailed)
}

func TestService_TransactionalBackupNoLeader(t *testing.T) {
	root := t.TempDir()
	zk := leaderEnsemble()
	zk.Admin["127.0.0.1"]["srvr"] = "Mode: follower\n"
	svc := backup.NewService(zk, backup.Options{TmpDir: filepath.Join(root, "tmp"), SharedStorage: true})

	_, err := svc.Backup(context.Background(), backup.ModeTransactional, filepath.Join(root, "backup"), nil)
	assert.True(t, core.IsNotFound(err))
	assert.Zero(t, zk.OpenSessions())
}

func TestService_TransactionalBackupNoSnapshot(t *testing.T) {
	root := t.TempDir()
	leader := newLeader(t, root)
	require.NoError(t, os.Remove(filepath.Join(leader.dataDir, "snapshot.100000001")))

	svc := backup.NewService(leaderEnsemble(), backup.Options{TmpDir: leader.tmpDir, StorePort: leader.port, SharedStorage: true})
	_, err := svc.Backup(context.Background(), backup.ModeTransactional, filepath.Join(root, "backup"), nil)
	var nf *core.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "snapshot", nf.Kind)
	_, statErr := os.Stat(leader.tmpDir)
	assert.True(t, os.IsNotExist(statErr))
}

func TestService_HierarchicalRoundTrip(t *testing.T) {
	storage := t.TempDir()
	zk := testutil.NewFakeEnsemble()
	zk.Put("/a", []byte("x"))
	zk.PutEphemeral("/a/b", []byte("y"), 0x42)
	zk.Put("/c/d", []byte("z"))

	manager := hooks.NewHookManager(nil)
	rec := newRecorder(manager)
	svc := backup.NewService(zk, backup.Options{Hooks: manager, Compression: znode.CompressionZstd})

	res, err := svc.Backup(context.Background(), backup.ModeHierarchical, storage, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{znode.ArchiveName}, res.Files)
	require.NotNil(t, res.Archive)
	assert.Equal(t, 1, res.Archive.SkippedEphemeral)

	archived := rec.of(hooks.EventPostArchive)
	require.Len(t, archived, 1)
	assert.Equal(t, res.Archive.Size, archived[0].(hooks.ArchivePayload).Size)

	mode, err := backup.DetectMode(storage)
	require.NoError(t, err)
	assert.Equal(t, backup.ModeHierarchical, mode)

	target := testutil.NewFakeEnsemble()
	target.Put("/a", []byte("stale"))
	restored, err := backup.NewService(target, backup.Options{}).Restore(context.Background(), storage, nil)
	require.NoError(t, err)
	assert.Equal(t, backup.ModeHierarchical, restored.Mode)
	require.NotNil(t, restored.Znodes)
	assert.Equal(t, 1, restored.Znodes.Replaced)

	v, ok := target.Value("/a")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), v)
	_, ok = target.Value("/a/b")
	assert.False(t, ok)
	v, ok = target.Value("/c/d")
	require.True(t, ok)
	assert.Equal(t, []byte("z"), v)
}

type recordingRestarter struct {
	recoverDir string
	seen       []string
	err        error
}

func (r *recordingRestarter) Restart(context.Context) error {
	entries, _ := os.ReadDir(r.recoverDir)
	for _, e := range entries {
		r.seen = append(r.seen, e.Name())
	}
	return r.err
}

func transactionalStorage(t *testing.T, root string) string {
	t.Helper()
	storage := filepath.Join(root, "backup")
	require.NoError(t, os.MkdirAll(storage, 0755))
	for _, name := range []string{"snapshot.100000001", "log.100000005"} {
		require.NoError(t, os.WriteFile(filepath.Join(storage, name), []byte(name), 0644))
	}
	return storage
}

func TestService_TransactionalRestore(t *testing.T) {
	root := t.TempDir()
	storage := transactionalStorage(t, root)
	recoverDir := filepath.Join(root, "recover")
	restarter := &recordingRestarter{recoverDir: recoverDir}

	manager := hooks.NewHookManager(nil)
	rec := newRecorder(manager)
	svc := backup.NewService(testutil.NewFakeEnsemble(), backup.Options{
		RecoverDir:    recoverDir,
		SharedStorage: true,
		Restarter:     restarter,
		Hooks:         manager,
	})

	res, err := svc.Restore(context.Background(), storage, nil)
	require.NoError(t, err)
	assert.Equal(t, backup.ModeTransactional, res.Mode)
	assert.ElementsMatch(t, []string{"snapshot.100000001", "log.100000005"}, res.Files)
	assert.ElementsMatch(t, []string{"snapshot.100000001", "log.100000005"}, restarter.seen)

	_, statErr := os.Stat(recoverDir)
	assert.True(t, os.IsNotExist(statErr))

	post := rec.of(hooks.EventPostRestore)
	require.Len(t, post, 1)
	assert.Equal(t, 2, post[0].(hooks.PostRestorePayload).Restored)
}

func TestService_TransactionalRestoreManualRestart(t *testing.T) {
	root := t.TempDir()
	storage := transactionalStorage(t, root)
	recoverDir := filepath.Join(root, "recover")
	require.NoError(t, os.MkdirAll(recoverDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(recoverDir, "log.stale"), []byte("old"), 0644))

	svc := backup.NewService(testutil.NewFakeEnsemble(), backup.Options{
		RecoverDir:    recoverDir,
		SharedStorage: true,
	})

	res, err := svc.Restore(context.Background(), storage, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"snapshot.100000001", "log.100000005"}, res.Files)

	names := listNames(t, recoverDir)
	assert.ElementsMatch(t, []string{"snapshot.100000001", "log.100000005"}, names)
	data, err := os.ReadFile(filepath.Join(recoverDir, "log.100000005"))
	require.NoError(t, err)
	assert.Equal(t, "log.100000005", string(data))
}

func TestService_TransactionalRestoreFailures(t *testing.T) {
	t.Run("restart fails", func(t *testing.T) {
		root := t.TempDir()
		recoverDir := filepath.Join(root, "recover")
		restarter := &recordingRestarter{recoverDir: recoverDir, err: errors.New("rollout timed out")}
		svc := backup.NewService(testutil.NewFakeEnsemble(), backup.Options{RecoverDir: recoverDir, SharedStorage: true, Restarter: restarter})

		_, err := svc.Restore(context.Background(), transactionalStorage(t, root), nil)
		assert.ErrorContains(t, err, "rollout timed out")
		_, statErr := os.Stat(recoverDir)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("storage not shared", func(t *testing.T) {
		root := t.TempDir()
		svc := backup.NewService(testutil.NewFakeEnsemble(), backup.Options{RecoverDir: filepath.Join(root, "recover")})
		_, err := svc.Restore(context.Background(), transactionalStorage(t, root), nil)
		assert.ErrorIs(t, err, backup.ErrStorageNotShared)
	})

	t.Run("missing storage", func(t *testing.T) {
		svc := backup.NewService(testutil.NewFakeEnsemble(), backup.Options{})
		_, err := svc.Restore(context.Background(), filepath.Join(t.TempDir(), "absent"), nil)
		assert.True(t, core.IsNotFound(err))
	})
}

func TestService_PreHookCancels(t *testing.T) {
	manager := hooks.NewHookManager(nil)
	rec := newRecorder(manager)
	rec.err = errors.New("maintenance window")
	zk := testutil.NewFakeEnsemble()
	svc := backup.NewService(zk, backup.Options{Hooks: manager})

	_, err := svc.Backup(context.Background(), backup.ModeHierarchical, t.TempDir(), nil)
	assert.ErrorContains(t, err, "maintenance window")
	assert.Zero(t, zk.Connects)
	assert.Empty(t, rec.of(hooks.EventPostBackup))
}

func TestService_StorageLock(t *testing.T) {
	storage := t.TempDir()
	release, err := sys.LockStorage(storage, time.Second)
	require.NoError(t, err)

	zk := testutil.NewFakeEnsemble()
	svc := backup.NewService(zk, backup.Options{LockTimeout: 50 * time.Millisecond})
	_, err = svc.Backup(context.Background(), backup.ModeHierarchical, storage, nil)
	assert.ErrorIs(t, err, sys.ErrLocked)
	assert.Zero(t, zk.Connects)

	require.NoError(t, release())
	_, err = svc.Backup(context.Background(), backup.ModeHierarchical, storage, nil)
	assert.NoError(t, err)
}

func TestDetectMode(t *testing.T) {
	dir := t.TempDir()
	mode, err := backup.DetectMode(dir)
	require.NoError(t, err)
	assert.Equal(t, backup.ModeHierarchical, mode)

	// Directories never count.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "log.dir"), 0755))
	mode, err = backup.DetectMode(dir)
	require.NoError(t, err)
	assert.Equal(t, backup.ModeHierarchical, mode)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "log.1"), nil, 0644))
	mode, err = backup.DetectMode(dir)
	require.NoError(t, err)
	assert.Equal(t, backup.ModeTransactional, mode)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, backup.ModeTransactional, backup.ParseMode("transactional"))
	assert.Equal(t, backup.ModeHierarchical, backup.ParseMode("hierarchical"))
	assert.Equal(t, backup.ModeHierarchical, backup.ParseMode(""))
}

func TestCommandRestarter(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell utilities")
	}
	_, err := backup.NewCommandRestarter(nil, nil)
	assert.Error(t, err)

	ok, err := backup.NewCommandRestarter([]string{"true"}, nil)
	require.NoError(t, err)
	assert.NoError(t, ok.Restart(context.Background()))

	failing, err := backup.NewCommandRestarter([]string{"sh", "-c", "echo scale failed >&2; exit 3"}, nil)
	require.NoError(t, err)
	err = failing.Restart(context.Background())
	assert.ErrorContains(t, err, "scale failed")
}
