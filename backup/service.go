// Package backup sequences the transactional and hierarchical backup and
// restore flows around the lower level codecs and walkers.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/ensemble"
	"github.com/PavelYadrov/qubership-zookeeper/hooks"
	"github.com/PavelYadrov/qubership-zookeeper/snapshot"
	"github.com/PavelYadrov/qubership-zookeeper/sys"
	"github.com/PavelYadrov/qubership-zookeeper/txnlog"
	"github.com/PavelYadrov/qubership-zookeeper/znode"
)

// Mode selects how the ensemble state is captured.
type Mode string

const (
	// ModeTransactional copies the leader's latest snapshot and the
	// transaction logs written after it, with session records removed.
	ModeTransactional Mode = "transactional"
	// ModeHierarchical walks the live znode tree into a zip archive.
	ModeHierarchical Mode = "hierarchical"
)

// ParseMode maps a mode name to a Mode. Anything but "transactional" is a
// hierarchical backup.
func ParseMode(name string) Mode {
	if name == string(ModeTransactional) {
		return ModeTransactional
	}
	return ModeHierarchical
}

var (
	// ErrStorageNotShared is returned for transactional operations when the
	// backup storage is not shared with the ensemble members.
	ErrStorageNotShared = errors.New("configuration is not suitable for transactional backup: storage is not shared")
	// ErrStoreFailed is returned when the leader's store side-car does not
	// answer with an Ok status.
	ErrStoreFailed = errors.New("leader failed to store its data files")
)

const (
	DefaultTmpDir      = "/opt/zookeeper/backup-storage/tmp"
	DefaultRecoverDir  = "/opt/zookeeper/backup-storage/recover"
	DefaultStorePort   = 8081
	DefaultLockTimeout = 30 * time.Second
)

// Options configure a Service. Zero values fall back to the defaults above.
type Options struct {
	// Host is the ensemble service host; it serves as leader of a
	// standalone deployment.
	Host          string
	TmpDir        string
	RecoverDir    string
	StorePort     int
	StoreUsername string
	StorePassword string
	// SharedStorage must be set for transactional operations.
	SharedStorage bool
	Compression   znode.Compression
	LockTimeout   time.Duration
	HTTPClient    *http.Client
	Restarter     Restarter
	Hooks         hooks.HookManager
	Tracer        trace.Tracer
	Logger        *slog.Logger
}

// Service runs backups and restores against one ensemble.
type Service struct {
	opts      Options
	connector ensemble.Connector
	archiver  *znode.Archiver
	restorer  *znode.Restorer
	filter    *txnlog.Filter
	helper    snapshot.Helper
	hooks     hooks.HookManager
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewService(connector ensemble.Connector, opts Options) *Service {
	if opts.TmpDir == "" {
		opts.TmpDir = DefaultTmpDir
	}
	if opts.RecoverDir == "" {
		opts.RecoverDir = DefaultRecoverDir
	}
	if opts.StorePort == 0 {
		opts.StorePort = DefaultStorePort
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("backup")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewHookManager(opts.Logger)
	}
	if opts.Restarter == nil {
		opts.Restarter = NopRestarter{}
	}
	walkerOpts := znode.Options{Compression: opts.Compression, Tracer: opts.Tracer, Logger: opts.Logger}
	return &Service{
		opts:      opts,
		connector: connector,
		archiver:  znode.NewArchiver(connector, walkerOpts),
		restorer:  znode.NewRestorer(connector, walkerOpts),
		filter:    txnlog.NewFilter(opts.Logger),
		helper:    snapshot.NewHelper(),
		hooks:     opts.Hooks,
		tracer:    opts.Tracer,
		logger:    opts.Logger.With("component", "BackupService"),
	}
}

// BackupResult describes a finished backup.
type BackupResult struct {
	Mode       Mode
	StorageDir string
	// Files written into StorageDir.
	Files   []string
	Size    int64
	Logs    []txnlog.FilterResult
	Archive *znode.ArchiveResult
}

// RestoreResult describes a finished restore.
type RestoreResult struct {
	Mode Mode
	// Files placed into the recover directory by a transactional restore.
	Files  []string
	Znodes *znode.RestoreResult
}

// Backup captures the ensemble into storageDir. znodes limits a
// hierarchical backup to the given subtrees.
func (s *Service) Backup(ctx context.Context, mode Mode, storageDir string, znodes []string) (res *BackupResult, err error) {
	ctx, span := s.tracer.Start(ctx, "Service.Backup")
	defer span.End()
	span.SetAttributes(attribute.String("backup.mode", string(mode)), attribute.String("storage.dir", storageDir))
	start := time.Now()

	if mode == ModeTransactional && !s.opts.SharedStorage {
		return nil, ErrStorageNotShared
	}
	if err := s.hooks.Trigger(ctx, hooks.NewPreBackupEvent(hooks.PreBackupPayload{Mode: string(mode), StorageDir: storageDir, Znodes: znodes})); err != nil {
		return nil, fmt.Errorf("backup cancelled by pre-hook: %w", err)
	}

	res = &BackupResult{Mode: mode, StorageDir: storageDir}
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("Backup failed.", "mode", mode, "storage", storageDir, "error", err)
		}
		_ = s.hooks.Trigger(ctx, hooks.NewPostBackupEvent(hooks.PostBackupPayload{
			Mode:       string(mode),
			StorageDir: storageDir,
			Znodes:     znodes,
			Files:      res.Files,
			Size:       res.Size,
			Duration:   time.Since(start),
			Error:      err,
		}))
	}()

	unlock, err := s.lock(storageDir)
	if err != nil {
		return res, err
	}
	defer s.unlock(unlock, storageDir)

	switch mode {
	case ModeTransactional:
		s.logger.Info("Start transactional backup.", "storage", storageDir)
		err = s.transactionalBackup(ctx, storageDir, res)
	default:
		s.logger.Info("Start hierarchical backup.", "storage", storageDir, "znodes", znodes)
		err = s.hierarchicalBackup(ctx, storageDir, znodes, res)
	}
	if err != nil {
		return res, err
	}
	s.logger.Info("Backup completed successfully.", "mode", mode, "files", len(res.Files), "duration", time.Since(start))
	return res, nil
}

func (s *Service) hierarchicalBackup(ctx context.Context, storageDir string, znodes []string, res *BackupResult) error {
	archive, err := s.archiver.Archive(ctx, znodes, storageDir)
	if err != nil {
		return err
	}
	res.Archive = archive
	res.Files = []string{filepath.Base(archive.ArchivePath)}
	res.Size = archive.Size
	return s.hooks.Trigger(ctx, hooks.NewPostArchiveEvent(hooks.ArchivePayload{
		Path:             archive.ArchivePath,
		Size:             archive.Size,
		Stored:           archive.Stored,
		SkippedEphemeral: archive.SkippedEphemeral,
		Failed:           archive.Failed,
	}))
}

// Restore brings back the backup in storageDir. The mode is detected from
// the files present; znodes limits a hierarchical restore.
func (s *Service) Restore(ctx context.Context, storageDir string, znodes []string) (res *RestoreResult, err error) {
	ctx, span := s.tracer.Start(ctx, "Service.Restore")
	defer span.End()
	start := time.Now()

	mode, err := DetectMode(storageDir)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("backup.mode", string(mode)), attribute.String("storage.dir", storageDir))
	if mode == ModeTransactional && !s.opts.SharedStorage {
		return nil, ErrStorageNotShared
	}
	if err := s.hooks.Trigger(ctx, hooks.NewPreRestoreEvent(hooks.PreRestorePayload{Mode: string(mode), StorageDir: storageDir, Znodes: znodes})); err != nil {
		return nil, fmt.Errorf("restore cancelled by pre-hook: %w", err)
	}

	res = &RestoreResult{Mode: mode}
	defer func() {
		payload := hooks.PostRestorePayload{Mode: string(mode), StorageDir: storageDir, Znodes: znodes, Duration: time.Since(start), Error: err}
		if res.Znodes != nil {
			payload.Restored, payload.Failed = res.Znodes.Restored, res.Znodes.Failed
		} else {
			payload.Restored = len(res.Files)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error("Restore failed.", "mode", mode, "storage", storageDir, "error", err)
		}
		_ = s.hooks.Trigger(ctx, hooks.NewPostRestoreEvent(payload))
	}()

	unlock, err := s.lock(storageDir)
	if err != nil {
		return res, err
	}
	defer s.unlock(unlock, storageDir)

	s.logger.Info("Start recovery.", "mode", mode, "storage", storageDir)
	if mode == ModeTransactional {
		err = s.transactionalRestore(ctx, storageDir, res)
	} else {
		res.Znodes, err = s.restorer.Restore(ctx, znodes, storageDir)
	}
	if err != nil {
		return res, err
	}
	s.logger.Info("Recovery completed successfully.", "mode", mode, "duration", time.Since(start))
	return res, nil
}

// DetectMode reports ModeTransactional when storageDir holds any regular
// snapshot or transaction log file, ModeHierarchical otherwise.
func DetectMode(storageDir string) (Mode, error) {
	entries, err := os.ReadDir(storageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &core.NotFoundError{Kind: "backup", Name: storageDir}
		}
		return "", &core.IoError{Op: "readdir", Path: storageDir, Err: err}
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if snapshot.IsSnapshotFile(entry.Name()) || snapshot.IsLogFile(entry.Name()) {
			return ModeTransactional, nil
		}
	}
	return ModeHierarchical, nil
}

func (s *Service) lock(storageDir string) (func() error, error) {
	return sys.LockStorage(storageDir, s.opts.LockTimeout)
}

func (s *Service) unlock(unlock func() error, storageDir string) {
	if err := unlock(); err != nil {
		s.logger.Warn("Failed to release storage lock.", "storage", storageDir, "error", err)
	}
}
