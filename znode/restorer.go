package znode

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/ensemble"
)

// ErrTargetsRequired is returned when restoring from a plain directory tree
// without naming the nodes to recover.
var ErrTargetsRequired = errors.New("restoring operation requires specifying nodes to recover")

// RestoreResult summarizes one hierarchical restore.
type RestoreResult struct {
	Targets  []string
	Restored int
	// Replaced counts restored nodes that existed before and were deleted.
	Replaced int
	Failed   int
}

// Restorer recreates znodes from an archive or a directory tree.
type Restorer struct {
	connector ensemble.Connector
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewRestorer(connector ensemble.Connector, opts Options) *Restorer {
	return &Restorer{
		connector: connector,
		tracer:    opts.tracer(),
		logger:    opts.logger("Restorer"),
	}
}

// Restore recreates each target subtree. With <storage>/znodes.zip present the
// targets default to every top-level node except the system node and are
// extracted before the walk; without it storageDir itself is walked and
// targets must be given. Existing nodes are deleted recursively and created
// again with the stored value. Node level failures are logged and counted.
func (r *Restorer) Restore(ctx context.Context, targets []string, storageDir string) (*RestoreResult, error) {
	ctx, span := r.tracer.Start(ctx, "Restorer.Restore")
	defer span.End()
	span.SetAttributes(attribute.String("storage.dir", storageDir))

	archivePath := ArchivePath(storageDir)
	_, statErr := os.Stat(archivePath)
	hasArchive := statErr == nil
	if !hasArchive && len(targets) == 0 {
		return nil, ErrTargetsRequired
	}

	session, err := r.connector.Connect(ctx, "")
	if err != nil {
		return nil, err
	}
	defer session.Close()

	res := &RestoreResult{}
	if hasArchive {
		err = r.restoreFromArchive(session, targets, storageDir, archivePath, res)
	} else {
		res.Targets = normalizeTargets(targets)
		for _, target := range res.Targets {
			if err = r.walk(session, storageDir, target, res); err != nil {
				break
			}
		}
	}
	span.SetAttributes(attribute.Int("znodes.restored", res.Restored), attribute.Int("znodes.failed", res.Failed))
	if err != nil {
		span.RecordError(err)
		return res, err
	}
	r.logger.Info("Znodes are restored.", "targets", strings.Join(res.Targets, ","), "restored", res.Restored, "replaced", res.Replaced, "failed", res.Failed)
	return res, nil
}

func (r *Restorer) restoreFromArchive(session ensemble.Session, targets []string, storageDir, archivePath string, res *RestoreResult) error {
	archive, err := OpenArchive(archivePath)
	if err != nil {
		return err
	}
	defer archive.Close()

	if len(targets) == 0 {
		targets = archive.TopLevelNodes()
		r.logger.Debug("Restore set taken from the archive.", "nodes", strings.Join(targets, ","))
	}
	res.Targets = normalizeTargets(targets)

	extractDir := filepath.Join(storageDir, WorkDirName)
	if err := os.RemoveAll(extractDir); err != nil {
		return &core.IoError{Op: "clean", Path: extractDir, Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(extractDir); rmErr != nil {
			r.logger.Warn("Failed to remove extraction directory.", "dir", extractDir, "error", rmErr)
		}
	}()

	for _, target := range res.Targets {
		n, err := archive.Extract(target, extractDir)
		if err != nil {
			return err
		}
		if n == 0 {
			return &core.NotFoundError{Kind: "znode", Name: core.NormalizePath(target)}
		}
		r.logger.Debug("Node extracted from archive.", "node", target, "entries", n)
		if err := r.walk(session, extractDir, target, res); err != nil {
			return err
		}
	}
	return nil
}

// walk restores base/target top-down. The znode path of a directory is its
// path relative to base.
func (r *Restorer) walk(session ensemble.Session, base, target string, res *RestoreResult) error {
	root := filepath.Join(base, filepath.FromSlash(target))
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return &core.NotFoundError{Kind: "znode", Name: core.NormalizePath(target)}
	}
	r.logger.Debug("Restoring node tree.", "node", target, "dir", root)

	before := res.Restored
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			r.logger.Error("Cannot read node directory.", "dir", p, "error", walkErr)
			res.Failed++
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		return r.restoreNode(session, "/"+filepath.ToSlash(rel), p, res)
	})
	r.logger.Debug("Node tree restored.", "node", target, "restored", res.Restored-before)
	return err
}

func (r *Restorer) restoreNode(session ensemble.Session, path, dir string, res *RestoreResult) error {
	exists, err := session.Exists(path)
	if err != nil {
		return err
	}
	if exists {
		r.logger.Debug("Znode exists already, deleting it.", "path", path)
		if err := session.Delete(path, true); err != nil {
			r.logger.Error("Znode isn't deleted.", "path", path, "error", err)
			res.Failed++
			return nil
		}
	}

	var data []byte
	cpath := filepath.Join(dir, ContentFile)
	if fi, err := os.Stat(cpath); err == nil && fi.Mode().IsRegular() {
		if data, err = os.ReadFile(cpath); err != nil {
			r.logger.Error("Znode content isn't readable.", "path", path, "error", &core.IoError{Op: "read", Path: cpath, Err: err})
			res.Failed++
			return nil
		}
	}

	if err := session.Create(path, data); err != nil {
		r.logger.Error("Znode isn't restored.", "path", path, "error", err)
		res.Failed++
		return nil
	}
	r.logger.Debug("Znode is restored.", "path", path, "bytes", len(data))
	res.Restored++
	if exists {
		res.Replaced++
	}
	return nil
}

func normalizeTargets(targets []string) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t = strings.Trim(t, "/"); t != "" {
			out = append(out, t)
		}
	}
	return out
}
