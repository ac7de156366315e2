// Package znode copies the hierarchical namespace to and from a directory tree
// packaged as a zip archive.
package znode

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/ensemble"
)

// Options configure both walkers.
type Options struct {
	Compression Compression
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

func (o Options) tracer() trace.Tracer {
	if o.Tracer == nil {
		return noop.NewTracerProvider().Tracer("znode")
	}
	return o.Tracer
}

func (o Options) logger(component string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

// ArchiveResult summarizes one hierarchical backup.
type ArchiveResult struct {
	Stored           int
	SkippedEphemeral int
	Failed           int
	ArchivePath      string
	Size             int64
}

// Archiver writes persistent znodes into <storage>/znodes.zip.
type Archiver struct {
	connector   ensemble.Connector
	compression Compression
	tracer      trace.Tracer
	logger      *slog.Logger
}

func NewArchiver(connector ensemble.Connector, opts Options) *Archiver {
	if opts.Compression == "" {
		opts.Compression = CompressionDeflate
	}
	return &Archiver{
		connector:   connector,
		compression: opts.Compression,
		tracer:      opts.tracer(),
		logger:      opts.logger("Archiver"),
	}
}

// Archive walks each root (the whole namespace when roots is empty) depth
// first and packages the result. Ephemeral nodes are skipped together with
// their subtree. A node whose directory cannot be created is logged and
// counted; the walk goes on.
func (a *Archiver) Archive(ctx context.Context, roots []string, storageDir string) (res *ArchiveResult, err error) {
	ctx, span := a.tracer.Start(ctx, "Archiver.Archive")
	defer span.End()
	span.SetAttributes(attribute.String("storage.dir", storageDir), attribute.Int("roots.count", len(roots)))

	res = &ArchiveResult{ArchivePath: ArchivePath(storageDir)}
	workDir := filepath.Join(storageDir, WorkDirName)

	session, err := a.connector.Connect(ctx, "")
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := os.RemoveAll(workDir); err != nil {
		return nil, &core.IoError{Op: "clean", Path: workDir, Err: err}
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, &core.IoError{Op: "mkdir", Path: workDir, Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			a.logger.Warn("Failed to remove intermediate directory.", "dir", workDir, "error", rmErr)
		}
	}()

	if len(roots) == 0 {
		roots = []string{core.RootPath}
	}
	w := &walker{session: session, workDir: workDir, logger: a.logger, res: res}
	for _, root := range roots {
		root = core.NormalizePath(root)
		a.logger.Info("Archiving znode tree.", "root", root)
		if err := w.visit(root, true); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	size, err := WriteArchive(workDir, res.ArchivePath, a.compression)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	res.Size = size
	span.SetAttributes(attribute.Int("znodes.stored", res.Stored), attribute.Int64("archive.size", size))
	a.logger.Info("Znode archive written.",
		"archive", res.ArchivePath,
		"size", humanize.Bytes(uint64(size)),
		"stored", res.Stored,
		"skipped_ephemeral", res.SkippedEphemeral,
		"failed", res.Failed)
	return res, nil
}

type walker struct {
	session ensemble.Session
	workDir string
	logger  *slog.Logger
	res     *ArchiveResult
}

// visit stores path and recurses into its children. Nodes deleted while the
// walk is running are skipped; a missing root is an error.
func (w *walker) visit(path string, root bool) error {
	w.logger.Debug("On node.", "path", path)
	value, stat, err := w.session.Get(path)
	if err != nil {
		if !root && core.IsNotFound(err) {
			w.logger.Debug("Node disappeared during the walk.", "path", path)
			return nil
		}
		return err
	}
	if stat.IsEphemeral() {
		w.logger.Debug("Skipping ephemeral node and its subtree.", "path", path, "owner", stat.EphemeralOwner)
		w.res.SkippedEphemeral++
		return nil
	}

	w.store(path, value)

	children, err := w.session.Children(path)
	if err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}
	w.logger.Debug("Node children listed.", "path", path, "count", len(children))
	for _, child := range children {
		if err := w.visit(core.JoinPath(path, child), false); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) store(path string, value []byte) {
	dir := filepath.Join(w.workDir, filepath.FromSlash(path))
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.logger.Error("Creation of the node directory failed.", "path", path, "error", &core.IoError{Op: "mkdir", Path: dir, Err: err})
		w.res.Failed++
		return
	}
	if len(value) > 0 {
		cpath := filepath.Join(dir, ContentFile)
		if err := os.WriteFile(cpath, value, 0644); err != nil {
			w.logger.Error("Writing node content failed.", "path", path, "error", &core.IoError{Op: "write", Path: cpath, Err: err})
			w.res.Failed++
			return
		}
	}
	w.res.Stored++
}
