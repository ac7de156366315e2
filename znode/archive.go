package znode

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/PavelYadrov/qubership-zookeeper/core"
)

const (
	// ArchiveName is the archive file inside the storage directory.
	ArchiveName = "znodes.zip"
	// WorkDirName is the directory the tree is written to before packaging
	// and extracted to on restore.
	WorkDirName = "znodes"
	// ContentFile holds a node's value inside its directory.
	ContentFile = "content"
	// SystemNode is the ensemble's own bookkeeping subtree.
	SystemNode = "zookeeper"
)

// archiveTime is stamped on every entry so identical trees produce identical
// archives.
var archiveTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Compression selects the zip method used for content files.
type Compression string

const (
	CompressionDeflate Compression = "deflate"
	CompressionStore   Compression = "store"
	CompressionZstd    Compression = "zstd"
)

// ParseCompression accepts the configuration spelling; empty means deflate.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CompressionDeflate, nil
	case CompressionDeflate, CompressionStore, CompressionZstd:
		return c, nil
	default:
		return "", fmt.Errorf("unknown archive compression %q (want deflate, store or zstd)", s)
	}
}

func (c Compression) method() uint16 {
	switch c {
	case CompressionStore:
		return zip.Store
	case CompressionZstd:
		return zstd.ZipMethodWinZip
	default:
		return zip.Deflate
	}
}

// ArchivePath returns where the archive lives for a storage directory.
func ArchivePath(storageDir string) string {
	return filepath.Join(storageDir, ArchiveName)
}

// WriteArchive packages the tree under srcDir into dst. Entries are written in
// lexical order with a fixed timestamp, one directory entry per node. It
// returns the archive size in bytes.
func WriteArchive(srcDir, dst string, comp Compression) (size int64, err error) {
	var names []string
	err = filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			name += "/"
		} else if !d.Type().IsRegular() {
			return nil
		}
		names = append(names, name)
		return nil
	})
	if err != nil {
		return 0, &core.IoError{Op: "walk", Path: srcDir, Err: err}
	}
	sort.Strings(names)

	out, err := os.Create(dst)
	if err != nil {
		return 0, &core.IoError{Op: "create", Path: dst, Err: err}
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = &core.IoError{Op: "close", Path: dst, Err: cerr}
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderConcurrency(1)))

	for _, name := range names {
		if err := addEntry(zw, srcDir, name, comp); err != nil {
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, &core.IoError{Op: "finish archive", Path: dst, Err: err}
	}

	info, err := out.Stat()
	if err != nil {
		return 0, &core.IoError{Op: "stat", Path: dst, Err: err}
	}
	return info.Size(), nil
}

func addEntry(zw *zip.Writer, srcDir, name string, comp Compression) error {
	fh := &zip.FileHeader{Name: name, Modified: archiveTime}
	if strings.HasSuffix(name, "/") {
		fh.Method = zip.Store
		fh.SetMode(fs.ModeDir | 0755)
		_, err := zw.CreateHeader(fh)
		return err
	}

	fh.Method = comp.method()
	fh.SetMode(0644)
	src := filepath.Join(srcDir, filepath.FromSlash(name))
	in, err := os.Open(src)
	if err != nil {
		return &core.IoError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	w, err := zw.CreateHeader(fh)
	if err != nil {
		return &core.IoError{Op: "add entry", Path: name, Err: err}
	}
	if _, err := io.Copy(w, in); err != nil {
		return &core.IoError{Op: "compress", Path: src, Err: err}
	}
	return nil
}

// Archive is an opened znode archive.
type Archive struct {
	path string
	rc   *zip.ReadCloser
}

// OpenArchive opens path for reading. Deflate, store and zstd entries are
// understood regardless of the compression configured for writing.
func OpenArchive(path string) (*Archive, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &core.NotFoundError{Kind: "archive", Name: path}
		}
		return nil, &core.IoError{Op: "open archive", Path: path, Err: err}
	}
	rc.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	rc.RegisterDecompressor(zstd.ZipMethodPKWare, zstd.ZipDecompressor())
	return &Archive{path: path, rc: rc}, nil
}

func (a *Archive) Close() error {
	return a.rc.Close()
}

// TopLevelNodes returns the first-level node names, without the system node.
func (a *Archive) TopLevelNodes() []string {
	var nodes []string
	for _, f := range a.rc.File {
		name, ok := strings.CutSuffix(f.Name, "/")
		if !ok || name == "" || strings.Contains(name, "/") || name == SystemNode {
			continue
		}
		nodes = append(nodes, name)
	}
	return nodes
}

// Extract writes the subtree of node (a slash separated relative path such as
// "a/b") into dstDir, including the node's own directory, and returns the
// number of entries written. A node absent from the archive extracts nothing.
func (a *Archive) Extract(node, dstDir string) (int, error) {
	node = strings.Trim(node, "/")
	prefix := node + "/"
	n := 0
	for _, f := range a.rc.File {
		if f.Name != prefix && !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		name := strings.TrimSuffix(f.Name, "/")
		if !filepath.IsLocal(filepath.FromSlash(name)) {
			return n, &core.FormatError{File: a.path, Offset: -1, Message: fmt.Sprintf("archive entry %q escapes the extraction directory", f.Name)}
		}
		target := filepath.Join(dstDir, filepath.FromSlash(name))
		if strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0755); err != nil {
				return n, &core.IoError{Op: "mkdir", Path: target, Err: err}
			}
			n++
			continue
		}
		if err := extractFile(f, target); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return &core.IoError{Op: "mkdir", Path: filepath.Dir(target), Err: err}
	}
	in, err := f.Open()
	if err != nil {
		return &core.IoError{Op: "open entry", Path: path.Clean(f.Name), Err: err}
	}
	defer in.Close()

	out, err := os.Create(target)
	if err != nil {
		return &core.IoError{Op: "create", Path: target, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return &core.IoError{Op: "extract", Path: target, Err: err}
	}
	if err := out.Close(); err != nil {
		return &core.IoError{Op: "close", Path: target, Err: err}
	}
	return nil
}
