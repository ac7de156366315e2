package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Helper wraps the filesystem operations the backup and restore paths perform
// on data directories, so tests can substitute failures.
type Helper interface {
	MkdirAll(path string, perm os.FileMode) error
	RemoveAll(path string) error
	ReadDir(name string) ([]os.DirEntry, error)
	Stat(name string) (os.FileInfo, error)
	CopyFile(src, dst string) error
	CopyFiles(srcs []string, dstDir string) error
	CopyDirectoryContents(src, dst string) error
}

type osHelper struct{}

var _ Helper = (*osHelper)(nil)

// NewHelper returns a Helper backed by the local filesystem.
func NewHelper() Helper {
	return &osHelper{}
}

func (h *osHelper) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (h *osHelper) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (h *osHelper) ReadDir(name string) ([]os.DirEntry, error) {
	return os.ReadDir(name)
}

func (h *osHelper) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// CopyFile copies src to dst and carries over the permission bits and the
// modification time, which the selector relies on after a restore.
func (h *osHelper) CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory for %s: %w", dst, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy data from %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination file %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to preserve modification time of %s: %w", dst, err)
	}
	return nil
}

// CopyFiles copies each file into dstDir under its base name.
func (h *osHelper) CopyFiles(srcs []string, dstDir string) error {
	for _, src := range srcs {
		if err := h.CopyFile(src, filepath.Join(dstDir, filepath.Base(src))); err != nil {
			return err
		}
	}
	return nil
}

func (h *osHelper) CopyDirectoryContents(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("failed to read source directory %s: %w", src, err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", dst, err)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := h.CopyDirectoryContents(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if err := h.CopyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}
