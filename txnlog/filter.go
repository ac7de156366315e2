package txnlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/PavelYadrov/qubership-zookeeper/core"
)

// FilterResult summarizes one filtered log.
type FilterResult struct {
	File        string
	HeaderValid bool
	Kept        int
	Redacted    int
	// Opaque counts kept transactions whose body was not decoded (multi).
	Opaque int
	// Bytes is the size of the filtered output, sentinel included.
	Bytes int64
	First time.Time
	Last  time.Time
	// Err is the condition that stopped the file early, if any. The output
	// still ends with the end-of-stream sentinel.
	Err error
}

// Filter removes session bookkeeping and ephemeral creates from transaction
// logs. Every transaction it keeps is copied byte for byte.
type Filter struct {
	logger *slog.Logger
}

func NewFilter(logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{logger: logger.With("component", "LogFilter")}
}

// Filter copies the log in r to w, dropping redacted transactions. It stops at
// the end-of-stream frame, or at the first format error, and in both cases
// finishes w with the 12 byte sentinel so the output stays replayable.
func (f *Filter) Filter(r io.Reader, w io.Writer) (res FilterResult, err error) {
	reader := NewReader(r)
	writer := NewWriter(w)
	defer func() { res.Bytes = writer.Written() }()

	header, err := reader.ReadHeader()
	if err != nil {
		return res, err
	}
	res.HeaderValid = header.IsValid()
	if !res.HeaderValid {
		f.logger.Error("Not a valid ZooKeeper transaction log, copying header as is.", "magic", fmt.Sprintf("0x%08x", header.Magic))
	}
	if err := writer.WriteRaw(header.Raw); err != nil {
		return res, &core.IoError{Op: "write header", Err: err}
	}

	debug := f.logger.Enabled(context.Background(), slog.LevelDebug)
	for {
		tx, err := reader.ReadTransaction()
		if errors.Is(err, ErrEndOfStream) {
			if werr := writer.WriteEndOfStream(); werr != nil {
				return res, &core.IoError{Op: "write end of stream", Err: werr}
			}
			return res, nil
		}
		if err != nil {
			// Anything after a bad frame is dropped rather than risk a malformed tail.
			if werr := writer.WriteEndOfStream(); werr != nil {
				return res, &core.IoError{Op: "write end of stream", Err: werr}
			}
			res.Err = err
			return res, err
		}

		if res.First.IsZero() {
			res.First = tx.Header.Time()
			f.logger.Debug("Log starts.", "time", res.First)
		}
		res.Last = tx.Header.Time()
		if debug {
			f.logger.Debug("Transaction read.", "offset_ms", res.Last.Sub(res.First).Milliseconds(), "txn", tx.String())
		}

		if IsRedacted(tx.Entry) {
			res.Redacted++
			continue
		}
		if tx.Entry == nil {
			res.Opaque++
		}
		if err := writer.WriteRaw(tx.Raw); err != nil {
			return res, &core.IoError{Op: "write transaction", Err: err}
		}
		res.Kept++
	}
}

// FilterFile filters src into dstDir under the same base name. Both file
// handles are closed before it returns. When src is too short to carry a
// header nothing is left in dstDir.
func (f *Filter) FilterFile(src, dstDir string) (res FilterResult, err error) {
	name := filepath.Base(src)
	res.File = name

	in, err := os.Open(src)
	if err != nil {
		return res, &core.IoError{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	dst := filepath.Join(dstDir, name)
	out, err := os.Create(dst)
	if err != nil {
		return res, &core.IoError{Op: "create", Path: dst, Err: err}
	}

	res, err = f.Filter(in, out)
	res.File = name
	if cerr := out.Close(); cerr != nil && err == nil {
		err = &core.IoError{Op: "close", Path: dst, Err: cerr}
	}
	if err != nil && res.Bytes == 0 {
		if rmErr := os.Remove(dst); rmErr != nil {
			f.logger.Warn("Failed to remove empty filtered log.", "file", dst, "error", rmErr)
		}
	}

	var formatErr *core.FormatError
	if errors.As(err, &formatErr) {
		formatErr.File = name
	}
	var ioErr *core.IoError
	if errors.As(err, &ioErr) && ioErr.Path == "" {
		ioErr.Path = dst
	}
	if err != nil && res.Err == nil {
		res.Err = err
	}
	return res, err
}

// FilterFiles filters every log in turn. A file that fails is logged and
// reported in its result; the remaining files are still processed.
func (f *Filter) FilterFiles(srcs []string, dstDir string) []FilterResult {
	f.logger.Debug("Filtering transaction logs.", "count", len(srcs), "destination", dstDir)
	results := make([]FilterResult, 0, len(srcs))
	for _, src := range srcs {
		res, err := f.FilterFile(src, dstDir)
		if err != nil {
			res.Err = err
			f.logger.Error("Log file processing completed with error.", "file", res.File, "error", err)
		} else {
			f.logger.Info("Log file filtered.", "file", res.File, "kept", res.Kept, "redacted", res.Redacted)
		}
		results = append(results, res)
	}
	f.logger.Debug("Logs are filtered.")
	return results
}
