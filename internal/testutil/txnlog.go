package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PavelYadrov/qubership-zookeeper/txnlog"
)

// WorldACL is the open ACL most fixtures use.
var WorldACL = []txnlog.ACL{{Perms: 31, Scheme: "world", ID: "anyone"}}

// BaseTime is the timestamp of the first transaction a LogBuilder emits.
var BaseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// LogBuilder assembles transaction log bytes for tests. Zxids and timestamps
// increase by one per transaction.
type LogBuilder struct {
	buf     bytes.Buffer
	zxid    uint64
	Session uint64
}

// NewLogBuilder starts a log with a valid header.
func NewLogBuilder() *LogBuilder {
	return NewLogBuilderWithMagic(txnlog.Magic)
}

func NewLogBuilderWithMagic(magic uint32) *LogBuilder {
	b := &LogBuilder{Session: 0x1000000a0b0c}
	b.buf.Write(txnlog.EncodeHeader(magic, 2, 0))
	return b
}

func (b *LogBuilder) nextHeader(op txnlog.OpType) txnlog.TxnHeader {
	b.zxid++
	return txnlog.TxnHeader{
		SessionID: b.Session,
		Cxid:      uint32(b.zxid),
		Zxid:      0x100000000 + b.zxid,
		TimeMs:    uint64(BaseTime.UnixMilli()) + b.zxid,
		Type:      op,
	}
}

// Add appends a transaction and returns its raw frame.
func (b *LogBuilder) Add(e txnlog.Entry) []byte {
	frame := txnlog.EncodeTransaction(b.nextHeader(e.Op()), e)
	b.buf.Write(frame)
	return frame
}

// AddOpaque appends a transaction of the given op whose body after the
// header is payload, e.g. a multi or an unknown op code.
func (b *LogBuilder) AddOpaque(op txnlog.OpType, payload []byte) []byte {
	body := append(txnlog.EncodeBody(b.nextHeader(op), nil), payload...)
	frame := txnlog.EncodeFrame(body)
	b.buf.Write(frame)
	return frame
}

// Bytes returns the log so far, without the end-of-stream sentinel.
func (b *LogBuilder) Bytes() []byte {
	return bytes.Clone(b.buf.Bytes())
}

// Finish returns the log terminated by the end-of-stream sentinel.
func (b *LogBuilder) Finish() []byte {
	return append(b.Bytes(), make([]byte, txnlog.EndOfStreamSize)...)
}

// WriteFile writes the finished log to dir/name and returns the path.
func (b *LogBuilder) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b.Finish(), 0644); err != nil {
		t.Fatalf("failed to write log fixture %s: %v", path, err)
	}
	return path
}

// SetModTime sets both access and modification time of path.
func SetModTime(t testing.TB, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("failed to set mtime of %s: %v", path, err)
	}
}
