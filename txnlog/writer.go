package txnlog

import (
	"encoding/binary"
	"hash/adler32"
	"io"
)

var endOfStream = make([]byte, EndOfStreamSize)

// encoder appends big-endian jute primitives to a byte slice.
type encoder struct {
	buf []byte
}

func (e *encoder) putInt32(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *encoder) putUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) putUint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *encoder) putBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *encoder) putBuffer(b []byte) {
	if b == nil {
		e.putInt32(-1)
		return
	}
	e.putInt32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) putString(s string) {
	e.putInt32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) putACLs(acls []ACL) {
	e.putInt32(int32(len(acls)))
	for _, a := range acls {
		e.putInt32(a.Perms)
		e.putString(a.Scheme)
		e.putString(a.ID)
	}
}

func (e *CreateEntry) encode(enc *encoder) {
	enc.putString(e.Path)
	if e.Schema == SchemaLegacy {
		enc.putACLs(e.ACL)
		enc.putBool(e.Ephemeral)
		return
	}
	enc.putBuffer(e.Data)
	enc.putACLs(e.ACL)
	enc.putBool(e.Ephemeral)
	if e.ParentCVersion != nil {
		enc.putInt32(*e.ParentCVersion)
	}
}

func (e *DeleteEntry) encode(enc *encoder) { enc.putString(e.Path) }

func (e *SetDataEntry) encode(enc *encoder) {
	enc.putString(e.Path)
	enc.putBuffer(e.Data)
	enc.putInt32(e.Version)
}

func (e *SetACLEntry) encode(enc *encoder) {
	enc.putString(e.Path)
	enc.putACLs(e.ACL)
	enc.putInt32(e.Version)
}

func (e *SessionCreateEntry) encode(enc *encoder) { enc.putInt32(e.TimeoutMs) }
func (e *SessionCloseEntry) encode(*encoder)      {}
func (e *ErrorEntry) encode(enc *encoder)         { enc.putInt32(int32(e.Code)) }

// EncodeBody serializes a transaction header and entry. A nil entry produces a
// header-only body.
func EncodeBody(h TxnHeader, e Entry) []byte {
	enc := &encoder{buf: make([]byte, 0, TxnHeaderSize+64)}
	enc.putUint64(h.SessionID)
	enc.putUint32(h.Cxid)
	enc.putUint64(h.Zxid)
	enc.putUint64(h.TimeMs)
	enc.putInt32(int32(h.Type))
	if e != nil {
		e.encode(enc)
	}
	return enc.buf
}

// EncodeFrame wraps a body into a frame: Adler-32 crc, length, body and the
// end-of-record byte.
func EncodeFrame(body []byte) []byte {
	frame := make([]byte, 0, frameHeadSize+len(body)+1)
	frame = binary.BigEndian.AppendUint64(frame, uint64(adler32.Checksum(body)))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	return append(frame, EndOfRecord)
}

// EncodeTransaction is EncodeFrame(EncodeBody(h, e)).
func EncodeTransaction(h TxnHeader, e Entry) []byte {
	return EncodeFrame(EncodeBody(h, e))
}

// EncodeHeader serializes a file header.
func EncodeHeader(magic uint32, version int32, dbid int64) []byte {
	b := make([]byte, 0, HeaderSize)
	b = binary.BigEndian.AppendUint32(b, magic)
	b = binary.BigEndian.AppendUint32(b, uint32(version))
	return binary.BigEndian.AppendUint64(b, uint64(dbid))
}

// Writer emits a transaction log.
type Writer struct {
	w       io.Writer
	written int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Written returns the number of bytes emitted so far.
func (w *Writer) Written() int64 { return w.written }

// WriteRaw emits bytes verbatim, e.g. a header or a frame read by a Reader.
func (w *Writer) WriteRaw(b []byte) error {
	n, err := w.w.Write(b)
	w.written += int64(n)
	return err
}

// WriteEndOfStream emits the 12 zero bytes that terminate a log.
func (w *Writer) WriteEndOfStream() error {
	return w.WriteRaw(endOfStream)
}
