package txnlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
	"time"

	"github.com/PavelYadrov/qubership-zookeeper/core"
)

const (
	// Magic is "ZKLG" read as a big-endian integer.
	Magic uint32 = 0x5A4B4C47

	// HeaderSize is magic(4) + version(4) + database id(8).
	HeaderSize = 16
	// frameHeadSize is crc(8) + length(4).
	frameHeadSize = 12
	// TxnHeaderSize is session(8) + cxid(4) + zxid(8) + time(8) + type(4).
	TxnHeaderSize = 32
	// EndOfStreamSize is the length of the all-zero sentinel closing a log.
	EndOfStreamSize = 12
	// EndOfRecord is the marker byte the ensemble writes after every frame.
	EndOfRecord byte = 'B'

	maxFrameLength = 256 << 20
)

// ErrEndOfStream is returned by ReadTransaction when it meets a zero-length
// frame, the logical end of a transaction log.
var ErrEndOfStream = errors.New("txnlog: end of stream")

// UnrecognizedOperationError is returned for a transaction whose op code has no
// decoder. The transaction header and raw bytes are still returned with it.
type UnrecognizedOperationError struct {
	Code OpType
}

func (e *UnrecognizedOperationError) Error() string {
	return fmt.Sprintf("unrecognized operation %d", int32(e.Code))
}

// IsUnrecognizedOperation checks the error chain for an UnrecognizedOperationError.
func IsUnrecognizedOperation(err error) bool {
	var target *UnrecognizedOperationError
	return errors.As(err, &target)
}

// FileHeader is the fixed header at the start of every transaction log file.
type FileHeader struct {
	Magic      uint32
	Version    int32
	DatabaseID int64
	// Raw holds the header exactly as read so it can be forwarded untouched.
	Raw []byte
}

func (h *FileHeader) IsValid() bool {
	return h.Magic == Magic
}

// TxnHeader is the common prefix of every transaction body.
type TxnHeader struct {
	SessionID uint64
	Cxid      uint32
	Zxid      uint64
	TimeMs    uint64
	Type      OpType
}

func (h TxnHeader) Time() time.Time {
	return time.UnixMilli(int64(h.TimeMs))
}

func (h TxnHeader) String() string {
	return fmt.Sprintf("%s (%3dms) sessionid 0x%x zxid 0x%x cxid 0x%x %s",
		h.Time().Format(time.ANSIC), h.TimeMs%1000, h.SessionID, h.Zxid, h.Cxid, h.Type)
}

// Transaction is one decoded frame. Raw is the complete frame (crc, length,
// body and end-of-record byte) as it appeared in the file.
type Transaction struct {
	Offset int64
	CRC    int64
	Header TxnHeader
	// Entry is nil for multi transactions, whose body is not decoded.
	Entry Entry
	Raw   []byte
}

// Body returns the part of Raw covered by the checksum.
func (t *Transaction) Body() []byte {
	return t.Raw[frameHeadSize : len(t.Raw)-1]
}

// ChecksumOK recomputes the Adler-32 checksum of the body.
func (t *Transaction) ChecksumOK() bool {
	return int64(adler32.Checksum(t.Body())) == t.CRC
}

func (t *Transaction) String() string {
	if t.Entry == nil {
		return t.Header.String() + " -- Unrecognized operation"
	}
	return t.Header.String() + " -- " + t.Entry.String()
}

// Reader decodes a transaction log from a byte stream.
type Reader struct {
	r      *bufio.Reader
	offset int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Offset is the number of bytes consumed so far.
func (r *Reader) Offset() int64 { return r.offset }

// ReadHeader consumes the file header. An invalid magic is not an error; use
// FileHeader.IsValid.
func (r *Reader) ReadHeader() (*FileHeader, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r.r, raw); err != nil {
		return nil, &core.FormatError{Offset: r.offset, Message: "truncated file header", Err: err}
	}
	r.offset += HeaderSize
	return &FileHeader{
		Magic:      binary.BigEndian.Uint32(raw[0:4]),
		Version:    int32(binary.BigEndian.Uint32(raw[4:8])),
		DatabaseID: int64(binary.BigEndian.Uint64(raw[8:16])),
		Raw:        raw,
	}, nil
}

// ReadTransaction consumes one frame. It returns ErrEndOfStream on a
// zero-length frame. For an unknown op code it returns the transaction
// together with an UnrecognizedOperationError wrapped in a core.FormatError.
func (r *Reader) ReadTransaction() (*Transaction, error) {
	start := r.offset
	head := make([]byte, frameHeadSize)
	if _, err := io.ReadFull(r.r, head); err != nil {
		if err == io.EOF {
			return nil, &core.FormatError{Offset: start, Message: "log ends without end-of-stream marker", Err: err}
		}
		return nil, &core.FormatError{Offset: start, Message: "truncated frame header", Err: err}
	}
	crc := int64(binary.BigEndian.Uint64(head[0:8]))
	length := int32(binary.BigEndian.Uint32(head[8:12]))
	if length == 0 {
		r.offset += frameHeadSize
		return nil, ErrEndOfStream
	}
	if length < 0 || length > maxFrameLength {
		return nil, &core.FormatError{Offset: start, Message: fmt.Sprintf("invalid frame length %d", length)}
	}
	if length < TxnHeaderSize {
		return nil, &core.FormatError{Offset: start, Message: fmt.Sprintf("frame length %d shorter than transaction header", length)}
	}

	raw := make([]byte, frameHeadSize+int(length)+1)
	copy(raw, head)
	if _, err := io.ReadFull(r.r, raw[frameHeadSize:]); err != nil {
		return nil, &core.FormatError{Offset: start, Message: "truncated frame body", Err: err}
	}
	r.offset += int64(len(raw))

	tx := &Transaction{Offset: start, CRC: crc, Raw: raw}
	c := &cursor{buf: raw[frameHeadSize : len(raw)-1]}
	// Bounds were checked above, the header reads cannot fail.
	tx.Header.SessionID, _ = c.readUint64()
	tx.Header.Cxid, _ = c.readUint32()
	tx.Header.Zxid, _ = c.readUint64()
	tx.Header.TimeMs, _ = c.readUint64()
	op, _ := c.readInt32()
	tx.Header.Type = OpType(op)

	entry, err := decodeEntry(tx.Header.Type, c)
	if err != nil {
		msg := fmt.Sprintf("cannot decode %s entry at zxid 0x%x", tx.Header.Type, tx.Header.Zxid)
		if IsUnrecognizedOperation(err) {
			msg = "unrecognized operation"
		}
		return tx, &core.FormatError{Offset: start, Message: msg, Err: err}
	}
	tx.Entry = entry
	return tx, nil
}
