package txnlog

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	errShortBuffer    = errors.New("short buffer")
	errLayoutMismatch = errors.New("layout mismatch")
)

// cursor decodes big-endian jute primitives from a transaction body. Every
// read is bounds checked so a wrong guess about the record layout surfaces as
// an error instead of a panic.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int { return len(c.buf) - c.off }

func (c *cursor) next(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", errShortBuffer, n, c.off, c.remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) readInt32() (int32, error) {
	b, err := c.next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (c *cursor) readUint32() (uint32, error) {
	b, err := c.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *cursor) readUint64() (uint64, error) {
	b, err := c.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// readBool accepts only the two values jute writes for a boolean.
func (c *cursor) readBool() (bool, error) {
	b, err := c.next(1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: boolean byte 0x%02x", errLayoutMismatch, b[0])
}

// readBuffer reads an int32 length followed by that many bytes. A length of
// -1 encodes a nil buffer.
func (c *cursor) readBuffer() ([]byte, error) {
	n, err := c.readInt32()
	if err != nil {
		return nil, err
	}
	if n == -1 {
		return nil, nil
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", errLayoutMismatch, n)
	}
	b, err := c.next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (c *cursor) readString() (string, error) {
	b, err := c.readBuffer()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// minACLSize is perms + two empty strings.
const minACLSize = 12

func (c *cursor) readACLs() ([]ACL, error) {
	count, err := c.readInt32()
	if err != nil {
		return nil, err
	}
	if count == -1 {
		return nil, nil
	}
	if count < 0 || int(count) > c.remaining()/minACLSize {
		return nil, fmt.Errorf("%w: acl count %d with %d bytes left", errLayoutMismatch, count, c.remaining())
	}
	acls := make([]ACL, 0, count)
	for i := int32(0); i < count; i++ {
		var acl ACL
		if acl.Perms, err = c.readInt32(); err != nil {
			return nil, err
		}
		if acl.Scheme, err = c.readString(); err != nil {
			return nil, err
		}
		if acl.ID, err = c.readString(); err != nil {
			return nil, err
		}
		acls = append(acls, acl)
	}
	return acls, nil
}
