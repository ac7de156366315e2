package txnlog

import (
	"fmt"
	"strings"

	"github.com/PavelYadrov/qubership-zookeeper/core"
)

// ACL is a single access control entry as stored in the log.
type ACL struct {
	Perms  int32
	Scheme string
	ID     string
}

func (a ACL) String() string {
	return fmt.Sprintf("Acl %s %s %x", a.Scheme, a.ID, a.Perms)
}

// Entry is the decoded body of a transaction. The concrete type is selected by
// the header's op code.
type Entry interface {
	Op() OpType
	String() string
	encode(e *encoder)
}

// CreateSchema tells which on-disk generation a create record was written in.
type CreateSchema int

const (
	// SchemaModern records carry the node data between path and ACL list.
	SchemaModern CreateSchema = iota
	// SchemaLegacy records have no data field.
	SchemaLegacy
)

func (s CreateSchema) String() string {
	if s == SchemaLegacy {
		return "legacy"
	}
	return "modern"
}

type CreateEntry struct {
	Path      string
	Data      []byte
	ACL       []ACL
	Ephemeral bool
	Schema    CreateSchema
	// ParentCVersion is present only in modern records that carry it.
	ParentCVersion *int32
}

func (e *CreateEntry) Op() OpType { return OpCreate }

func (e *CreateEntry) String() string {
	return fmt.Sprintf("Create path %s data '%s' acls - %s ephemeral %t", e.Path, e.Data, formatACLs(e.ACL), e.Ephemeral)
}

type DeleteEntry struct {
	Path string
}

func (e *DeleteEntry) Op() OpType     { return OpDelete }
func (e *DeleteEntry) String() string { return "Delete path " + e.Path }

type SetDataEntry struct {
	Path    string
	Data    []byte
	Version int32
}

func (e *SetDataEntry) Op() OpType { return OpSetData }

func (e *SetDataEntry) String() string {
	return fmt.Sprintf("SetData path %s data '%s' version %d", e.Path, e.Data, e.Version)
}

type SetACLEntry struct {
	Path    string
	ACL     []ACL
	Version int32
}

func (e *SetACLEntry) Op() OpType { return OpSetACL }

func (e *SetACLEntry) String() string {
	return fmt.Sprintf("SetAcl path %s acls - %s version %d", e.Path, formatACLs(e.ACL), e.Version)
}

type SessionCreateEntry struct {
	TimeoutMs int32
}

func (e *SessionCreateEntry) Op() OpType { return OpSessionCreate }

func (e *SessionCreateEntry) String() string {
	return fmt.Sprintf("SessionCreate timeout %dms", e.TimeoutMs)
}

type SessionCloseEntry struct{}

func (e *SessionCloseEntry) Op() OpType     { return OpSessionClose }
func (e *SessionCloseEntry) String() string { return "SessionClose" }

type ErrorEntry struct {
	Code ErrorCode
}

func (e *ErrorEntry) Op() OpType     { return OpError }
func (e *ErrorEntry) String() string { return "Error " + e.Code.String() }

// Err converts the recorded failure into an EnsembleError; it returns nil for
// ErrCodeOk.
func (e *ErrorEntry) Err() error {
	if e.Code == ErrCodeOk {
		return nil
	}
	return &core.EnsembleError{Op: "transaction", Code: e.Code.String()}
}

// IsRedacted reports whether a transaction carrying this entry must be left
// out of a filtered log: session bookkeeping and ephemeral creates only make
// sense for live client sessions.
func IsRedacted(e Entry) bool {
	switch v := e.(type) {
	case *SessionCreateEntry, *SessionCloseEntry:
		return true
	case *CreateEntry:
		return v.Ephemeral
	}
	return false
}

func formatACLs(acls []ACL) string {
	parts := make([]string, len(acls))
	for i, a := range acls {
		parts[i] = a.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// decodeEntry dispatches on op. A nil entry with a nil error means the body is
// intentionally left undecoded (multi).
func decodeEntry(op OpType, c *cursor) (Entry, error) {
	switch op {
	case OpCreate:
		return decodeCreate(c)
	case OpDelete:
		path, err := c.readString()
		if err != nil {
			return nil, err
		}
		return &DeleteEntry{Path: path}, nil
	case OpSetData:
		e := &SetDataEntry{}
		var err error
		if e.Path, err = c.readString(); err != nil {
			return nil, err
		}
		if e.Data, err = c.readBuffer(); err != nil {
			return nil, err
		}
		if e.Version, err = c.readInt32(); err != nil {
			return nil, err
		}
		return e, nil
	case OpSetACL:
		e := &SetACLEntry{}
		var err error
		if e.Path, err = c.readString(); err != nil {
			return nil, err
		}
		if e.ACL, err = c.readACLs(); err != nil {
			return nil, err
		}
		if e.Version, err = c.readInt32(); err != nil {
			return nil, err
		}
		return e, nil
	case OpSessionCreate:
		timeout, err := c.readInt32()
		if err != nil {
			return nil, err
		}
		return &SessionCreateEntry{TimeoutMs: timeout}, nil
	case OpSessionClose:
		return &SessionCloseEntry{}, nil
	case OpError:
		code, err := c.readInt32()
		if err != nil {
			return nil, err
		}
		ec := ErrorCode(code)
		if !ec.Known() {
			return nil, fmt.Errorf("unmapped error code %d", code)
		}
		return &ErrorEntry{Code: ec}, nil
	case OpMulti:
		return nil, nil
	}
	return nil, &UnrecognizedOperationError{Code: op}
}

// decodeCreate negotiates between the two create layouts. The modern layout is
// tried first; any structural mismatch rewinds to just after the path and the
// legacy layout is tried instead.
func decodeCreate(c *cursor) (*CreateEntry, error) {
	path, err := c.readString()
	if err != nil {
		return nil, err
	}
	mark := c.off
	entry, modernErr := decodeModernCreate(c, path)
	if modernErr == nil {
		return entry, nil
	}
	c.off = mark
	entry, legacyErr := decodeLegacyCreate(c, path)
	if legacyErr == nil {
		return entry, nil
	}
	return nil, fmt.Errorf("create %s matches no known layout (modern: %v; legacy: %v)", path, modernErr, legacyErr)
}

func decodeModernCreate(c *cursor, path string) (*CreateEntry, error) {
	e := &CreateEntry{Path: path, Schema: SchemaModern}
	var err error
	if e.Data, err = c.readBuffer(); err != nil {
		return nil, err
	}
	if e.ACL, err = c.readACLs(); err != nil {
		return nil, err
	}
	if e.Ephemeral, err = c.readBool(); err != nil {
		return nil, err
	}
	switch c.remaining() {
	case 0:
	case 4:
		v, _ := c.readInt32()
		e.ParentCVersion = &v
	default:
		return nil, fmt.Errorf("%w: %d trailing bytes", errLayoutMismatch, c.remaining())
	}
	return e, nil
}

func decodeLegacyCreate(c *cursor, path string) (*CreateEntry, error) {
	e := &CreateEntry{Path: path, Schema: SchemaLegacy}
	var err error
	if e.ACL, err = c.readACLs(); err != nil {
		return nil, err
	}
	if e.Ephemeral, err = c.readBool(); err != nil {
		return nil, err
	}
	if c.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", errLayoutMismatch, c.remaining())
	}
	return e, nil
}
