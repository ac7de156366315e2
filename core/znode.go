package core

import "strings"

// RootPath is the path of the namespace root.
const RootPath = "/"

// Stat is the subset of znode metadata the backup engine looks at.
type Stat struct {
	Version        int32
	EphemeralOwner int64 // session id of the owner, 0 for persistent nodes
	DataLength     int32
	NumChildren    int32
	Mzxid          int64
}

// IsEphemeral reports whether the node belongs to a client session.
func (s Stat) IsEphemeral() bool { return s.EphemeralOwner != 0 }

// ZNode is a node of the hierarchical namespace. Children hang off their
// parent only; there is no back-reference.
type ZNode struct {
	Path     string
	Value    []byte
	Stat     Stat
	Children []*ZNode
}

// JoinPath appends a child name to a znode path.
func JoinPath(parent, child string) string {
	if parent == RootPath || parent == "" {
		return RootPath + child
	}
	return parent + "/" + child
}

// NormalizePath converts a user supplied node name ("a/b", "/a/b/") into an
// absolute znode path ("/a/b").
func NormalizePath(p string) string {
	p = strings.Trim(p, "/")
	return RootPath + p
}
