package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/ensemble"
)

type fakeNode struct {
	data     []byte
	owner    int64
	children []string
}

// FakeEnsemble is an in-memory namespace implementing ensemble.Connector.
// Children are reported in insertion order.
type FakeEnsemble struct {
	mu    sync.Mutex
	nodes map[string]*fakeNode

	// Admin holds four-letter command responses per host ("" is the
	// service host).
	Admin map[string]map[string]string
	// ConnectErr fails Connect for the given host.
	ConnectErr map[string]error
	// CreateErr fails Create for the given path.
	CreateErr map[string]error

	Connects int
	Closes   int
	Hosts    []string
}

var _ ensemble.Connector = (*FakeEnsemble)(nil)

// NewFakeEnsemble returns a namespace holding only the root and the
// /zookeeper system node.
func NewFakeEnsemble() *FakeEnsemble {
	f := &FakeEnsemble{
		nodes:      map[string]*fakeNode{core.RootPath: {}},
		Admin:      map[string]map[string]string{},
		ConnectErr: map[string]error{},
		CreateErr:  map[string]error{},
	}
	f.Put("/zookeeper", nil)
	return f
}

func parentOf(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	if i == 0 {
		return core.RootPath, path[1:]
	}
	return path[:i], path[i+1:]
}

func (f *FakeEnsemble) add(path string, data []byte, owner int64) error {
	if _, ok := f.nodes[path]; ok {
		return &core.EnsembleError{Op: "create", Path: path, Code: "nodeexists"}
	}
	parent, name := parentOf(path)
	p, ok := f.nodes[parent]
	if !ok {
		return &core.NotFoundError{Kind: "znode", Name: parent}
	}
	if p.owner != 0 {
		return &core.EnsembleError{Op: "create", Path: path, Code: "nochildrenforephemerals"}
	}
	p.children = append(p.children, name)
	f.nodes[path] = &fakeNode{data: data, owner: owner}
	return nil
}

// Put creates a persistent node, creating missing ancestors with no value.
func (f *FakeEnsemble) Put(path string, data []byte) {
	f.put(path, data, 0)
}

// PutEphemeral creates a node owned by the given session.
func (f *FakeEnsemble) PutEphemeral(path string, data []byte, owner int64) {
	f.put(path, data, owner)
}

func (f *FakeEnsemble) put(path string, data []byte, owner int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.Split(strings.Trim(path, "/"), "/")
	cur := ""
	for i, part := range parts {
		cur += "/" + part
		if n, ok := f.nodes[cur]; ok {
			if i == len(parts)-1 {
				n.data, n.owner = data, owner
			}
			continue
		}
		if i == len(parts)-1 {
			_ = f.add(cur, data, owner)
		} else {
			_ = f.add(cur, nil, 0)
		}
	}
}

// Value returns the stored value of path and whether it exists.
func (f *FakeEnsemble) Value(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[path]
	if !ok {
		return nil, false
	}
	return n.data, true
}

// Paths returns every node path in lexical order, the root excluded.
func (f *FakeEnsemble) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for p := range f.nodes {
		if p != core.RootPath {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// OpenSessions returns connects minus closes.
func (f *FakeEnsemble) OpenSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connects - f.Closes
}

func (f *FakeEnsemble) Connect(ctx context.Context, host string) (ensemble.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.ConnectErr[host]; err != nil {
		return nil, err
	}
	f.Connects++
	f.Hosts = append(f.Hosts, host)
	return &fakeSession{f: f, host: host}, nil
}

type fakeSession struct {
	f      *FakeEnsemble
	host   string
	closed bool
}

func (s *fakeSession) check() error {
	if s.closed {
		return &core.EnsembleError{Op: "request", Code: "connectionloss", Err: fmt.Errorf("session closed")}
	}
	return nil
}

func (s *fakeSession) Get(path string) ([]byte, core.Stat, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, core.Stat{}, err
	}
	n, ok := s.f.nodes[path]
	if !ok {
		return nil, core.Stat{}, &core.NotFoundError{Kind: "znode", Name: path}
	}
	return append([]byte(nil), n.data...), core.Stat{
		EphemeralOwner: n.owner,
		DataLength:     int32(len(n.data)),
		NumChildren:    int32(len(n.children)),
	}, nil
}

func (s *fakeSession) Children(path string) ([]string, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	n, ok := s.f.nodes[path]
	if !ok {
		return nil, &core.NotFoundError{Kind: "znode", Name: path}
	}
	return append([]string(nil), n.children...), nil
}

func (s *fakeSession) Exists(path string) (bool, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.check(); err != nil {
		return false, err
	}
	_, ok := s.f.nodes[path]
	return ok, nil
}

func (s *fakeSession) Create(path string, data []byte) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if err := s.f.CreateErr[path]; err != nil {
		return err
	}
	return s.f.add(path, append([]byte(nil), data...), 0)
}

func (s *fakeSession) Delete(path string, recursive bool) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.f.remove(path, recursive)
}

func (f *FakeEnsemble) remove(path string, recursive bool) error {
	n, ok := f.nodes[path]
	if !ok {
		return &core.NotFoundError{Kind: "znode", Name: path}
	}
	if len(n.children) > 0 {
		if !recursive {
			return &core.EnsembleError{Op: "delete", Path: path, Code: "notempty"}
		}
		for _, child := range append([]string(nil), n.children...) {
			if err := f.remove(core.JoinPath(path, child), true); err != nil {
				return err
			}
		}
	}
	delete(f.nodes, path)
	parent, name := parentOf(path)
	if p, ok := f.nodes[parent]; ok {
		for i, c := range p.children {
			if c == name {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *fakeSession) AdminCommand(_ context.Context, command string) (string, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	out, ok := s.f.Admin[s.host][command]
	if !ok {
		return "", &core.EnsembleError{Op: command, Path: s.host, Err: fmt.Errorf("no response configured")}
	}
	return out, nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.f.Closes++
	}
	return nil
}
