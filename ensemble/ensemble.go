// Package ensemble talks to a ZooKeeper ensemble: namespace reads and writes
// through a client session, and admin four-letter commands over a raw socket.
package ensemble

import (
	"context"
	"time"

	"github.com/PavelYadrov/qubership-zookeeper/core"
)

// Session is an open client session. It is not safe for concurrent use by the
// walkers; each operation opens its own.
type Session interface {
	// Get returns the value and metadata of path. A missing node is a
	// *core.NotFoundError.
	Get(path string) ([]byte, core.Stat, error)
	// Children returns child names in the order the ensemble reports them.
	Children(path string) ([]string, error)
	Exists(path string) (bool, error)
	// Create makes a persistent node with an open ACL.
	Create(path string, data []byte) error
	// Delete removes path; with recursive set, descendants go first.
	Delete(path string, recursive bool) error
	// AdminCommand sends a four-letter command ("conf", "srvr", "ruok") to
	// the server this session was opened against.
	AdminCommand(ctx context.Context, command string) (string, error)
	Close() error
}

// Connector opens sessions. An empty host means the configured service host.
type Connector interface {
	Connect(ctx context.Context, host string) (Session, error)
}

// TLSOptions configures encrypted client and admin connections.
type TLSOptions struct {
	Enabled  bool
	CAFile   string
	CertFile string
	KeyFile  string
}

// Options holds the connection settings shared by every session.
type Options struct {
	Host           string
	Port           int
	SessionTimeout time.Duration
	// ConnectTimeout bounds how long Connect waits for a session.
	ConnectTimeout time.Duration
	// CommandTimeout bounds each four-letter command round trip.
	CommandTimeout time.Duration
	Username       string
	Password       string
	TLS            TLSOptions
}

const (
	DefaultPort           = 2181
	DefaultSessionTimeout = 10 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	DefaultCommandTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	return o
}

// HasCredentials reports whether digest authentication is configured.
func (o Options) HasCredentials() bool {
	return o.Username != "" && o.Password != ""
}
