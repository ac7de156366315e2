package ensemble

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/txnlog"
)

// ZKConnector opens sessions with github.com/go-zookeeper/zk.
type ZKConnector struct {
	opts   Options
	tls    *tls.Config
	logger *slog.Logger
}

var _ Connector = (*ZKConnector)(nil)

// NewZKConnector validates the options and loads TLS material up front so a
// bad certificate fails before any backup work starts.
func NewZKConnector(opts Options, logger *slog.Logger) (*ZKConnector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	if opts.Host == "" {
		return nil, fmt.Errorf("ensemble host is not specified")
	}
	c := &ZKConnector{opts: opts, logger: logger.With("component", "Ensemble")}
	if opts.TLS.Enabled {
		cfg, err := newTLSConfig(opts.TLS)
		if err != nil {
			return nil, err
		}
		c.tls = cfg
	}
	return c, nil
}

func newTLSConfig(o TLSOptions) (*tls.Config, error) {
	caCert, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, &core.IoError{Op: "read CA certificate", Path: o.CAFile, Err: err}
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to add root certificate from %s", o.CAFile)
	}
	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if o.CertFile != "" && o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read TLS certificate or key file: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Address returns host:port for host, or for the service host when empty.
func (c *ZKConnector) Address(host string) string {
	if host == "" {
		host = c.opts.Host
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(c.opts.Port))
}

func (c *ZKConnector) dial(network, address string, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	if c.tls == nil {
		return d.Dial(network, address)
	}
	cfg := c.tls.Clone()
	if cfg.ServerName == "" {
		if h, _, err := net.SplitHostPort(address); err == nil {
			cfg.ServerName = h
		}
	}
	return tls.DialWithDialer(d, network, address, cfg)
}

// Connect opens a session and blocks until the ensemble has assigned it a
// session id, the connect timeout passes or ctx is done.
func (c *ZKConnector) Connect(ctx context.Context, host string) (Session, error) {
	addr := c.Address(host)
	conn, events, err := zk.Connect([]string{addr}, c.opts.SessionTimeout,
		zk.WithDialer(c.dial),
		zk.WithLogger(zkLogger{c.logger}),
		zk.WithLogInfo(false),
	)
	if err != nil {
		return nil, &core.EnsembleError{Op: "connect", Path: addr, Err: err}
	}

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()
	for waiting := true; waiting; {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil, &core.EnsembleError{Op: "connect", Path: addr, Code: txnlog.ErrCodeConnectionLoss.String(), Err: zk.ErrClosing}
			}
			switch ev.State {
			case zk.StateHasSession:
				waiting = false
			case zk.StateAuthFailed:
				conn.Close()
				return nil, &core.EnsembleError{Op: "connect", Path: addr, Code: txnlog.ErrCodeAuthFailed.String(), Err: zk.ErrAuthFailed}
			}
		case <-timer.C:
			conn.Close()
			return nil, &core.EnsembleError{Op: "connect", Path: addr, Code: txnlog.ErrCodeOperationTimeout.String(),
				Err: fmt.Errorf("no session after %s", c.opts.ConnectTimeout)}
		case <-ctx.Done():
			conn.Close()
			return nil, &core.EnsembleError{Op: "connect", Path: addr, Err: ctx.Err()}
		}
	}
	go drain(events)

	if c.opts.HasCredentials() {
		if err := conn.AddAuth("digest", []byte(c.opts.Username+":"+c.opts.Password)); err != nil {
			conn.Close()
			return nil, mapError("authenticate", addr, err)
		}
	}
	c.logger.Debug("ZooKeeper client is created and started.", "server", addr, "session_id", fmt.Sprintf("0x%x", conn.SessionID()))
	return &zkSession{conn: conn, addr: addr, connector: c}, nil
}

// drain keeps the event channel empty for the lifetime of the session; it
// ends when the connection is closed.
func drain(events <-chan zk.Event) {
	for range events {
	}
}

type zkSession struct {
	conn      *zk.Conn
	addr      string
	connector *ZKConnector
}

var _ Session = (*zkSession)(nil)

func (s *zkSession) Get(path string) ([]byte, core.Stat, error) {
	data, stat, err := s.conn.Get(path)
	if err != nil {
		return nil, core.Stat{}, mapError("get", path, err)
	}
	return data, toStat(stat), nil
}

func (s *zkSession) Children(path string) ([]string, error) {
	children, _, err := s.conn.Children(path)
	if err != nil {
		return nil, mapError("children", path, err)
	}
	return children, nil
}

func (s *zkSession) Exists(path string) (bool, error) {
	ok, _, err := s.conn.Exists(path)
	if err != nil {
		return false, mapError("exists", path, err)
	}
	return ok, nil
}

func (s *zkSession) Create(path string, data []byte) error {
	if _, err := s.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll)); err != nil {
		return mapError("create", path, err)
	}
	return nil
}

func (s *zkSession) Delete(path string, recursive bool) error {
	if recursive {
		children, _, err := s.conn.Children(path)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				return nil
			}
			return mapError("children", path, err)
		}
		for _, child := range children {
			if err := s.Delete(core.JoinPath(path, child), true); err != nil {
				return err
			}
		}
	}
	if err := s.conn.Delete(path, -1); err != nil && !(recursive && errors.Is(err, zk.ErrNoNode)) {
		return mapError("delete", path, err)
	}
	return nil
}

func (s *zkSession) AdminCommand(ctx context.Context, command string) (string, error) {
	return FourLetterWord(ctx, s.connector.dial, s.addr, command, s.connector.opts.CommandTimeout)
}

func (s *zkSession) Close() error {
	s.conn.Close()
	s.connector.logger.Debug("ZooKeeper client is stopped and closed.", "server", s.addr)
	return nil
}

func toStat(st *zk.Stat) core.Stat {
	if st == nil {
		return core.Stat{}
	}
	return core.Stat{
		Version:        st.Version,
		EphemeralOwner: st.EphemeralOwner,
		DataLength:     st.DataLength,
		NumChildren:    st.NumChildren,
		Mzxid:          st.Mzxid,
	}
}

var errorCodes = map[error]txnlog.ErrorCode{
	zk.ErrConnectionClosed:        txnlog.ErrCodeConnectionLoss,
	zk.ErrClosing:                 txnlog.ErrCodeConnectionLoss,
	zk.ErrAPIError:                txnlog.ErrCodeAPIError,
	zk.ErrNoAuth:                  txnlog.ErrCodeNoAuth,
	zk.ErrBadVersion:              txnlog.ErrCodeBadVersion,
	zk.ErrNoChildrenForEphemerals: txnlog.ErrCodeNoChildrenForEphemerals,
	zk.ErrNodeExists:              txnlog.ErrCodeNodeExists,
	zk.ErrNotEmpty:                txnlog.ErrCodeNotEmpty,
	zk.ErrSessionExpired:          txnlog.ErrCodeSessionExpired,
	zk.ErrInvalidACL:              txnlog.ErrCodeInvalidACL,
	zk.ErrAuthFailed:              txnlog.ErrCodeAuthFailed,
	zk.ErrSessionMoved:            txnlog.ErrCodeSessionMoved,
	zk.ErrBadArguments:            txnlog.ErrCodeBadArguments,
}

// mapError turns a client error into the core taxonomy. A missing node is a
// *core.NotFoundError, everything else a *core.EnsembleError.
func mapError(op, path string, err error) error {
	if errors.Is(err, zk.ErrNoNode) {
		return &core.NotFoundError{Kind: "znode", Name: path}
	}
	e := &core.EnsembleError{Op: op, Path: path, Err: err}
	for target, code := range errorCodes {
		if errors.Is(err, target) {
			e.Code = code.String()
			break
		}
	}
	return e
}

type zkLogger struct {
	logger *slog.Logger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
