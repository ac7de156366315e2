package ensemble

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/PavelYadrov/qubership-zookeeper/core"
)

// FourLetterWord sends an admin command over a fresh connection made with dial
// and returns everything the server writes before closing it.
func FourLetterWord(ctx context.Context, dial zk.Dialer, addr, command string, timeout time.Duration) (string, error) {
	if len(command) != 4 {
		return "", fmt.Errorf("invalid four letter command %q", command)
	}
	conn, err := dial("tcp", addr, timeout)
	if err != nil {
		return "", &core.EnsembleError{Op: command, Path: addr, Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", &core.EnsembleError{Op: command, Path: addr, Err: err}
	}

	if _, err := conn.Write([]byte(command)); err != nil {
		return "", &core.EnsembleError{Op: command, Path: addr, Err: err}
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		return "", &core.EnsembleError{Op: command, Path: addr, Err: err}
	}
	return string(resp), nil
}

// Matches lines like
// server.1=zookeeper-1.zookeeper-service:2888:3888:participant;0.0.0.0:2181
var serverLine = regexp.MustCompile(`server\.[0-9]+=([\w\-.]+):`)

// ParseServers extracts the member host names from `conf` output, in the
// order they appear.
func ParseServers(confOutput string) []string {
	var servers []string
	for _, m := range serverLine.FindAllStringSubmatch(confOutput, -1) {
		servers = append(servers, m[1])
	}
	return servers
}

// Servers asks the service host for the ensemble configuration.
func Servers(ctx context.Context, connector Connector, logger *slog.Logger) ([]string, error) {
	session, err := connector.Connect(ctx, "")
	if err != nil {
		return nil, err
	}
	defer session.Close()

	conf, err := session.AdminCommand(ctx, "conf")
	if err != nil {
		return nil, err
	}
	logger.Debug("ZooKeeper config received.", "conf", conf)
	return ParseServers(conf), nil
}

// ServerMode returns the value of the "Mode:" line of `srvr` output, e.g.
// "leader", "follower" or "standalone".
func ServerMode(srvrOutput string) string {
	for _, line := range strings.Split(srvrOutput, "\n") {
		if mode, ok := strings.CutPrefix(strings.TrimSpace(line), "Mode:"); ok {
			return strings.TrimSpace(mode)
		}
	}
	return ""
}

// FindLeader returns the first server that reports itself as leader. A lone
// standalone server counts as leader. Servers that cannot be reached are
// logged and skipped.
func FindLeader(ctx context.Context, connector Connector, servers []string, logger *slog.Logger) (string, error) {
	for _, server := range servers {
		logger.Info("Connect to ZooKeeper server.", "server", server)
		mode, err := serverMode(ctx, connector, server)
		if err != nil {
			logger.Warn("Failed to query server mode.", "server", server, "error", err)
			continue
		}
		if mode == zk.ModeLeader.String() || (mode == zk.ModeStandalone.String() && len(servers) == 1) {
			return server, nil
		}
	}
	logger.Error("There is no ability to find leader.", "servers", strings.Join(servers, ","))
	return "", &core.NotFoundError{Kind: "leader", Name: strings.Join(servers, ",")}
}

func serverMode(ctx context.Context, connector Connector, server string) (string, error) {
	session, err := connector.Connect(ctx, server)
	if err != nil {
		return "", err
	}
	defer session.Close()

	out, err := session.AdminCommand(ctx, "srvr")
	if err != nil {
		return "", err
	}
	return ServerMode(out), nil
}
