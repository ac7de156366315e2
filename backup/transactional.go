package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/ensemble"
	"github.com/PavelYadrov/qubership-zookeeper/hooks"
	"github.com/PavelYadrov/qubership-zookeeper/snapshot"
	"github.com/PavelYadrov/qubership-zookeeper/sys"
)

// storeResponse mirrors the side-car's reply body.
type storeResponse struct {
	Status  string `json:"Status"`
	Message string `json:"Message,omitempty"`
}

// transactionalBackup asks the leader to copy its data files into the
// shared tmp dir, then keeps the newest snapshot and filters the logs that
// follow it into storageDir. The tmp dir is removed on every path.
func (s *Service) transactionalBackup(ctx context.Context, storageDir string, res *BackupResult) error {
	tmp := s.opts.TmpDir
	if err := s.helper.MkdirAll(tmp, 0755); err != nil {
		return &core.IoError{Op: "mkdir", Path: tmp, Err: err}
	}
	defer func() {
		if rmErr := s.helper.RemoveAll(tmp); rmErr != nil {
			s.logger.Warn("Failed to remove temporary directory.", "dir", tmp, "error", rmErr)
		}
	}()

	leader, err := s.leader(ctx)
	if err != nil {
		return err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("ensemble.leader", leader))
	if err := s.requestStore(ctx, leader); err != nil {
		return err
	}

	selection, err := snapshot.Select(tmp, s.logger)
	if err != nil {
		return err
	}
	if err := s.helper.CopyFile(selection.Snapshot.Path, filepath.Join(storageDir, filepath.Base(selection.Snapshot.Path))); err != nil {
		return &core.IoError{Op: "copy", Path: selection.Snapshot.Path, Err: err}
	}
	res.Files = append(res.Files, filepath.Base(selection.Snapshot.Path))
	s.logger.Info("Snapshot copied.", "snapshot", filepath.Base(selection.Snapshot.Path), "logs", len(selection.Logs))

	res.Logs = s.filter.FilterFiles(selection.LogPaths(), storageDir)
	for _, lr := range res.Logs {
		res.Files = append(res.Files, lr.File)
		if trigErr := s.hooks.Trigger(ctx, hooks.NewPostLogFilterEvent(hooks.LogFilterPayload{
			File:     lr.File,
			Kept:     lr.Kept,
			Redacted: lr.Redacted,
			Error:    lr.Err,
		})); trigErr != nil {
			s.logger.Warn("Log filter hook failed.", "file", lr.File, "error", trigErr)
		}
	}

	for _, name := range res.Files {
		if info, statErr := s.helper.Stat(filepath.Join(storageDir, name)); statErr == nil {
			res.Size += info.Size()
		}
	}
	s.logger.Info("Transactional backup stored.", "files", len(res.Files), "size", humanize.Bytes(uint64(res.Size)))
	return nil
}

// leader lists the ensemble servers through the service host and returns
// the one in leader mode. A standalone deployment lists no servers and the
// service host is its own leader.
func (s *Service) leader(ctx context.Context) (string, error) {
	servers, err := ensemble.Servers(ctx, s.connector, s.logger)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		if s.opts.Host == "" {
			return "", &core.NotFoundError{Kind: "leader", Name: "ensemble config lists no servers"}
		}
		s.logger.Info("No servers in ensemble config, assuming standalone.", "host", s.opts.Host)
		servers = []string{s.opts.Host}
	}
	s.logger.Info("ZooKeeper servers found.", "servers", servers)
	leader, err := ensemble.FindLeader(ctx, s.connector, servers, s.logger)
	if err != nil {
		return "", err
	}
	s.logger.Info("ZooKeeper leader found.", "leader", leader)
	return leader, nil
}

// requestStore makes the leader's side-car copy its data files into the
// shared tmp dir.
func (s *Service) requestStore(ctx context.Context, leader string) error {
	url := "http://" + net.JoinHostPort(leader, strconv.Itoa(s.opts.StorePort)) + "/store"
	s.logger.Debug("Requesting data files from leader.", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if s.opts.StoreUsername != "" {
		req.SetBasicAuth(s.opts.StoreUsername, s.opts.StorePassword)
	}

	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreFailed, leader, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %v", ErrStoreFailed, leader, err)
	}
	var out storeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("%w: %s: HTTP %d: %q", ErrStoreFailed, leader, resp.StatusCode, body)
	}
	if out.Status != "Ok" {
		return fmt.Errorf("%w: %s: status %q: %s", ErrStoreFailed, leader, out.Status, out.Message)
	}
	s.logger.Info("Snapshot and logs are copied successfully.", "leader", leader)
	return nil
}

// transactionalRestore places the stored files into the recover dir and
// restarts the ensemble so it starts from them. A previous recover dir is
// replaced. The dir is removed when the restore fails or once a restarter has
// brought the ensemble back; with NopRestarter the files stay for the operator.
func (s *Service) transactionalRestore(ctx context.Context, storageDir string, res *RestoreResult) (err error) {
	recoverDir := s.opts.RecoverDir
	if err := s.helper.RemoveAll(recoverDir); err != nil {
		return &core.IoError{Op: "remove", Path: recoverDir, Err: err}
	}
	if err := s.helper.MkdirAll(recoverDir, 0755); err != nil {
		return &core.IoError{Op: "mkdir", Path: recoverDir, Err: err}
	}
	var manual bool
	switch s.opts.Restarter.(type) {
	case NopRestarter, *NopRestarter:
		manual = true
	}
	defer func() {
		if err == nil && manual {
			s.logger.Info("Files are left for a manual restart.", "dir", recoverDir, "count", len(res.Files))
			return
		}
		if rmErr := s.helper.RemoveAll(recoverDir); rmErr != nil {
			s.logger.Warn("Failed to remove recover directory.", "dir", recoverDir, "error", rmErr)
		}
	}()

	entries, err := s.helper.ReadDir(storageDir)
	if err != nil {
		return &core.IoError{Op: "readdir", Path: storageDir, Err: err}
	}
	var srcs []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || entry.Name() == sys.LockFileName {
			continue
		}
		srcs = append(srcs, filepath.Join(storageDir, entry.Name()))
		res.Files = append(res.Files, entry.Name())
	}
	if err := s.helper.CopyFiles(srcs, recoverDir); err != nil {
		return &core.IoError{Op: "copy", Path: recoverDir, Err: err}
	}
	s.logger.Info("Files are copied.", "from", storageDir, "to", recoverDir, "count", len(srcs))

	if err := s.opts.Restarter.Restart(ctx); err != nil {
		return fmt.Errorf("failed to restart ensemble: %w", err)
	}
	return nil
}
