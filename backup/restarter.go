package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Restarter restarts the ensemble members so they load the files placed in
// the recover directory. Restart returns once the ensemble is back.
type Restarter interface {
	Restart(ctx context.Context) error
}

// NopRestarter leaves the ensemble alone. It suits deployments whose
// members are restarted by an operator after the files are in place; a
// transactional restore then keeps the recover directory.
type NopRestarter struct{}

func (NopRestarter) Restart(context.Context) error { return nil }

// CommandRestarter runs an external command, e.g. a rollout restart of the
// ensemble's workload, and waits for it to exit.
type CommandRestarter struct {
	Command []string
	Env     []string
	logger  *slog.Logger
}

func NewCommandRestarter(command []string, logger *slog.Logger) (*CommandRestarter, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("restart command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRestarter{Command: command, logger: logger.With("component", "CommandRestarter")}, nil
}

func (r *CommandRestarter) Restart(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.logger.Info("Restarting ensemble.", "command", strings.Join(r.Command, " "))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("restart command %q failed: %w: %s", r.Command[0], err, strings.TrimSpace(out.String()))
	}
	r.logger.Debug("Restart command finished.", "output", strings.TrimSpace(out.String()))
	return nil
}
