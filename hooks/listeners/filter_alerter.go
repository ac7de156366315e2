package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/PavelYadrov/qubership-zookeeper/hooks"
)

// FilterAlerterListener warns when a transaction log was cut short by the
// filter, which means the backup holds fewer transactions than the source.
type FilterAlerterListener struct {
	logger *slog.Logger
}

func NewFilterAlerterListener(logger *slog.Logger) *FilterAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FilterAlerterListener{logger: logger.With("component", "FilterAlerterListener")}
}

// OnEvent handles the PostLogFilter event.
func (l *FilterAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostLogFilter {
		return nil
	}
	payload, ok := event.Payload().(hooks.LogFilterPayload)
	if !ok {
		l.logger.Error("Received PostLogFilter event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}
	if payload.Error != nil {
		l.logger.Warn("Transaction log truncated in backup.", "file", payload.File, "kept", payload.Kept, "error", payload.Error)
	}
	return nil
}

func (l *FilterAlerterListener) Priority() int { return 100 }

func (l *FilterAlerterListener) IsAsync() bool { return true }
