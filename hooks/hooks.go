package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a hook event.
type EventType string

const (
	EventPreBackup  EventType = "PreBackup"
	EventPostBackup EventType = "PostBackup"

	EventPreRestore  EventType = "PreRestore"
	EventPostRestore EventType = "PostRestore"

	// Fired once per transaction log after filtering.
	EventPostLogFilter EventType = "PostLogFilter"
	// Fired after the znode archive has been written.
	EventPostArchive EventType = "PostArchive"
)

// HookManager registers listeners and fires events at them.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	// Trigger runs every listener for the event in priority order. An error
	// from a listener of a Pre event cancels the operation.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for asynchronous listeners to finish.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called when a registered event is triggered. Returning an
	// error from a Pre hook cancels the operation; errors from Post hooks are
	// logged.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// PreBackupPayload describes a backup about to start.
type PreBackupPayload struct {
	Mode       string
	StorageDir string
	Znodes     []string
}

func NewPreBackupEvent(payload PreBackupPayload) HookEvent {
	return &BaseEvent{eventType: EventPreBackup, payload: payload}
}

// PostBackupPayload describes a finished backup. Error is nil on success.
type PostBackupPayload struct {
	Mode       string
	StorageDir string
	Znodes     []string
	Files      []string
	Size       int64
	Duration   time.Duration
	Error      error
}

func NewPostBackupEvent(payload PostBackupPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBackup, payload: payload}
}

// PreRestorePayload describes a restore about to start.
type PreRestorePayload struct {
	Mode       string
	StorageDir string
	Znodes     []string
}

func NewPreRestoreEvent(payload PreRestorePayload) HookEvent {
	return &BaseEvent{eventType: EventPreRestore, payload: payload}
}

// PostRestorePayload describes a finished restore.
type PostRestorePayload struct {
	Mode       string
	StorageDir string
	Znodes     []string
	Restored   int
	Failed     int
	Duration   time.Duration
	Error      error
}

func NewPostRestoreEvent(payload PostRestorePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRestore, payload: payload}
}

// LogFilterPayload reports the outcome of filtering one transaction log.
type LogFilterPayload struct {
	File     string
	Kept     int
	Redacted int
	Error    error
}

func NewPostLogFilterEvent(payload LogFilterPayload) HookEvent {
	return &BaseEvent{eventType: EventPostLogFilter, payload: payload}
}

// ArchivePayload reports a written znode archive.
type ArchivePayload struct {
	Path             string
	Size             int64
	Stored           int
	SkippedEphemeral int
	Failed           int
}

func NewPostArchiveEvent(payload ArchivePayload) HookEvent {
	return &BaseEvent{eventType: EventPostArchive, payload: payload}
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Listeners per event, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	// Equal priorities keep registration order.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if isPreHook && item.listener.IsAsync() {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
