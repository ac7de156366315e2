package listeners

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/PavelYadrov/qubership-zookeeper/hooks"
)

// JournalEntry is one line of the operation journal.
type JournalEntry struct {
	Time       time.Time `json:"time"`
	Operation  string    `json:"operation"`
	Mode       string    `json:"mode"`
	StorageDir string    `json:"storage"`
	Znodes     []string  `json:"znodes,omitempty"`
	Size       int64     `json:"size,omitempty"`
	Restored   int       `json:"restored,omitempty"`
	Failed     bool      `json:"failed"`
	Error      string    `json:"error,omitempty"`
	SpentMs    int64     `json:"spent_ms"`
}

// JournalListener appends a JSON line per finished backup or restore to a
// file, so the outcome of past runs survives the process.
type JournalListener struct {
	path   string
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger
}

func NewJournalListener(path string, logger *slog.Logger) *JournalListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &JournalListener{
		path:   path,
		now:    time.Now,
		logger: logger.With("component", "JournalListener"),
	}
}

func (l *JournalListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	var entry JournalEntry
	switch p := event.Payload().(type) {
	case hooks.PostBackupPayload:
		entry = JournalEntry{Operation: "backup", Mode: p.Mode, StorageDir: p.StorageDir, Znodes: p.Znodes, Size: p.Size, SpentMs: p.Duration.Milliseconds()}
		if p.Error != nil {
			entry.Failed, entry.Error = true, p.Error.Error()
		}
	case hooks.PostRestorePayload:
		entry = JournalEntry{Operation: "restore", Mode: p.Mode, StorageDir: p.StorageDir, Znodes: p.Znodes, Restored: p.Restored, SpentMs: p.Duration.Milliseconds()}
		if p.Error != nil {
			entry.Failed, entry.Error = true, p.Error.Error()
		}
	default:
		return nil
	}
	entry.Time = l.now().UTC()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal %s: %w", l.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to journal %s: %w", l.path, err)
	}
	l.logger.Debug("Journal entry written.", "operation", entry.Operation, "failed", entry.Failed)
	return nil
}

// ReadJournal returns every entry of the journal at path, oldest first. A
// missing journal is empty.
func ReadJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []JournalEntry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e JournalEntry
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("corrupt journal %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (l *JournalListener) Priority() int { return 100 }

func (l *JournalListener) IsAsync() bool { return false }
