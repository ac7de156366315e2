package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PavelYadrov/qubership-zookeeper/core"
)

const (
	// SnapshotMarker and LogMarker are the name fragments the ensemble uses
	// for its data files (snapshot.<zxid>, log.<zxid>).
	SnapshotMarker = "snapshot."
	LogMarker      = "log."
)

// File is a data file with the modification time it was classified by.
type File struct {
	Path    string
	ModTime time.Time
}

// Selection is the newest snapshot and the transaction logs written after it.
type Selection struct {
	Snapshot File
	Logs     []File
}

// LogPaths returns the paths of the selected logs.
func (s *Selection) LogPaths() []string {
	paths := make([]string, len(s.Logs))
	for i, l := range s.Logs {
		paths[i] = l.Path
	}
	return paths
}

// IsSnapshotFile and IsLogFile classify a data file by name.
func IsSnapshotFile(name string) bool { return strings.Contains(name, SnapshotMarker) }
func IsLogFile(name string) bool      { return strings.Contains(name, LogMarker) }

// Select inspects the regular files of dir, picks the snapshot with the latest
// modification time and returns every log modified strictly after it. Logs
// older than the snapshot are already reflected in it.
//
// When several snapshots share the latest modification time the first one in
// directory listing order wins; callers must not rely on which one that is.
func Select(dir string, logger *slog.Logger) (*Selection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("Start to get snapshot and transaction logs.", "dir", dir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &core.IoError{Op: "read directory", Path: dir, Err: err}
	}

	var snapshots, logs []File
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		isSnap, isLog := IsSnapshotFile(name), IsLogFile(name)
		if !isSnap && !isLog {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, &core.IoError{Op: "stat", Path: filepath.Join(dir, name), Err: err}
		}
		f := File{Path: filepath.Join(dir, name), ModTime: info.ModTime()}
		if isSnap {
			snapshots = append(snapshots, f)
		}
		if isLog {
			logs = append(logs, f)
		}
	}

	if len(snapshots) == 0 {
		logger.Error("There are no snapshots to perform backup.", "dir", dir)
		return nil, &core.NotFoundError{Kind: "snapshot", Name: dir}
	}

	latest := snapshots[0]
	for _, s := range snapshots[1:] {
		if s.ModTime.After(latest.ModTime) {
			latest = s
		}
	}
	logger.Info("Last created snapshot found.", "snapshot", latest.Path, "mtime", latest.ModTime)

	sel := &Selection{Snapshot: latest}
	for _, l := range logs {
		if l.ModTime.After(latest.ModTime) {
			sel.Logs = append(sel.Logs, l)
		}
	}
	logger.Debug("Actual transaction logs selected.", "logs", fmt.Sprint(sel.LogPaths()))
	return sel, nil
}
