package sys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LockFileName is the advisory lock taken inside a storage directory.
const LockFileName = ".zkbackup.lock"

// ErrLocked is returned when another process holds the storage lock.
var ErrLocked = errors.New("storage is locked by another operation")

// LockStorage takes an exclusive advisory lock on dir, retrying until timeout
// elapses. The lock file records the holder's pid and start time. The returned
// function releases the lock.
func LockStorage(dir string, timeout time.Duration) (func() error, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	lockPath := filepath.Join(dir, LockFileName)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err = tryLock(f)
		if err == nil {
			break
		}
		if !isContention(err) {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		time.Sleep(25 * time.Millisecond)
	}

	holder := strconv.Itoa(os.Getpid()) + "\n" + strconv.FormatInt(time.Now().UTC().UnixNano(), 10) + "\n"
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(holder), 0)
	}

	return func() error {
		uerr := unlock(f)
		cerr := f.Close()
		return errors.Join(uerr, cerr)
	}, nil
}
