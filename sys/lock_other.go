//go:build !unix && !windows

package sys

import (
	"errors"
	"os"
)

var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

func tryLock(*os.File) error { return ErrOSFileLockNotSupported }

func unlock(*os.File) error { return nil }

func isContention(error) bool { return false }
