package core

import (
	"errors"
	"fmt"
)

// FormatError reports a structurally invalid transaction log: bad magic,
// truncated frame, unknown op code or an undecodable entry body.
type FormatError struct {
	File    string // optional, filled in by callers that know the file
	Offset  int64  // byte offset of the frame that failed, -1 when unknown
	Message string
	Err     error
}

func (e *FormatError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.File != "" {
		return fmt.Sprintf("format error in %s at offset %d: %s", e.File, e.Offset, msg)
	}
	return fmt.Sprintf("format error at offset %d: %s", e.Offset, msg)
}

func (e *FormatError) Unwrap() error { return e.Err }

// NotFoundError reports a missing snapshot, archive entry or znode.
type NotFoundError struct {
	Kind string // e.g. "snapshot", "znode", "archive entry"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// IoError wraps a filesystem failure on a specific path.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// EnsembleError is a failure reported by (or while talking to) the ensemble.
type EnsembleError struct {
	Op   string
	Path string
	Code string // ensemble error kind, e.g. "connectionloss", "sessionexpired"
	Err  error
}

func (e *EnsembleError) Error() string {
	var s string
	switch {
	case e.Path != "":
		s = fmt.Sprintf("ensemble %s %s", e.Op, e.Path)
	default:
		s = "ensemble " + e.Op
	}
	if e.Code != "" {
		s += " (" + e.Code + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *EnsembleError) Unwrap() error { return e.Err }

func IsFormatError(err error) bool {
	var formatError *FormatError
	return errors.As(err, &formatError)
}

// IsNotFound checks if an error (or any error in its chain) is a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

func IsIoError(err error) bool {
	var ioError *IoError
	return errors.As(err, &ioError)
}

func IsEnsembleError(err error) bool {
	var ensembleError *EnsembleError
	return errors.As(err, &ensembleError)
}
