package models

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error categories. Every terminal failure of an invocation is marked with
// exactly one of these so callers can branch with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrUnreadable      = errors.New("unreadable")
	ErrDecode          = errors.New("decode error")
	ErrEncode          = errors.New("encode error")
	ErrNoCandidate     = errors.New("no candidate")
	ErrExternalProcess = errors.New("external process failure")
	ErrConfiguration   = errors.New("configuration error")
)

var categories = []struct {
	ref  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrUnreadable, "Unreadable"},
	{ErrDecode, "DecodeError"},
	{ErrEncode, "EncodeError"},
	{ErrNoCandidate, "NoCandidate"},
	{ErrExternalProcess, "ExternalProcessFailure"},
	{ErrConfiguration, "ConfigurationError"},
}

// Newf creates an error marked with category.
func Newf(category error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), category)
}

// Wrapf wraps cause and marks it with category.
func Wrapf(category error, cause error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(cause, format, args...), category)
}

// WithHint attaches a remediation hint for the user.
func WithHint(err error, format string, args ...interface{}) error {
	return errors.WithHintf(err, format, args...)
}

// Category returns the name of the outermost category marked on err, or ""
// when it is uncategorized. A cause marked with another category does not
// override the mark added by the code that wrapped it.
func Category(err error) string {
	for e := err; e != nil; e = errors.UnwrapOnce(e) {
		next := errors.UnwrapOnce(e)
		for _, c := range categories {
			if errors.Is(e, c.ref) && (next == nil || !errors.Is(next, c.ref)) {
				return c.name
			}
		}
	}
	for _, c := range categories {
		if errors.Is(err, c.ref) {
			return c.name
		}
	}
	return ""
}

// Hints returns every remediation hint attached to err.
func Hints(err error) []string {
	return errors.GetAllHints(err)
}

// ProcessError reports a non-zero exit of an external tool.
type ProcessError struct {
	Command  string
	ExitCode int
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// ExitCode extracts the exit code carried by a ProcessError in the chain.
func ExitCode(err error) (int, bool) {
	var pe *ProcessError
	if errors.As(err, &pe) {
		return pe.ExitCode, true
	}
	return 0, false
}
