package lsn

import "fmt"

// MalformedOffsetError indicates a raw offset record that is missing a
// required key or carries a value that does not parse as an LSN or serial
// number. Fatal to establishing a watermark; never retried.
type MalformedOffsetError struct {
	Key   string
	Value string
	Cause error
}

func (e *MalformedOffsetError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("offset record is missing required key %q", e.Key)
	}
	return fmt.Sprintf("offset record key %q has unparsable value %q: %v", e.Key, e.Value, e.Cause)
}

func (e *MalformedOffsetError) Unwrap() error { return e.Cause }

// SourceUnavailableError wraps an I/O failure while contacting the source for
// position information. Fatal to the calling phase; retry policy belongs to
// the orchestrator.
type SourceUnavailableError struct {
	Op    string
	Cause error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source unavailable during %s: %v", e.Op, e.Cause)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Cause }
