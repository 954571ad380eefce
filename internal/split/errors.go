package split

import (
	"fmt"

	"github.com/comien/mssql-stream-bridge/internal/common"
)

// NoPrimaryKeyError indicates a table that declares no primary key and
// therefore cannot be chunked. Validation failure: surfaced before any query
// is issued and never retried.
type NoPrimaryKeyError struct {
	Table common.TableID
}

func (e *NoPrimaryKeyError) Error() string {
	return fmt.Sprintf("chunked snapshot requires a primary key, but table %s doesn't have one", e.Table)
}

// EmptyResultError indicates an aggregate query that was expected to return
// exactly one row returned none. This never happens against a healthy server;
// it is an invariant violation, not an empty-table signal.
type EmptyResultError struct {
	Query string
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("no result returned after running query [%s]", e.Query)
}

// StatementBindError wraps a failure while binding chunk boundary values into
// a statement's parameter slots. It indicates a key-arity or schema mismatch,
// which is a programming defect: fatal, never retried.
type StatementBindError struct {
	Cause error
}

func (e *StatementBindError) Error() string {
	return fmt.Sprintf("failed to bind split boundary parameters: %v", e.Cause)
}

func (e *StatementBindError) Unwrap() error { return e.Cause }
