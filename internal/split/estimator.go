package split

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/security"
)

// Querier is the read surface the estimator needs from a source connection.
// *sql.DB, *sql.Conn and *sql.Tx all satisfy it; boundary walks should pass a
// Session's transaction so the sequence of reads shares one scope.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Estimator answers boundary questions about one table's key space. Each
// method is a single round trip; the estimator holds no state besides the
// validated identifiers, so it is safe to use from multiple goroutines as long
// as the underlying Querier is.
type Estimator struct {
	q           Querier
	table       common.TableID
	keyColumn   string
	quotedTable string
	quotedKey   string
}

func NewEstimator(q Querier, table common.TableID, keyColumn string) (*Estimator, error) {
	quotedTable, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	quotedKey, err := security.ValidateAndQuoteIdentifier(keyColumn, "key column name")
	if err != nil {
		return nil, err
	}
	if table.Catalog != "" {
		if err := security.ValidateIdentifier(table.Catalog, "catalog name"); err != nil {
			return nil, err
		}
	}
	return &Estimator{
		q:           q,
		table:       table,
		keyColumn:   keyColumn,
		quotedTable: quotedTable,
		quotedKey:   quotedKey,
	}, nil
}

// QueryMinMax returns the global minimum and maximum of the key column. Both
// are nil for an empty table. A missing aggregate row is an EmptyResultError.
func (e *Estimator) QueryMinMax(ctx context.Context) (min, max any, err error) {
	query := fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", e.quotedKey, e.quotedKey, e.quotedTable)
	if err := e.q.QueryRowContext(ctx, query).Scan(&min, &max); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, &EmptyResultError{Query: query}
		}
		return nil, nil, fmt.Errorf("min/max query failed for %s: %w", e.table, err)
	}
	return min, max, nil
}

// QueryApproximateRowCount returns the partition-statistics row count for the
// table. It is cheaper but less accurate than COUNT(*) and is only used for
// chunk-size heuristics. When the table identity carries a catalog, the
// session is switched there first without committing.
func (e *Estimator) QueryApproximateRowCount(ctx context.Context) (int64, error) {
	if e.table.Catalog != "" {
		useStmt := fmt.Sprintf("USE %s;", security.QuoteIdentifier(e.table.Catalog))
		if _, err := e.q.ExecContext(ctx, useStmt); err != nil {
			return 0, fmt.Errorf("failed to switch catalog for %s: %w", e.table, err)
		}
	}

	query := "SELECT SUM(st.row_count) FROM sys.dm_db_partition_stats st " +
		"WHERE object_name(st.object_id) = @p1 AND st.index_id < 2"
	var count sql.NullInt64
	if err := e.q.QueryRowContext(ctx, query, e.table.Name).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &EmptyResultError{Query: query}
		}
		return 0, fmt.Errorf("approximate row count query failed for %s: %w", e.table, err)
	}
	return count.Int64, nil
}

// QueryMin returns the smallest key value strictly greater than
// exclusiveLowerBound, or nil when the upper side of the key space is
// exhausted. This locates the inclusive start of the chunk after a previous
// chunk's end.
func (e *Estimator) QueryMin(ctx context.Context, exclusiveLowerBound any) (any, error) {
	query := fmt.Sprintf("SELECT MIN(%s) FROM %s WHERE %s > @p1", e.quotedKey, e.quotedTable, e.quotedKey)
	var min any
	if err := e.q.QueryRowContext(ctx, query, exclusiveLowerBound).Scan(&min); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &EmptyResultError{Query: query}
		}
		return nil, fmt.Errorf("min query failed for %s: %w", e.table, err)
	}
	return min, nil
}

// QueryNextChunkBound returns the maximum key among the first chunkSize rows
// whose key is >= inclusiveLowerBound. This is the chunk-discovery primitive:
// it answers "where should the chunk starting here end" in O(chunkSize) work
// regardless of table size, letting the walk cross the key space in
// bounded-cost steps. Returns nil when no rows remain at or above the bound.
func (e *Estimator) QueryNextChunkBound(ctx context.Context, chunkSize int, inclusiveLowerBound any) (any, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	query := fmt.Sprintf(
		"SELECT MAX(%s) FROM (SELECT TOP (%d) %s FROM %s WHERE %s >= @p1 ORDER BY %s ASC) T",
		e.quotedKey, chunkSize, e.quotedKey, e.quotedTable, e.quotedKey, e.quotedKey)
	var bound any
	if err := e.q.QueryRowContext(ctx, query, inclusiveLowerBound).Scan(&bound); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &EmptyResultError{Query: query}
		}
		return nil, fmt.Errorf("next chunk bound query failed for %s: %w", e.table, err)
	}
	return bound, nil
}

// QueryRowCountInRange returns the exact number of rows with key in
// (min, max], for validating chunk sizing where the approximate count is not
// good enough.
func (e *Estimator) QueryRowCountInRange(ctx context.Context, min, max any) (int32, error) {
	query := fmt.Sprintf("SELECT COUNT(%s) FROM %s WHERE %s > @p1 AND %s <= @p2",
		e.quotedKey, e.quotedTable, e.quotedKey, e.quotedKey)
	var count int32
	if err := e.q.QueryRowContext(ctx, query, min, max).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &EmptyResultError{Query: query}
		}
		return 0, fmt.Errorf("range count query failed for %s: %w", e.table, err)
	}
	return count, nil
}

// Chunks walks the whole key space and returns the table's chunk sequence.
func (e *Estimator) Chunks(ctx context.Context, chunkSize int) ([]Chunk, error) {
	return WalkChunks(ctx, e, chunkSize)
}

// BoundaryQuerier is the subset of the estimator the chunk walk consumes.
type BoundaryQuerier interface {
	QueryMinMax(ctx context.Context) (min, max any, err error)
	QueryMin(ctx context.Context, exclusiveLowerBound any) (any, error)
	QueryNextChunkBound(ctx context.Context, chunkSize int, inclusiveLowerBound any) (any, error)
}

// WalkChunks discovers chunk boundaries by walking forward through the key
// space: each step finds where the chunk starting at the current lower bound
// should end, then locates the next chunk's inclusive start just past it. The
// result is contiguous (chunk i's End is chunk i+1's Start), non-overlapping,
// ordered, and covers the full key range with the first chunk unbounded below
// and the last unbounded above. Total cost is O(rowCount/chunkSize) queries of
// O(chunkSize) work each; no full-table sort or count ever runs.
func WalkChunks(ctx context.Context, bq BoundaryQuerier, chunkSize int) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	min, max, err := bq.QueryMinMax(ctx)
	if err != nil {
		return nil, err
	}
	if min == nil || max == nil {
		// Empty table: one unbounded chunk.
		return []Chunk{{}}, nil
	}

	var chunks []Chunk
	var start []any
	lower := min
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end, err := bq.QueryNextChunkBound(ctx, chunkSize, lower)
		if err != nil {
			return nil, err
		}
		if end == nil {
			chunks = append(chunks, Chunk{Start: start})
			return chunks, nil
		}
		cmp, err := compareKeyValues(end, max)
		if err != nil {
			return nil, err
		}
		if cmp >= 0 {
			// The discovered bound reaches the global max: everything from
			// start onward is the final, upper-unbounded chunk.
			chunks = append(chunks, Chunk{Start: start})
			return chunks, nil
		}

		chunks = append(chunks, Chunk{Start: start, End: []any{end}})
		start = []any{end}

		next, err := bq.QueryMin(ctx, end)
		if err != nil {
			return nil, err
		}
		if next == nil {
			chunks = append(chunks, Chunk{Start: start})
			return chunks, nil
		}
		lower = next
	}
}

// compareKeyValues orders two key values of the same driver type. Key values
// for one walk always come back as the same Go type, so only homogeneous
// comparisons (plus the int/float mix some drivers produce) are supported.
func compareKeyValues(a, b any) (int, error) {
	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return compareOrdered(av, bv), nil
		case float64:
			return compareOrdered(float64(av), bv), nil
		}
	case float64:
		switch bv := b.(type) {
		case float64:
			return compareOrdered(av, bv), nil
		case int64:
			return compareOrdered(av, float64(bv)), nil
		}
	case string:
		if bv, ok := b.(string); ok {
			return compareOrdered(av, bv), nil
		}
	case []byte:
		if bv, ok := b.([]byte); ok {
			return bytes.Compare(av, bv), nil
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), nil
		}
	}
	return 0, fmt.Errorf("cannot compare key values of types %T and %T", a, b)
}

func compareOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
