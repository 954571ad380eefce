package split

import (
	"fmt"
	"strings"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/security"
)

// QueryKind distinguishes the two query shapes the builder produces.
type QueryKind int

const (
	// QueryDataScan reads every column of every row in a chunk.
	QueryDataScan QueryKind = iota
	// QueryBoundaryDiscovery finds the key value at the limit-th row of a
	// range without fetching full rows.
	QueryBoundaryDiscovery
)

// SplitQuery is a fully formed query string plus the metadata the caller needs
// to bind and execute it. Built once per chunk, never mutated.
type SplitQuery struct {
	SQL          string
	Kind         QueryKind
	Limit        int
	OrderBy      []string
	HasCondition bool
}

// quoteTable validates and bracket-quotes a table identity as "[schema].[name]".
func quoteTable(table common.TableID) (string, error) {
	quotedName, err := security.ValidateAndQuoteIdentifier(table.Name, "table name")
	if err != nil {
		return "", err
	}
	if table.Schema == "" {
		return quotedName, nil
	}
	quotedSchema, err := security.ValidateAndQuoteIdentifier(table.Schema, "schema name")
	if err != nil {
		return "", err
	}
	return quotedSchema + "." + quotedName, nil
}

func quoteColumns(names []string) ([]string, error) {
	quoted := make([]string, len(names))
	for i, name := range names {
		q, err := security.ValidateAndQuoteIdentifier(name, "key column name")
		if err != nil {
			return nil, err
		}
		quoted[i] = q
	}
	return quoted, nil
}

// appendKeyPredicate writes one comparison per key column, AND-joined in
// declared key order, consuming one numbered parameter slot per column.
func appendKeyPredicate(sb *strings.Builder, quotedKeys []string, op string, param *int) {
	for i, key := range quotedKeys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(sb, "%s %s @p%d", key, op, *param)
		*param++
	}
}

// buildCondition builds the filter predicate for a chunk position. Data scans
// additionally exclude exact equality at the upper boundary so that a row whose
// key equals a shared chunk boundary is read only by the following chunk,
// which starts inclusively at that same value.
func buildCondition(quotedKeys []string, pos ChunkPosition, scanning bool) string {
	var sb strings.Builder
	param := 1

	switch pos {
	case ChunkOnly:
		return ""
	case ChunkFirst:
		appendKeyPredicate(&sb, quotedKeys, "<=", &param)
		if scanning {
			sb.WriteString(" AND NOT (")
			appendKeyPredicate(&sb, quotedKeys, "=", &param)
			sb.WriteString(")")
		}
	case ChunkLast:
		appendKeyPredicate(&sb, quotedKeys, ">=", &param)
	default: // ChunkMiddle
		appendKeyPredicate(&sb, quotedKeys, ">=", &param)
		if scanning {
			sb.WriteString(" AND NOT (")
			appendKeyPredicate(&sb, quotedKeys, "=", &param)
			sb.WriteString(")")
		}
		sb.WriteString(" AND ")
		appendKeyPredicate(&sb, quotedKeys, "<=", &param)
	}

	return sb.String()
}

// BuildScanQuery builds the bounded data-scan query for a chunk at the given
// position: SELECT * with the position's predicate, parameter slots numbered
// @p1..@pN in the layout ScanArgs produces. Pure function of its inputs; no
// I/O is performed.
func BuildScanQuery(table common.TableID, keyColumns []string, pos ChunkPosition) (*SplitQuery, error) {
	quotedTable, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	quotedKeys, err := quoteColumns(keyColumns)
	if err != nil {
		return nil, err
	}

	condition := buildCondition(quotedKeys, pos, true)

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(quotedTable)
	if condition != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(condition)
	}

	return &SplitQuery{
		SQL:          sb.String(),
		Kind:         QueryDataScan,
		OrderBy:      keyColumns,
		HasCondition: condition != "",
	}, nil
}

// BuildBoundaryQuery builds the boundary-discovery query for a chunk position:
// the maximum key among the first limit rows of the range, found via a TOP
// subquery ordered ascending so only limit rows are ever touched.
func BuildBoundaryQuery(table common.TableID, keyColumns []string, pos ChunkPosition, limit int) (*SplitQuery, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("boundary query limit must be positive, got %d", limit)
	}
	quotedTable, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	quotedKeys, err := quoteColumns(keyColumns)
	if err != nil {
		return nil, err
	}

	condition := buildCondition(quotedKeys, pos, false)

	maxProjection := make([]string, len(quotedKeys))
	for i, key := range quotedKeys {
		maxProjection[i] = "MAX(" + key + ")"
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(maxProjection, ", "))
	sb.WriteString(" FROM (SELECT TOP (")
	fmt.Fprintf(&sb, "%d", limit)
	sb.WriteString(") ")
	sb.WriteString(strings.Join(quotedKeys, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(quotedTable)
	if condition != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(condition)
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(quotedKeys, ", "))
	sb.WriteString(" ASC) T")

	return &SplitQuery{
		SQL:          sb.String(),
		Kind:         QueryBoundaryDiscovery,
		Limit:        limit,
		OrderBy:      keyColumns,
		HasCondition: condition != "",
	}, nil
}
