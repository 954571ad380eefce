package sqlserver

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/common"
)

// Catalog reads table and column metadata from the source database.
type Catalog struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewCatalog(db *sql.DB, logger *zap.Logger) *Catalog {
	return &Catalog{db: db, logger: logger}
}

// ListCapturedTables returns the identity and capture-instance name of every
// table that has CDC enabled, in deterministic order.
func (c *Catalog) ListCapturedTables(ctx context.Context) ([]common.TableInfo, error) {
	query := `
		SELECT s.name, t.name, ct.capture_instance
		FROM cdc.change_tables ct
		JOIN sys.tables t ON t.object_id = ct.source_object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		ORDER BY s.name, t.name`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list captured tables: %w", err)
	}
	defer rows.Close()

	var tables []common.TableInfo
	for rows.Next() {
		var schema, name, captureInstance string
		if err := rows.Scan(&schema, &name, &captureInstance); err != nil {
			return nil, fmt.Errorf("failed to scan captured table row: %w", err)
		}
		tables = append(tables, common.TableInfo{
			ID:          common.TableID{Schema: schema, Name: name},
			CaptureName: captureInstance,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate captured tables: %w", err)
	}
	return tables, nil
}

// DescribeTable fills in column and primary-key metadata for a table identity.
func (c *Catalog) DescribeTable(ctx context.Context, id common.TableID) (*common.TableInfo, error) {
	columns, err := c.tableColumns(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist or has no columns", id)
	}

	primaryKey, err := c.primaryKeyColumns(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := range columns {
		for _, pk := range primaryKey {
			if columns[i].Name == pk {
				columns[i].IsPrimaryKey = true
			}
		}
	}

	info := &common.TableInfo{
		ID:         id,
		Columns:    columns,
		PrimaryKey: primaryKey,
	}

	c.logger.Debug("Table described",
		zap.String("table", id.String()),
		zap.Int("columns", len(columns)),
		zap.Strings("primary_key", primaryKey))

	return info, nil
}

func (c *Catalog) tableColumns(ctx context.Context, id common.TableID) ([]common.Column, error) {
	query := `
		SELECT c.name, ty.name, c.is_nullable, c.is_identity
		FROM sys.columns c
		JOIN sys.types ty ON ty.user_type_id = c.user_type_id
		JOIN sys.tables t ON t.object_id = c.object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		WHERE s.name = @p1 AND t.name = @p2
		ORDER BY c.column_id`

	rows, err := c.db.QueryContext(ctx, query, id.Schema, id.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns for %s: %w", id, err)
	}
	defer rows.Close()

	var columns []common.Column
	for rows.Next() {
		var col common.Column
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &col.IsIdentity); err != nil {
			return nil, fmt.Errorf("failed to scan column row for %s: %w", id, err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate columns for %s: %w", id, err)
	}
	return columns, nil
}

func (c *Catalog) primaryKeyColumns(ctx context.Context, id common.TableID) ([]string, error) {
	query := `
		SELECT col.name
		FROM sys.indexes i
		JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		JOIN sys.columns col ON col.object_id = ic.object_id AND col.column_id = ic.column_id
		JOIN sys.tables t ON t.object_id = i.object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		WHERE i.is_primary_key = 1 AND s.name = @p1 AND t.name = @p2
		ORDER BY ic.key_ordinal`

	rows, err := c.db.QueryContext(ctx, query, id.Schema, id.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key for %s: %w", id, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan primary key row for %s: %w", id, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate primary key for %s: %w", id, err)
	}
	return names, nil
}
