package clickhouse

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/config"
	"github.com/comien/mssql-stream-bridge/internal/security"
)

// sinkSchema is the column layout of one target table, in declared order.
type sinkSchema struct {
	columns []string
	types   map[string]string
}

// UnknownTableError reports a write aimed at a table that does not exist in
// the sink database. Retrying cannot resolve it.
type UnknownTableError struct {
	Database string
	Table    string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("table %s.%s does not exist in the sink", e.Database, e.Table)
}

type Client struct {
	cfg    *config.ClickHouseConfig
	logger *zap.Logger
	db     *sql.DB

	schemaMu sync.RWMutex
	schemas  map[string]*sinkSchema
}

func NewClient(cfg *config.ClickHouseConfig, logger *zap.Logger) (*Client, error) {
	client := &Client{
		cfg:     cfg,
		logger:  logger,
		schemas: make(map[string]*sinkSchema),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return client, nil
}

func (c *Client) connect() error {
	options := &clickhouse.Options{
		Addr: c.cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: c.cfg.Database,
			Username: c.cfg.Username,
			Password: c.cfg.Password,
		},
		DialTimeout: c.cfg.DialTimeout,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}

	if c.cfg.EnableSSL {
		options.TLS = &tls.Config{
			InsecureSkipVerify: false,
		}
	}

	conn := clickhouse.OpenDB(options)
	conn.SetMaxOpenConns(c.cfg.MaxOpenConns)
	conn.SetMaxIdleConns(c.cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(c.cfg.MaxLifetime)

	if err := conn.Ping(); err != nil {
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	c.db = conn
	c.logger.Info("Connected to ClickHouse",
		zap.Strings("addresses", c.cfg.Addresses),
		zap.String("database", c.cfg.Database))

	return nil
}

func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) GetDB() *sql.DB {
	return c.db
}

func (c *Client) GetDatabase() string {
	return c.cfg.Database
}

func (c *Client) TableExists(ctx context.Context, table string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM system.tables
		WHERE database = ? AND name = ?
	`

	var count int
	err := c.db.QueryRowContext(ctx, query, c.cfg.Database, table).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table existence: %w", err)
	}

	return count > 0, nil
}

// Insert writes a batch of events to one target table. Rows carry a _version
// derived from the event timestamp and a _is_deleted marker, so updates and
// deletes are plain inserts collapsed by ReplacingMergeTree.
func (c *Client) Insert(ctx context.Context, table string, events []*common.Event) error {
	if len(events) == 0 {
		return nil
	}

	schema, err := c.tableSchema(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to get schema for %s: %w", table, err)
	}

	query, values, err := c.buildInsertQuery(table, schema, events)
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := c.db.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to insert into %s.%s: %w", c.cfg.Database, table, err)
	}

	c.logger.Debug("Insert completed",
		zap.String("table", table),
		zap.Int("rows", len(events)))

	return nil
}

// UpdateBatch writes update events. With ReplacingMergeTree an update is an
// insert with a newer _version.
func (c *Client) UpdateBatch(ctx context.Context, table string, events []*common.Event) error {
	return c.Insert(ctx, table, events)
}

// DeleteBatch writes delete events as soft-delete markers (_is_deleted = 1).
func (c *Client) DeleteBatch(ctx context.Context, table string, events []*common.Event) error {
	for _, event := range events {
		if event.Data == nil {
			if event.OldData != nil {
				event.Data = event.OldData
			} else {
				event.Data = make(map[string]interface{})
			}
		}
		event.Data["_is_deleted"] = 1
	}
	return c.Insert(ctx, table, events)
}

// tableSchema returns the cached column layout of one target table, loading it
// from system.columns on first use.
func (c *Client) tableSchema(ctx context.Context, table string) (*sinkSchema, error) {
	c.schemaMu.RLock()
	schema, ok := c.schemas[table]
	c.schemaMu.RUnlock()
	if ok {
		return schema, nil
	}

	query := `
		SELECT name, type
		FROM system.columns
		WHERE database = ? AND table = ?
		ORDER BY position
	`

	rows, err := c.db.QueryContext(ctx, query, c.cfg.Database, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()

	schema = &sinkSchema{types: make(map[string]string)}
	for rows.Next() {
		var name, colType string
		if err := rows.Scan(&name, &colType); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		schema.columns = append(schema.columns, name)
		schema.types[name] = colType
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(schema.columns) == 0 {
		return nil, &UnknownTableError{Database: c.cfg.Database, Table: table}
	}

	c.schemaMu.Lock()
	c.schemas[table] = schema
	c.schemaMu.Unlock()

	return schema, nil
}

// invalidateSchema drops a cached layout after DDL against the table.
func (c *Client) invalidateSchema(table string) {
	c.schemaMu.Lock()
	delete(c.schemas, table)
	c.schemaMu.Unlock()
}

func (c *Client) buildInsertQuery(table string, schema *sinkSchema, events []*common.Event) (string, []interface{}, error) {
	if err := security.ValidateIdentifier(c.cfg.Database, "database name"); err != nil {
		return "", nil, fmt.Errorf("invalid database name in config: %w", err)
	}
	if err := security.ValidateIdentifier(table, "table name"); err != nil {
		return "", nil, fmt.Errorf("invalid table name: %w", err)
	}

	columns := make([]string, 0, len(schema.columns))
	for _, name := range schema.columns {
		if err := security.ValidateIdentifier(name, "column name"); err != nil {
			return "", nil, fmt.Errorf("invalid column name %q: %w", name, err)
		}
		columns = append(columns, security.EscapeIdentifier(name))
	}

	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}

	query := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES ",
		security.EscapeIdentifier(c.cfg.Database),
		security.EscapeIdentifier(table),
		strings.Join(columns, ", "))

	var values []interface{}
	var rowPlaceholders []string

	for _, event := range events {
		rowPlaceholders = append(rowPlaceholders, fmt.Sprintf("(%s)", strings.Join(placeholders, ", ")))

		for _, colName := range schema.columns {
			var value interface{}
			var exists bool

			switch {
			case colName == "_version" && event.Data[colName] == nil:
				// Event timestamp preserves source transaction ordering.
				value = event.Timestamp.UnixNano()
				exists = true
			case colName == "_is_deleted" && event.Data[colName] == nil:
				value = 0
				exists = true
			default:
				value, exists = event.Data[colName]
			}

			if exists && value != nil {
				converted, err := convertValue(value, schema.types[colName])
				if err != nil {
					c.logger.Warn("Failed to convert value, using original",
						zap.String("column", colName),
						zap.String("type", schema.types[colName]),
						zap.Error(err))
					values = append(values, value)
				} else {
					values = append(values, converted)
				}
			} else {
				values = append(values, nil)
			}
		}
	}

	query += strings.Join(rowPlaceholders, ", ")
	return query, values, nil
}

func (c *Client) ExecuteDDL(ctx context.Context, ddlStatement string) error {
	if strings.TrimSpace(ddlStatement) == "" {
		return fmt.Errorf("DDL statement cannot be empty")
	}

	upperStmt := strings.ToUpper(strings.TrimSpace(ddlStatement))
	if strings.HasPrefix(upperStmt, "DROP ") || strings.HasPrefix(upperStmt, "TRUNCATE ") {
		c.logger.Warn("Executing potentially destructive DDL statement",
			zap.String("statement", ddlStatement))
	}

	execCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := c.db.ExecContext(execCtx, ddlStatement); err != nil {
		return fmt.Errorf("failed to execute DDL statement: %w", err)
	}

	c.logger.Debug("DDL statement executed", zap.String("statement", ddlStatement))
	return nil
}

func (c *Client) ExecuteQuery(ctx context.Context, query string, args ...interface{}) error {
	_, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to execute query: %w", err)
	}
	return nil
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}
