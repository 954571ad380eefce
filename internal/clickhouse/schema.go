package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/security"
)

type TableEngine string

const (
	EngineReplacingMergeTree           TableEngine = "ReplacingMergeTree"
	EngineReplicatedReplacingMergeTree TableEngine = "ReplicatedReplacingMergeTree"
)

func IsValidEngine(engine TableEngine) bool {
	return engine == EngineReplacingMergeTree || engine == EngineReplicatedReplacingMergeTree
}

// CreateTable creates a target table from source table metadata. Source types
// are mapped to ClickHouse types and the _version and _is_deleted columns
// required by the replacing engine are appended when the source lacks them.
func (c *Client) CreateTable(ctx context.Context, table *common.TableInfo, engine TableEngine) error {
	if !IsValidEngine(engine) {
		return fmt.Errorf("unsupported table engine: %s", engine)
	}

	query, err := c.buildCreateTableQuery(table, engine)
	if err != nil {
		return err
	}

	c.logger.Debug("Creating table",
		zap.String("table", table.ID.Name),
		zap.String("query", query))

	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s.%s: %w", c.cfg.Database, table.ID.Name, err)
	}
	c.invalidateSchema(table.ID.Name)

	c.logger.Info("Table created",
		zap.String("database", c.cfg.Database),
		zap.String("table", table.ID.Name))

	return nil
}

func (c *Client) DropTable(ctx context.Context, table string) error {
	if err := security.ValidateIdentifier(c.cfg.Database, "database name"); err != nil {
		return fmt.Errorf("invalid database name in config: %w", err)
	}
	if err := security.ValidateIdentifier(table, "table name"); err != nil {
		return fmt.Errorf("invalid table name: %w", err)
	}

	query := fmt.Sprintf("DROP TABLE IF EXISTS %s.%s",
		security.EscapeIdentifier(c.cfg.Database), security.EscapeIdentifier(table))

	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to drop table %s.%s: %w", c.cfg.Database, table, err)
	}
	c.invalidateSchema(table)

	c.logger.Info("Table dropped",
		zap.String("database", c.cfg.Database),
		zap.String("table", table))

	return nil
}

func (c *Client) buildCreateTableQuery(table *common.TableInfo, engine TableEngine) (string, error) {
	if err := security.ValidateIdentifier(c.cfg.Database, "database name"); err != nil {
		return "", fmt.Errorf("invalid database name in config: %w", err)
	}
	if err := security.ValidateIdentifier(table.ID.Name, "table name"); err != nil {
		return "", fmt.Errorf("invalid table name: %w", err)
	}

	var columns []string
	var primaryKeys []string
	hasIsDeleted := false
	hasVersionColumn := false

	for _, col := range table.Columns {
		if err := security.ValidateIdentifier(col.Name, "column name"); err != nil {
			return "", fmt.Errorf("invalid column name %q: %w", col.Name, err)
		}

		colType := sqlServerToClickHouseType(col.Type)
		if col.Nullable && !col.IsPrimaryKey {
			colType = fmt.Sprintf("Nullable(%s)", colType)
		}
		columns = append(columns, fmt.Sprintf("%s %s", security.EscapeIdentifier(col.Name), colType))

		if col.IsPrimaryKey {
			primaryKeys = append(primaryKeys, col.Name)
		}
		if col.Name == "_is_deleted" {
			hasIsDeleted = true
		}
		if col.Name == "_version" {
			hasVersionColumn = true
		}
	}

	if !hasIsDeleted {
		columns = append(columns, "`_is_deleted` UInt8 DEFAULT 0")
	}
	if !hasVersionColumn {
		columns = append(columns, "`_version` UInt64 DEFAULT 0")
	}

	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (\n  %s\n)",
		security.EscapeIdentifier(c.cfg.Database),
		security.EscapeIdentifier(table.ID.Name),
		strings.Join(columns, ",\n  "))

	engineClause := fmt.Sprintf("ENGINE = %s(_version, _is_deleted)", engine)

	if len(primaryKeys) > 0 {
		escapedPKs := make([]string, 0, len(primaryKeys))
		for _, pk := range primaryKeys {
			escapedPKs = append(escapedPKs, security.EscapeIdentifier(pk))
		}
		engineClause += fmt.Sprintf("\nORDER BY (%s)", strings.Join(escapedPKs, ", "))
	} else {
		engineClause += "\nORDER BY tuple()"
	}

	query += fmt.Sprintf("\n%s", engineClause)
	return query, nil
}

// sqlServerToClickHouseType maps a SQL Server column type to the ClickHouse
// type used for the target column. Unknown types fall back to String.
func sqlServerToClickHouseType(sqlServerType string) string {
	switch strings.ToLower(sqlServerType) {
	case "bit":
		return "UInt8"
	case "tinyint":
		return "UInt8"
	case "smallint":
		return "Int16"
	case "int":
		return "Int32"
	case "bigint":
		return "Int64"
	case "real":
		return "Float32"
	case "float":
		return "Float64"
	case "decimal", "numeric", "money", "smallmoney":
		return "Decimal64(4)"
	case "date":
		return "Date32"
	case "datetime", "datetime2", "smalldatetime", "datetimeoffset":
		return "DateTime64(3)"
	case "time":
		return "String"
	case "char", "varchar", "nchar", "nvarchar", "text", "ntext", "xml", "sysname":
		return "String"
	case "uniqueidentifier":
		return "UUID"
	case "binary", "varbinary", "image", "timestamp", "rowversion":
		return "String"
	default:
		return "String"
	}
}

// convertValue converts a source scan value into the representation the
// target column type expects.
func convertValue(value interface{}, clickhouseType string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	if strings.HasPrefix(clickhouseType, "Nullable(") && strings.HasSuffix(clickhouseType, ")") {
		return convertValue(value, clickhouseType[9:len(clickhouseType)-1])
	}

	switch {
	case strings.HasPrefix(clickhouseType, "DateTime"):
		return convertToDateTime(value)
	case clickhouseType == "Date" || clickhouseType == "Date32":
		return convertToDate(value)
	case clickhouseType == "UUID":
		return convertToString(value)
	case strings.Contains(clickhouseType, "String") || strings.HasPrefix(clickhouseType, "FixedString"):
		return convertToString(value)
	case strings.Contains(clickhouseType, "Int") || strings.Contains(clickhouseType, "UInt"):
		return value, nil
	case strings.Contains(clickhouseType, "Float"):
		return value, nil
	case strings.Contains(clickhouseType, "Decimal"):
		return convertToDecimal(value)
	default:
		return convertToString(value)
	}
}

func convertToDateTime(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case time.Time:
		return v.Format("2006-01-02 15:04:05.000"), nil
	case string:
		if v == "" {
			return "1970-01-01 00:00:00.000", nil
		}

		formats := []string{
			"2006-01-02 15:04:05",
			"2006-01-02 15:04:05.000",
			"2006-01-02T15:04:05",
			"2006-01-02T15:04:05.000",
		}
		for _, format := range formats {
			if t, err := time.Parse(format, v); err == nil {
				return t.Format("2006-01-02 15:04:05.000"), nil
			}
		}
		return v, nil
	case []byte:
		return convertToDateTime(string(v))
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

func convertToDate(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case time.Time:
		return v.Format("2006-01-02"), nil
	case string:
		if v == "" {
			return "1970-01-01", nil
		}

		formats := []string{
			"2006-01-02",
			"2006-01-02 15:04:05",
		}
		for _, format := range formats {
			if t, err := time.Parse(format, v); err == nil {
				return t.Format("2006-01-02"), nil
			}
		}
		return v, nil
	case []byte:
		return convertToDate(string(v))
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

func convertToString(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case []byte:
		return string(v), nil
	case string:
		return v, nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

// convertToDecimal keeps decimals textual; the source driver returns them as
// []byte and ClickHouse parses the string form.
func convertToDecimal(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case []byte:
		return string(v), nil
	case string:
		return v, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return v, nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}
