package clickhouse

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/config"
)

func testClient() *Client {
	return &Client{
		cfg:     &config.ClickHouseConfig{Database: "analytics"},
		logger:  zap.NewNop(),
		schemas: make(map[string]*sinkSchema),
	}
}

func TestSQLServerToClickHouseType(t *testing.T) {
	tests := []struct {
		sqlServerType string
		want          string
	}{
		{"bit", "UInt8"},
		{"tinyint", "UInt8"},
		{"smallint", "Int16"},
		{"int", "Int32"},
		{"INT", "Int32"},
		{"bigint", "Int64"},
		{"real", "Float32"},
		{"float", "Float64"},
		{"decimal", "Decimal64(4)"},
		{"numeric", "Decimal64(4)"},
		{"money", "Decimal64(4)"},
		{"date", "Date32"},
		{"datetime", "DateTime64(3)"},
		{"datetime2", "DateTime64(3)"},
		{"smalldatetime", "DateTime64(3)"},
		{"datetimeoffset", "DateTime64(3)"},
		{"time", "String"},
		{"varchar", "String"},
		{"nvarchar", "String"},
		{"xml", "String"},
		{"uniqueidentifier", "UUID"},
		{"varbinary", "String"},
		{"rowversion", "String"},
		{"geography", "String"},
	}

	for _, tt := range tests {
		if got := sqlServerToClickHouseType(tt.sqlServerType); got != tt.want {
			t.Errorf("sqlServerToClickHouseType(%q) = %q, want %q", tt.sqlServerType, got, tt.want)
		}
	}
}

func TestIsValidEngine(t *testing.T) {
	if !IsValidEngine(EngineReplacingMergeTree) {
		t.Error("ReplacingMergeTree should be valid")
	}
	if !IsValidEngine(EngineReplicatedReplacingMergeTree) {
		t.Error("ReplicatedReplacingMergeTree should be valid")
	}
	if IsValidEngine(TableEngine("MergeTree")) {
		t.Error("plain MergeTree should not be accepted")
	}
}

func TestBuildCreateTableQuery(t *testing.T) {
	c := testClient()

	table := &common.TableInfo{
		ID: common.TableID{Schema: "dbo", Name: "orders"},
		Columns: []common.Column{
			{Name: "id", Type: "bigint", IsPrimaryKey: true},
			{Name: "customer", Type: "nvarchar", Nullable: true},
			{Name: "amount", Type: "decimal", Nullable: false},
		},
		PrimaryKey: []string{"id"},
	}

	query, err := c.buildCreateTableQuery(table, EngineReplacingMergeTree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS `analytics`.`orders`",
		"`id` Int64",
		"`customer` Nullable(String)",
		"`amount` Decimal64(4)",
		"`_is_deleted` UInt8 DEFAULT 0",
		"`_version` UInt64 DEFAULT 0",
		"ENGINE = ReplacingMergeTree(_version, _is_deleted)",
		"ORDER BY (`id`)",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("query missing %q:\n%s", want, query)
		}
	}
}

func TestBuildCreateTableQueryPrimaryKeyNeverNullable(t *testing.T) {
	c := testClient()

	table := &common.TableInfo{
		ID: common.TableID{Schema: "dbo", Name: "items"},
		Columns: []common.Column{
			{Name: "sku", Type: "varchar", Nullable: true, IsPrimaryKey: true},
		},
		PrimaryKey: []string{"sku"},
	}

	query, err := c.buildCreateTableQuery(table, EngineReplacingMergeTree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(query, "Nullable") {
		t.Errorf("primary key column must not be Nullable:\n%s", query)
	}
}

func TestBuildCreateTableQueryNoPrimaryKey(t *testing.T) {
	c := testClient()

	table := &common.TableInfo{
		ID: common.TableID{Schema: "dbo", Name: "events"},
		Columns: []common.Column{
			{Name: "payload", Type: "nvarchar", Nullable: true},
		},
	}

	query, err := c.buildCreateTableQuery(table, EngineReplacingMergeTree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(query, "ORDER BY tuple()") {
		t.Errorf("keyless table should order by tuple():\n%s", query)
	}
}

func TestBuildCreateTableQueryRejectsBadIdentifiers(t *testing.T) {
	c := testClient()

	table := &common.TableInfo{
		ID: common.TableID{Schema: "dbo", Name: "orders; DROP TABLE x"},
		Columns: []common.Column{
			{Name: "id", Type: "int", IsPrimaryKey: true},
		},
	}
	if _, err := c.buildCreateTableQuery(table, EngineReplacingMergeTree); err == nil {
		t.Error("expected error for malicious table name, got nil")
	}

	table = &common.TableInfo{
		ID: common.TableID{Schema: "dbo", Name: "orders"},
		Columns: []common.Column{
			{Name: "id` String) ENGINE", Type: "int"},
		},
	}
	if _, err := c.buildCreateTableQuery(table, EngineReplacingMergeTree); err == nil {
		t.Error("expected error for malicious column name, got nil")
	}
}

func TestConvertValue(t *testing.T) {
	ts := time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  interface{}
		chType string
		want   interface{}
	}{
		{"nil passes through", nil, "String", nil},
		{"time to DateTime64", ts, "DateTime64(3)", "2024-05-17 09:30:00.000"},
		{"time to Date32", ts, "Date32", "2024-05-17"},
		{"bytes to String", []byte("hello"), "String", "hello"},
		{"bytes to Decimal stay textual", []byte("12.3400"), "Decimal64(4)", "12.3400"},
		{"int passes through", int64(42), "Int64", int64(42)},
		{"nullable unwraps", []byte("x"), "Nullable(String)", "x"},
		{"uuid as string", "0E984725-C51C-4BF4-9960-E1C80E27ABA0", "UUID", "0E984725-C51C-4BF4-9960-E1C80E27ABA0"},
		{"empty datetime string uses epoch", "", "DateTime64(3)", "1970-01-01 00:00:00.000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertValue(tt.value, tt.chType)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("convertValue(%v, %s) = %v, want %v", tt.value, tt.chType, got, tt.want)
			}
		})
	}
}
