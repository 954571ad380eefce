package common

import (
	"testing"

	"github.com/comien/mssql-stream-bridge/internal/config"
)

func TestTableFilterNoRules(t *testing.T) {
	tf, err := NewTableFilter(config.TableFilterConfig{})
	if err != nil {
		t.Fatalf("NewTableFilter: %v", err)
	}
	if !tf.ShouldProcessTable("dbo", "orders") {
		t.Error("empty filter should process every table")
	}
}

func TestTableFilterIncludeExclude(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.TableFilterConfig
		schema string
		table  string
		want   bool
	}{
		{
			"include by full name",
			config.TableFilterConfig{IncludeTables: []string{"dbo.orders"}},
			"dbo", "orders", true,
		},
		{
			"include by bare table name",
			config.TableFilterConfig{IncludeTables: []string{"orders"}},
			"dbo", "orders", true,
		},
		{
			"include list rejects others",
			config.TableFilterConfig{IncludeTables: []string{"dbo.orders"}},
			"dbo", "customers", false,
		},
		{
			"include pattern",
			config.TableFilterConfig{IncludePatterns: []string{`^dbo\.order_.*`}},
			"dbo", "order_items", true,
		},
		{
			"include pattern rejects non-match",
			config.TableFilterConfig{IncludePatterns: []string{`^dbo\.order_.*`}},
			"dbo", "customers", false,
		},
		{
			"exclude by full name",
			config.TableFilterConfig{ExcludeTables: []string{"dbo.audit_log"}},
			"dbo", "audit_log", false,
		},
		{
			"exclude pattern",
			config.TableFilterConfig{ExcludePatterns: []string{`_staging$`}},
			"dbo", "orders_staging", false,
		},
		{
			"exclusion wins over inclusion",
			config.TableFilterConfig{
				IncludeTables: []string{"dbo.orders"},
				ExcludeTables: []string{"dbo.orders"},
			},
			"dbo", "orders", false,
		},
		{
			"exclusion pattern wins over include pattern",
			config.TableFilterConfig{
				IncludePatterns: []string{`^dbo\..*`},
				ExcludePatterns: []string{`^dbo\.tmp_.*`},
			},
			"dbo", "tmp_load", false,
		},
		{
			"unexcluded table passes with only excludes configured",
			config.TableFilterConfig{ExcludeTables: []string{"dbo.audit_log"}},
			"dbo", "orders", true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf, err := NewTableFilter(tt.cfg)
			if err != nil {
				t.Fatalf("NewTableFilter: %v", err)
			}
			if got := tf.ShouldProcessTable(tt.schema, tt.table); got != tt.want {
				t.Errorf("ShouldProcessTable(%s, %s) = %v, want %v", tt.schema, tt.table, got, tt.want)
			}
		})
	}
}

func TestTableFilterInvalidPattern(t *testing.T) {
	if _, err := NewTableFilter(config.TableFilterConfig{IncludePatterns: []string{"["}}); err == nil {
		t.Error("expected error for invalid include pattern")
	}
	if _, err := NewTableFilter(config.TableFilterConfig{ExcludePatterns: []string{"("}}); err == nil {
		t.Error("expected error for invalid exclude pattern")
	}
}
