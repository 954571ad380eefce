package split

import (
	"errors"
	"testing"

	"github.com/comien/mssql-stream-bridge/internal/common"
)

func TestSelectKeyColumn(t *testing.T) {
	table := &common.TableInfo{
		ID: common.TableID{Schema: "dbo", Name: "order_items"},
		Columns: []common.Column{
			{Name: "order_id", Type: "bigint", IsPrimaryKey: true},
			{Name: "line_no", Type: "int", IsPrimaryKey: true},
			{Name: "sku", Type: "varchar"},
		},
		PrimaryKey: []string{"order_id", "line_no"},
	}

	col, err := SelectKeyColumn(table)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if col.Name != "order_id" {
		t.Errorf("key column = %q, want first primary-key column %q", col.Name, "order_id")
	}
}

func TestSelectKeyColumnNoPrimaryKey(t *testing.T) {
	table := &common.TableInfo{
		ID: common.TableID{Schema: "dbo", Name: "audit_log"},
		Columns: []common.Column{
			{Name: "message", Type: "nvarchar"},
		},
	}

	_, err := SelectKeyColumn(table)
	if err == nil {
		t.Fatal("expected error for table without primary key, got nil")
	}
	var noPK *NoPrimaryKeyError
	if !errors.As(err, &noPK) {
		t.Fatalf("expected NoPrimaryKeyError, got %T: %v", err, err)
	}
	if noPK.Table.Name != "audit_log" {
		t.Errorf("error table = %q, want audit_log", noPK.Table.Name)
	}
}
