package snapshot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/config"
)

func testReader(maxRetries int) *ChunkedReader {
	return NewChunkedReader(
		&config.SQLServerConfig{},
		&config.SnapshotConfig{MaxRetries: maxRetries, RetryDelay: time.Millisecond},
		zap.NewNop(),
	)
}

func TestGetTableRowCountNoColumns(t *testing.T) {
	cr := testReader(0)
	table := &common.TableInfo{ID: common.TableID{Schema: "dbo", Name: "audit_log"}}

	_, err := cr.GetTableRowCount(context.Background(), table)
	if err == nil {
		t.Fatal("expected error for keyless table with no columns")
	}
	if !strings.Contains(err.Error(), "no columns") {
		t.Errorf("error = %q, want it to mention missing columns", err)
	}
}

func TestWithRetryRecovers(t *testing.T) {
	cr := testReader(2)

	attempts := 0
	err := cr.withRetry(context.Background(), "chunk scan", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryExhausted(t *testing.T) {
	cr := testReader(1)

	attempts := 0
	err := cr.withRetry(context.Background(), "chunk scan", func() error {
		attempts++
		return errors.New("persistent failure")
	})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("error = %q, want attempt count in message", err)
	}
}

func TestWithRetryStopsOnCancel(t *testing.T) {
	cr := testReader(5)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := cr.withRetry(ctx, "chunk scan", func() error {
		attempts++
		cancel()
		return errors.New("transient failure")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
