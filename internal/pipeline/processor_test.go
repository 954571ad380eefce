package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/clickhouse"
	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/config"
)

func TestGroupEventsByTypeAndTable(t *testing.T) {
	w := &worker{}

	events := []*common.Event{
		{Schema: "dbo", Table: "orders", Type: common.EventTypeInsert},
		{Schema: "dbo", Table: "orders", Type: common.EventTypeInsert},
		{Schema: "dbo", Table: "orders", Type: common.EventTypeDelete},
		{Schema: "dbo", Table: "customers", Type: common.EventTypeUpdate},
		{Schema: "sales", Table: "orders", Type: common.EventTypeInsert},
	}

	grouped := w.groupEventsByTypeAndTable(events)

	if len(grouped) != 3 {
		t.Fatalf("grouped into %d tables, want 3: %v", len(grouped), grouped)
	}
	if got := len(grouped["dbo.orders"][common.EventTypeInsert]); got != 2 {
		t.Errorf("dbo.orders inserts = %d, want 2", got)
	}
	if got := len(grouped["dbo.orders"][common.EventTypeDelete]); got != 1 {
		t.Errorf("dbo.orders deletes = %d, want 1", got)
	}
	if got := len(grouped["dbo.customers"][common.EventTypeUpdate]); got != 1 {
		t.Errorf("dbo.customers updates = %d, want 1", got)
	}
	if got := len(grouped["sales.orders"][common.EventTypeInsert]); got != 1 {
		t.Errorf("sales.orders inserts = %d, want 1", got)
	}
}

func TestGroupEventsByTypeAndTableEmpty(t *testing.T) {
	w := &worker{}
	if grouped := w.groupEventsByTypeAndTable(nil); len(grouped) != 0 {
		t.Errorf("grouping no events produced %d groups", len(grouped))
	}
}

func TestIsUnknownTableErr(t *testing.T) {
	unknown := &clickhouse.UnknownTableError{Database: "analytics", Table: "orders"}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct", unknown, true},
		{"wrapped", fmt.Errorf("failed to get schema for orders: %w", unknown), true},
		{"other error", errors.New("connection refused"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUnknownTableErr(tt.err); got != tt.want {
				t.Errorf("isUnknownTableErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func testBatcher(workerBuffer int) (*Processor, *batcher) {
	p := &Processor{
		cfg:     &config.PipelineConfig{},
		logger:  zap.NewNop(),
		metrics: &processorMetrics{},
	}
	p.workers = []*worker{
		{id: 0, processor: p, batchChan: make(chan []*common.Event, workerBuffer)},
		{id: 1, processor: p, batchChan: make(chan []*common.Event, workerBuffer)},
	}
	b := &batcher{processor: p}
	p.batcher = b
	return p, b
}

func waitsWithin(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func TestProcessFailedBatchesDeliversOnce(t *testing.T) {
	p, b := testBatcher(1)

	events := []*common.Event{{Schema: "dbo", Table: "orders", Type: common.EventTypeInsert}}
	b.failedQueue = []*failedBatch{{
		key:         "dbo.orders",
		events:      events,
		nextRetryAt: time.Now().Add(-time.Second),
	}}

	b.processFailedBatches()

	delivered := len(p.workers[0].batchChan) + len(p.workers[1].batchChan)
	if delivered != 1 {
		t.Fatalf("batch delivered to %d workers, want exactly 1", delivered)
	}
	if len(b.failedQueue) != 0 {
		t.Errorf("failed queue has %d entries, want 0", len(b.failedQueue))
	}

	// The batch must be counted in activeBatches before a worker can see it;
	// one Done, as the worker would issue, has to balance the books.
	b.activeBatches.Done()
	if !waitsWithin(&b.activeBatches, time.Second) {
		t.Error("activeBatches did not drain after the worker's Done")
	}
}

func TestProcessFailedBatchesAllWorkersBlocked(t *testing.T) {
	_, b := testBatcher(0)

	events := []*common.Event{{Schema: "dbo", Table: "orders", Type: common.EventTypeInsert}}
	b.failedQueue = []*failedBatch{{
		key:         "dbo.orders",
		events:      events,
		nextRetryAt: time.Now().Add(-time.Second),
	}}

	b.processFailedBatches()

	if len(b.failedQueue) != 1 {
		t.Fatalf("failed queue has %d entries, want 1", len(b.failedQueue))
	}
	if b.failedQueue[0].retryCount != 1 {
		t.Errorf("retry count = %d, want 1", b.failedQueue[0].retryCount)
	}

	// An undelivered and uncounted batch must leave activeBatches balanced.
	if !waitsWithin(&b.activeBatches, time.Second) {
		t.Error("activeBatches not balanced after undelivered retry")
	}
}

func TestCalculateRetryDelay(t *testing.T) {
	w := &worker{}

	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		want    time.Duration
	}{
		{"first attempt", 1, time.Second, time.Second},
		{"grows linearly", 3, time.Second, 3 * time.Second},
		{"zero attempt treated as first", 0, time.Second, time.Second},
		{"zero base defaults to one second", 2, 0, 2 * time.Second},
		{"capped at five minutes", 1000, time.Second, 5 * time.Minute},
		{"overflow-sized attempt capped", 1 << 40, time.Second, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.calculateRetryDelay(tt.attempt, tt.base); got != tt.want {
				t.Errorf("calculateRetryDelay(%d, %v) = %v, want %v", tt.attempt, tt.base, got, tt.want)
			}
		})
	}
}
