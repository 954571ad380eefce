package snapshot

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/metrics"
)

// metricsRecorder captures the snapshot-side instrument calls.
type metricsRecorder struct {
	metrics.NoopMetrics
	chunksLoaded    int
	rowsLoaded      int64
	tablesRemaining []int
}

func (r *metricsRecorder) IncSnapshotChunksLoaded(schema, table string) {
	r.chunksLoaded++
}

func (r *metricsRecorder) AddSnapshotRowsLoaded(schema, table string, count int64) {
	r.rowsLoaded += count
}

func (r *metricsRecorder) SetSnapshotTablesRemaining(count int) {
	r.tablesRemaining = append(r.tablesRemaining, count)
}

func makeRows(n int) []map[string]interface{} {
	rows := make([]map[string]interface{}, n)
	for i := range rows {
		rows[i] = map[string]interface{}{"id": int64(i)}
	}
	return rows
}

func TestSplitIntoBatches(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		batchSize int
		wantSizes []int
	}{
		{"fits in one batch", 5, 10, []int{5}},
		{"exact batch size", 10, 10, []int{10}},
		{"even split", 20, 10, []int{10, 10}},
		{"remainder batch", 25, 10, []int{10, 10, 5}},
		{"single row batches", 3, 1, []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(nil, nil, zap.NewNop(), tt.batchSize)
			batches := l.splitIntoBatches(makeRows(tt.rows))

			if len(batches) != len(tt.wantSizes) {
				t.Fatalf("got %d batches, want %d", len(batches), len(tt.wantSizes))
			}

			total := 0
			for i, batch := range batches {
				if len(batch) != tt.wantSizes[i] {
					t.Errorf("batch %d has %d rows, want %d", i, len(batch), tt.wantSizes[i])
				}
				total += len(batch)
			}
			if total != tt.rows {
				t.Errorf("batches hold %d rows, want %d", total, tt.rows)
			}
		})
	}
}

func TestSplitIntoBatchesPreservesOrder(t *testing.T) {
	l := NewLoader(nil, nil, zap.NewNop(), 4)
	batches := l.splitIntoBatches(makeRows(10))

	next := int64(0)
	for _, batch := range batches {
		for _, row := range batch {
			if row["id"] != next {
				t.Fatalf("row out of order: got id %v, want %d", row["id"], next)
			}
			next++
		}
	}
}

func TestLoadTableRecordsChunkProgress(t *testing.T) {
	rec := &metricsRecorder{}
	l := NewLoader(nil, rec, zap.NewNop(), 10)

	id := common.TableID{Schema: "dbo", Name: "orders"}
	chunkChan := make(chan *ChunkInfo, 2)
	chunkChan <- &ChunkInfo{Table: id, ChunkIndex: 0}
	chunkChan <- &ChunkInfo{Table: id, ChunkIndex: 1}
	close(chunkChan)

	if err := l.LoadTable(context.Background(), id, chunkChan, time.Now()); err != nil {
		t.Fatalf("LoadTable: %v", err)
	}

	if rec.chunksLoaded != 2 {
		t.Errorf("chunks loaded = %d, want 2", rec.chunksLoaded)
	}
	if rec.rowsLoaded != 0 {
		t.Errorf("rows loaded = %d, want 0 for empty chunks", rec.rowsLoaded)
	}
}

func TestLoadTableNilMetrics(t *testing.T) {
	l := NewLoader(nil, nil, zap.NewNop(), 10)

	id := common.TableID{Schema: "dbo", Name: "orders"}
	chunkChan := make(chan *ChunkInfo, 1)
	chunkChan <- &ChunkInfo{Table: id, ChunkIndex: 0}
	close(chunkChan)

	if err := l.LoadTable(context.Background(), id, chunkChan, time.Now()); err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
}
