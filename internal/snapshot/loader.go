package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/clickhouse"
	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/metrics"
)

type Loader struct {
	chClient  *clickhouse.Client
	logger    *zap.Logger
	metrics   metrics.Metrics
	batchSize int
}

func NewLoader(chClient *clickhouse.Client, metricsManager metrics.Metrics, logger *zap.Logger, batchSize int) *Loader {
	return &Loader{
		chClient:  chClient,
		logger:    logger,
		metrics:   metricsManager,
		batchSize: batchSize,
	}
}

func (l *Loader) LoadChunk(ctx context.Context, chunk *ChunkInfo, snapshotTime time.Time) error {
	if len(chunk.Data) == 0 {
		return nil
	}

	batches := l.splitIntoBatches(chunk.Data)

	for i, batch := range batches {
		if err := l.insertBatch(ctx, chunk.Table, batch, snapshotTime); err != nil {
			return fmt.Errorf("failed to insert batch %d: %w", i, err)
		}
	}

	l.logger.Debug("Chunk loaded",
		zap.String("table", chunk.Table.String()),
		zap.Int("chunk_index", chunk.ChunkIndex),
		zap.Int("rows", len(chunk.Data)))

	return nil
}

func (l *Loader) splitIntoBatches(data []map[string]interface{}) [][]map[string]interface{} {
	if len(data) <= l.batchSize {
		return [][]map[string]interface{}{data}
	}

	batches := make([][]map[string]interface{}, 0)
	for i := 0; i < len(data); i += l.batchSize {
		end := i + l.batchSize
		if end > len(data) {
			end = len(data)
		}
		batches = append(batches, data[i:end])
	}

	return batches
}

func (l *Loader) insertBatch(ctx context.Context, table common.TableID, batch []map[string]interface{}, snapshotTime time.Time) error {
	if len(batch) == 0 {
		return nil
	}

	events := make([]*common.Event, 0, len(batch))
	for _, row := range batch {
		// The snapshot timestamp keeps _version ordering consistent across
		// chunks of the same snapshot.
		events = append(events, &common.Event{
			Type:      common.EventTypeInsert,
			Schema:    table.Schema,
			Table:     table.Name,
			Data:      row,
			Timestamp: snapshotTime,
		})
	}

	if err := l.chClient.Insert(ctx, table.Name, events); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	return nil
}

func (l *Loader) LoadTable(ctx context.Context, table common.TableID, chunkChan <-chan *ChunkInfo, snapshotTime time.Time) error {
	l.logger.Info("Starting table load", zap.String("table", table.String()))

	processedChunks := 0
	totalRows := int64(0)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunkChan:
			if !ok {
				l.logger.Info("Table load completed",
					zap.String("table", table.String()),
					zap.Int("processed_chunks", processedChunks),
					zap.Int64("total_rows", totalRows))
				return nil
			}

			if chunk.Table != table {
				continue
			}

			startTime := time.Now()
			if err := l.LoadChunk(ctx, chunk, snapshotTime); err != nil {
				return fmt.Errorf("failed to load chunk %d: %w", chunk.ChunkIndex, err)
			}

			processedChunks++
			totalRows += int64(len(chunk.Data))

			if l.metrics != nil {
				l.metrics.IncSnapshotChunksLoaded(table.Schema, table.Name)
				l.metrics.AddSnapshotRowsLoaded(table.Schema, table.Name, int64(len(chunk.Data)))
			}

			l.logger.Debug("Chunk loaded",
				zap.String("table", table.String()),
				zap.Int("chunk_index", chunk.ChunkIndex),
				zap.Int("chunk_rows", len(chunk.Data)),
				zap.Int64("total_rows", totalRows),
				zap.Duration("duration", time.Since(startTime)))
		}
	}
}
