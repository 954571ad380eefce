package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/config"
	"github.com/comien/mssql-stream-bridge/internal/security"
	"github.com/comien/mssql-stream-bridge/internal/split"
	"github.com/comien/mssql-stream-bridge/internal/sqlserver"
)

// ChunkedReader reads one table at a time as a sequence of key-bounded chunks.
// Boundary discovery and the chunk scans for a table share one pinned session,
// so the whole walk observes a single isolation scope.
type ChunkedReader struct {
	cfg         *config.SQLServerConfig
	snapshotCfg *config.SnapshotConfig
	logger      *zap.Logger
	connector   *sqlserver.Connector
	db          *sql.DB
	isolation   sql.IsolationLevel
	stopChan    chan struct{}
	stopOnce    sync.Once
	mu          sync.Mutex
	stopped     bool
}

func NewChunkedReader(cfg *config.SQLServerConfig, snapshotCfg *config.SnapshotConfig, logger *zap.Logger) *ChunkedReader {
	return &ChunkedReader{
		cfg:         cfg,
		snapshotCfg: snapshotCfg,
		logger:      logger,
		connector:   sqlserver.New(cfg, logger),
		isolation:   sql.LevelSnapshot,
		stopChan:    make(chan struct{}),
	}
}

func (cr *ChunkedReader) Start(ctx context.Context) error {
	db, err := cr.connector.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to SQL Server: %w", err)
	}
	cr.db = db

	cr.logger.Info("Chunked reader started")
	return nil
}

func (cr *ChunkedReader) Stop() error {
	cr.mu.Lock()
	if cr.stopped {
		cr.mu.Unlock()
		return nil
	}
	cr.stopped = true
	cr.mu.Unlock()

	cr.stopOnce.Do(func() {
		close(cr.stopChan)
		if cr.db != nil {
			cr.db.Close()
		}
		cr.logger.Info("Chunked reader stopped")
	})
	return nil
}

// SetIsolation sets the isolation level used by subsequent table reads.
func (cr *ChunkedReader) SetIsolation(level sql.IsolationLevel) {
	cr.isolation = level
}

// GetTableRowCount returns the partition-statistics row count of a table.
func (cr *ChunkedReader) GetTableRowCount(ctx context.Context, table *common.TableInfo) (int64, error) {
	key, err := split.SelectKeyColumn(table)
	if err != nil {
		var noPK *split.NoPrimaryKeyError
		if !errors.As(err, &noPK) {
			return 0, err
		}
		if len(table.Columns) == 0 {
			return 0, fmt.Errorf("table %s has no columns", table.ID)
		}
		// Keyless tables still have partition stats; use any column name.
		key = table.Columns[0]
	}

	est, err := split.NewEstimator(cr.db, table.ID, key.Name)
	if err != nil {
		return 0, err
	}
	return est.QueryApproximateRowCount(ctx)
}

// ReadTableChunks walks a table's key space and sends one ChunkInfo per chunk.
// Tables without a primary key fall back to offset paging.
func (cr *ChunkedReader) ReadTableChunks(ctx context.Context, table *common.TableInfo, chunkSize int, chunkChan chan<- *ChunkInfo) error {
	key, err := split.SelectKeyColumn(table)
	if err != nil {
		var noPK *split.NoPrimaryKeyError
		if errors.As(err, &noPK) {
			cr.logger.Warn("No primary key found, using offset paging",
				zap.String("table", table.ID.String()))
			return cr.readChunksWithOffset(ctx, table, chunkSize, chunkChan)
		}
		return err
	}

	session, err := split.NewSession(ctx, cr.db, cr.isolation)
	if err != nil {
		return err
	}
	defer session.Close()

	est, err := split.NewEstimator(session.Querier(), table.ID, key.Name)
	if err != nil {
		return err
	}

	chunks, err := est.Chunks(ctx, chunkSize)
	if err != nil {
		return fmt.Errorf("failed to split %s into chunks: %w", table.ID, err)
	}

	cr.logger.Info("Table split into chunks",
		zap.String("table", table.ID.String()),
		zap.String("key_column", key.Name),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", chunkSize))

	for i, chunk := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cr.stopChan:
			return fmt.Errorf("reader stopped")
		default:
		}

		var data []map[string]interface{}
		err := cr.withRetry(ctx, "chunk scan", func() error {
			var readErr error
			data, readErr = cr.readChunk(ctx, session, table, key.Name, chunk)
			return readErr
		})
		if err != nil {
			return fmt.Errorf("failed to read chunk %d of %s: %w", i, table.ID, err)
		}

		info := &ChunkInfo{
			Table:      table.ID,
			ChunkIndex: i,
			Bounds:     chunk,
			OrderBy:    []string{key.Name},
			Data:       data,
		}

		select {
		case chunkChan <- info:
		case <-ctx.Done():
			return ctx.Err()
		case <-cr.stopChan:
			return fmt.Errorf("reader stopped")
		}

		cr.logger.Debug("Chunk processed",
			zap.String("table", table.ID.String()),
			zap.String("position", chunk.Position().String()),
			zap.Int("chunk_index", i),
			zap.Int("rows", len(data)))
	}

	return nil
}

// withRetry runs op up to max_retries additional times, waiting retry_delay
// between attempts. Context cancellation and reader shutdown end the retries.
func (cr *ChunkedReader) withRetry(ctx context.Context, opName string, op func() error) error {
	var err error
	for attempt := 0; attempt <= cr.snapshotCfg.MaxRetries; attempt++ {
		if attempt > 0 {
			cr.logger.Warn("Retrying failed snapshot read",
				zap.String("operation", opName),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", cr.snapshotCfg.MaxRetries),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-cr.stopChan:
				return fmt.Errorf("reader stopped")
			case <-time.After(cr.snapshotCfg.RetryDelay):
			}
		}

		if err = op(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", opName, cr.snapshotCfg.MaxRetries+1, err)
}

// readChunk executes the bounded scan for one chunk within the session scope.
func (cr *ChunkedReader) readChunk(ctx context.Context, session *split.Session, table *common.TableInfo, keyColumn string, chunk split.Chunk) ([]map[string]interface{}, error) {
	query, err := split.BuildScanQuery(table.ID, []string{keyColumn}, chunk.Position())
	if err != nil {
		return nil, err
	}
	args, err := split.ScanArgs(chunk, 1)
	if err != nil {
		return nil, err
	}

	rows, err := session.QueryContext(ctx, query.SQL, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk scan failed: %w", err)
	}
	defer rows.Close()

	return scanRowMaps(rows)
}

// readChunksWithOffset pages through a keyless table with OFFSET/FETCH ordered
// by the first column. Slower than key-bounded chunks and not stable under
// concurrent writes, which snapshot isolation makes acceptable.
func (cr *ChunkedReader) readChunksWithOffset(ctx context.Context, table *common.TableInfo, chunkSize int, chunkChan chan<- *ChunkInfo) error {
	if len(table.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", table.ID)
	}

	quotedTable, err := security.ValidateAndQuoteIdentifier(table.ID.Name, "table name")
	if err != nil {
		return err
	}
	quotedSchema, err := security.ValidateAndQuoteIdentifier(table.ID.Schema, "schema name")
	if err != nil {
		return err
	}
	quotedOrder, err := security.ValidateAndQuoteIdentifier(table.Columns[0].Name, "order column name")
	if err != nil {
		return err
	}

	session, err := split.NewSession(ctx, cr.db, cr.isolation)
	if err != nil {
		return err
	}
	defer session.Close()

	chunkIndex := 0
	offset := int64(0)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cr.stopChan:
			return fmt.Errorf("reader stopped")
		default:
		}

		query := fmt.Sprintf("SELECT * FROM %s.%s ORDER BY %s OFFSET %d ROWS FETCH NEXT %d ROWS ONLY",
			quotedSchema, quotedTable, quotedOrder, offset, chunkSize)

		var data []map[string]interface{}
		err := cr.withRetry(ctx, "offset page scan", func() error {
			rows, queryErr := session.QueryContext(ctx, query)
			if queryErr != nil {
				return fmt.Errorf("failed to execute offset page query: %w", queryErr)
			}
			defer rows.Close()

			var scanErr error
			data, scanErr = scanRowMaps(rows)
			return scanErr
		})
		if err != nil {
			return err
		}

		if len(data) == 0 {
			return nil
		}

		info := &ChunkInfo{
			Table:      table.ID,
			ChunkIndex: chunkIndex,
			OrderBy:    []string{table.Columns[0].Name},
			Data:       data,
		}

		select {
		case chunkChan <- info:
		case <-ctx.Done():
			return ctx.Err()
		case <-cr.stopChan:
			return fmt.Errorf("reader stopped")
		}

		offset += int64(len(data))
		chunkIndex++

		if len(data) < chunkSize {
			return nil
		}
	}
}

func scanRowMaps(rows *sql.Rows) ([]map[string]interface{}, error) {
	columnNames, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var data []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columnNames))
		ptrs := make([]interface{}, len(columnNames))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columnNames))
		for i, name := range columnNames {
			row[name] = values[i]
		}
		data = append(data, row)
	}
	return data, rows.Err()
}
