package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/config"
	"github.com/comien/mssql-stream-bridge/internal/lsn"
	"github.com/comien/mssql-stream-bridge/internal/metrics"
	"github.com/comien/mssql-stream-bridge/internal/security"
	"github.com/comien/mssql-stream-bridge/internal/state"
)

// Change table metadata columns emitted by fn_cdc_get_all_changes_<instance>.
const (
	opDelete       = 1
	opInsert       = 2
	opUpdateBefore = 3
	opUpdateAfter  = 4
)

// Flusher lets the change reader drain pending sink writes before a checkpoint
// is persisted, so a saved position never runs ahead of the sink.
type Flusher interface {
	FlushAndWaitForCompletion(ctx context.Context, timeout time.Duration) error
}

// CDC polls the change tables of every captured source table and turns the
// rows into ordered events. SQL Server has no push-based change feed, so the
// reader wakes up on a fixed interval, reads everything between the last
// confirmed position and sys.fn_cdc_get_max_lsn(), and advances.
type CDC struct {
	cfg           *config.SQLServerConfig
	cdcCfg        *config.CDCConfig
	logger        *zap.Logger
	connector     *Connector
	db            *sql.DB
	catalog       *Catalog
	tables        []common.TableInfo
	position      lsn.Position
	eventChan     chan *common.Event
	errorChan     chan error
	running       bool
	mu            sync.RWMutex
	wg            sync.WaitGroup
	tableFilter   *common.TableFilter
	stateManager  *state.Manager
	flusher       Flusher
	metrics       metrics.Metrics
	eventCount    uint64
	lastEventTime time.Time

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

func NewCDC(cfg *config.SQLServerConfig, cdcCfg *config.CDCConfig, stateManager *state.Manager, flusher Flusher, metricsManager metrics.Metrics, logger *zap.Logger) (*CDC, error) {
	tableFilter, err := common.NewTableFilter(cfg.TableFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to create table filter: %w", err)
	}

	cdc := &CDC{
		cfg:          cfg,
		cdcCfg:       cdcCfg,
		logger:       logger,
		connector:    New(cfg, logger),
		eventChan:    make(chan *common.Event, cdcCfg.EventChannelBuffer),
		errorChan:    make(chan error, 100),
		tableFilter:  tableFilter,
		stateManager: stateManager,
		flusher:      flusher,
		metrics:      metricsManager,
		shutdown:     make(chan struct{}),
	}

	return cdc, nil
}

func (c *CDC) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("CDC is already running")
	}

	db, err := c.connector.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to SQL Server: %w", err)
	}
	c.db = db
	c.catalog = NewCatalog(db, c.logger)

	if err := c.discoverTables(ctx); err != nil {
		db.Close()
		c.db = nil
		return err
	}

	if c.position.CommitLsn.IsZero() {
		if err := c.loadFromCheckpointLocked(ctx); err != nil {
			c.logger.Warn("Failed to load position from state storage, starting from current max LSN", zap.Error(err))

			pos, err := lsn.CurrentPosition(ctx, db)
			if err != nil {
				db.Close()
				c.db = nil
				return fmt.Errorf("failed to resolve current position: %w", err)
			}
			c.position = pos
		}
	}

	c.running = true

	c.wg.Add(1)
	go c.pollLoop(ctx)

	c.logger.Info("SQL Server CDC started",
		zap.String("position", c.position.String()),
		zap.Int("captured_tables", len(c.tables)),
		zap.Duration("poll_interval", c.cdcCfg.PollInterval))

	return nil
}

func (c *CDC) Stop() error {
	c.mu.Lock()

	if !c.running {
		c.mu.Unlock()
		return nil
	}

	c.running = false

	c.shutdownOnce.Do(func() {
		close(c.shutdown)
	})

	c.mu.Unlock()

	c.logger.Info("Waiting for SQL Server CDC goroutines to stop...")
	c.wg.Wait()

	if c.db != nil {
		c.db.Close()
	}

	c.logger.Info("SQL Server CDC stopped")
	return nil
}

func (c *CDC) EventChan() <-chan *common.Event {
	return c.eventChan
}

func (c *CDC) ErrorChan() <-chan error {
	return c.errorChan
}

func (c *CDC) GetPosition() lsn.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position
}

func (c *CDC) SetPosition(pos lsn.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = pos
}

func (c *CDC) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// discoverTables resolves the filtered set of capture instances up front.
// REQUIRES: c.mu must be held by the caller.
func (c *CDC) discoverTables(ctx context.Context) error {
	captured, err := c.catalog.ListCapturedTables(ctx)
	if err != nil {
		return err
	}

	c.tables = c.tables[:0]
	for _, t := range captured {
		if !c.tableFilter.ShouldProcessTable(t.ID.Schema, t.ID.Name) {
			continue
		}
		if err := security.ValidateIdentifier(t.CaptureName, "capture instance"); err != nil {
			return fmt.Errorf("refusing capture instance %q: %w", t.CaptureName, err)
		}
		c.tables = append(c.tables, t)
	}

	if len(c.tables) == 0 {
		c.logger.Warn("No captured tables match the configured filter")
	}
	return nil
}

// loadFromCheckpointLocked restores the position from checkpoint storage.
// REQUIRES: c.mu must be held by the caller.
func (c *CDC) loadFromCheckpointLocked(ctx context.Context) error {
	if c.stateManager == nil {
		return fmt.Errorf("state manager not available")
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled during checkpoint load: %w", ctx.Err())
	default:
	}

	lastPosition := c.stateManager.GetLastPosition()
	if lastPosition == nil {
		return fmt.Errorf("no checkpoint found")
	}

	c.position = *lastPosition

	if checkpoint := c.stateManager.GetCurrentCheckpoint(); checkpoint != nil {
		c.lastEventTime = checkpoint.LastEventTimestamp
	}

	c.logger.Info("Loaded position from checkpoint",
		zap.String("position", c.position.String()))

	return nil
}

func (c *CDC) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in change polling", zap.Any("panic", r))
			c.safeErrorSend(fmt.Errorf("panic in change polling: %v", r))
		}
	}()

	// Close channels when this goroutine exits (last writer)
	defer func() {
		c.mu.Lock()
		if c.eventChan != nil {
			close(c.eventChan)
			c.eventChan = nil
		}
		if c.errorChan != nil {
			close(c.errorChan)
			c.errorChan = nil
		}
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.cdcCfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping change polling")
			return
		case <-c.shutdown:
			c.logger.Info("Shutdown signal received, stopping change polling")
			return
		case <-ticker.C:
		}

		start := time.Now()
		err := c.pollOnce(ctx)
		c.observePoll(start)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Change polling iteration failed", zap.Error(err))
			c.safeErrorSend(err)
		}
	}
}

// pollOnce reads all change rows between the last confirmed position and the
// database's current max LSN, emits them in order, and advances the position.
func (c *CDC) pollOnce(ctx context.Context) error {
	maxPos, err := lsn.CurrentPosition(ctx, c.db)
	if err != nil {
		return err
	}

	c.mu.RLock()
	fromPos := c.position
	c.mu.RUnlock()

	if maxPos.CommitLsn.Compare(fromPos.CommitLsn) <= 0 {
		return nil
	}

	// The last confirmed commit LSN has already been consumed; resume from
	// the next LSN after it.
	fromLsn, err := c.incrementLsn(ctx, fromPos.CommitLsn)
	if err != nil {
		return err
	}

	// max_batch_size caps the rows one table may emit per cycle. A truncated
	// table lowers the cycle's confirmed position to its last fully emitted
	// commit; rows other tables emitted past that point are re-read next cycle
	// and collapse in the sink.
	endLsn := maxPos.CommitLsn
	var sent int
	for _, table := range c.tables {
		n, lastCommit, truncated, err := c.readTableChanges(ctx, table, fromLsn, maxPos.CommitLsn, c.cdcCfg.MaxBatchSize)
		if err != nil {
			return fmt.Errorf("failed to read changes for %s: %w", table.ID, err)
		}
		sent += n
		if truncated && lastCommit.Compare(endLsn) < 0 {
			endLsn = lastCommit
		}
		select {
		case <-c.shutdown:
			return nil
		default:
		}
	}

	c.mu.Lock()
	c.position = lsn.Position{CommitLsn: endLsn, ChangeLsn: endLsn}
	c.mu.Unlock()

	if sent > 0 {
		c.tryCreateCheckpoint(ctx)
	}
	return nil
}

// observePoll records one completed poll cycle.
func (c *CDC) observePoll(start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.IncPollCycles()
	c.metrics.ObservePollDuration(time.Since(start))
}

func (c *CDC) incrementLsn(ctx context.Context, v lsn.Lsn) (lsn.Lsn, error) {
	var raw []byte
	row := c.db.QueryRowContext(ctx, "SELECT sys.fn_cdc_increment_lsn(@p1)", v.Bytes())
	if err := row.Scan(&raw); err != nil {
		return lsn.Lsn{}, fmt.Errorf("failed to increment LSN: %w", err)
	}
	return lsn.FromBytes(raw)
}

// readTableChanges reads one table's change rows in (from, to] and emits them
// in order. limit caps the rows emitted per cycle; the cut happens only
// between commits, and the last fully emitted commit LSN is returned so the
// caller can confirm no further than that.
func (c *CDC) readTableChanges(ctx context.Context, table common.TableInfo, from, to lsn.Lsn, limit int) (int, lsn.Lsn, bool, error) {
	// Capture instance names are validated at discovery time; they cannot be
	// passed as statement parameters because they are part of the function name.
	query := fmt.Sprintf(
		"SELECT __$start_lsn, __$seqval, __$operation, * FROM cdc.fn_cdc_get_all_changes_%s(@p1, @p2, N'all update old') ORDER BY __$start_lsn ASC, __$seqval ASC, __$operation ASC",
		table.CaptureName)

	rows, err := c.db.QueryContext(ctx, query, from.Bytes(), to.Bytes())
	if err != nil {
		return 0, lsn.Lsn{}, false, err
	}
	defer rows.Close()

	columnNames, err := rows.Columns()
	if err != nil {
		return 0, lsn.Lsn{}, false, err
	}

	var (
		sent       int
		lastCommit lsn.Lsn
		pending    *common.Event // update-before row waiting for its after image
	)
	for rows.Next() {
		values := make([]interface{}, len(columnNames))
		ptrs := make([]interface{}, len(columnNames))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return sent, lastCommit, false, err
		}

		event, op, err := c.convertChangeRow(table, columnNames, values)
		if err != nil {
			return sent, lastCommit, false, err
		}

		if batchLimitReached(sent, limit, event.Position.CommitLsn, lastCommit) {
			c.logger.Debug("Poll batch limit reached, deferring remaining changes",
				zap.String("table", table.ID.String()),
				zap.Int("sent", sent),
				zap.String("last_commit", lastCommit.String()))
			return sent, lastCommit, true, nil
		}

		switch op {
		case opUpdateBefore:
			pending = event
			continue
		case opUpdateAfter:
			if pending != nil && pending.Position.Compare(event.Position) == 0 {
				event.OldData = pending.Data
			}
			pending = nil
		default:
			pending = nil
		}

		if !c.safeSendEvent(event) {
			return sent, lastCommit, false, nil
		}
		sent++
		lastCommit = event.Position.CommitLsn

		atomic.AddUint64(&c.eventCount, 1)
		c.mu.Lock()
		c.lastEventTime = event.Timestamp
		c.mu.Unlock()
		if c.stateManager != nil {
			c.stateManager.IncrementEventCount()
		}
	}
	return sent, lastCommit, false, rows.Err()
}

// batchLimitReached reports whether a poll batch should be cut before the
// given event. A batch is only cut at a commit boundary, never inside a
// commit, so resuming after the last emitted commit skips nothing.
func batchLimitReached(sent, limit int, eventCommit, lastEmitted lsn.Lsn) bool {
	if limit <= 0 || sent < limit {
		return false
	}
	return eventCommit.Compare(lastEmitted) != 0
}

// convertChangeRow maps one change table row to an event. The first three
// columns are the metadata columns selected explicitly; everything after the
// duplicated metadata prefix produced by SELECT * is source column data.
func (c *CDC) convertChangeRow(table common.TableInfo, columnNames []string, values []interface{}) (*common.Event, int, error) {
	var (
		commitRaw []byte
		seqRaw    []byte
		operation int
	)

	data := make(map[string]interface{})
	for i, name := range columnNames {
		switch {
		case i == 0 && name == "__$start_lsn":
			commitRaw, _ = values[i].([]byte)
		case i == 1 && name == "__$seqval":
			seqRaw, _ = values[i].([]byte)
		case i == 2 && name == "__$operation":
			operation = int(asInt64(values[i]))
		case strings.HasPrefix(name, "__$"):
			// Duplicated metadata from the trailing SELECT *.
		default:
			data[name] = normalizeValue(values[i])
		}
	}

	commitLsn, err := lsn.FromBytes(commitRaw)
	if err != nil {
		return nil, 0, fmt.Errorf("bad __$start_lsn for %s: %w", table.ID, err)
	}
	changeLsn, err := lsn.FromBytes(seqRaw)
	if err != nil {
		return nil, 0, fmt.Errorf("bad __$seqval for %s: %w", table.ID, err)
	}

	var eventType common.EventType
	switch operation {
	case opDelete:
		eventType = common.EventTypeDelete
	case opInsert:
		eventType = common.EventTypeInsert
	case opUpdateBefore, opUpdateAfter:
		eventType = common.EventTypeUpdate
	default:
		return nil, 0, fmt.Errorf("unknown change operation %d for %s", operation, table.ID)
	}

	event := &common.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Schema:    table.ID.Schema,
		Table:     table.ID.Name,
		Timestamp: time.Now().UTC(),
		Position: lsn.Position{
			CommitLsn: commitLsn,
			ChangeLsn: changeLsn,
		},
		Data: data,
	}
	return event, operation, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// normalizeValue converts driver-specific scan results into sink-friendly
// values. []byte stays []byte so binary columns survive untouched.
func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	default:
		return v
	}
}

func (c *CDC) tryCreateCheckpoint(ctx context.Context) {
	if c.stateManager == nil {
		return
	}

	if !c.stateManager.ShouldCreateCheckpoint() {
		return
	}

	// Checkpoints are only saved after the sink has the data, otherwise a
	// crash between save and flush would skip events on restart.
	if c.flusher != nil {
		flushTimeout := 30 * time.Second
		if err := c.flusher.FlushAndWaitForCompletion(ctx, flushTimeout); err != nil {
			c.logger.Warn("Skipping checkpoint creation: failed to flush pending events",
				zap.Error(err),
				zap.Duration("timeout", flushTimeout))
			return
		}
	}

	c.mu.RLock()
	position := c.position
	lastEventTime := c.lastEventTime
	c.mu.RUnlock()

	if err := c.stateManager.CreateCheckpoint(ctx, position, lastEventTime); err != nil {
		c.logger.Error("Failed to create checkpoint", zap.Error(err))
		c.safeErrorSend(err)
		return
	}

	c.logger.Debug("Checkpoint created", zap.String("position", position.String()))
}

// safeSendEvent blocks until the event is sent or shutdown begins, applying
// backpressure to the poller rather than dropping data.
func (c *CDC) safeSendEvent(event *common.Event) bool {
	c.mu.RLock()
	if c.eventChan == nil {
		c.mu.RUnlock()
		return false
	}
	ch := c.eventChan
	c.mu.RUnlock()

	select {
	case <-c.shutdown:
		return false
	case ch <- event:
		return true
	}
}

func (c *CDC) safeErrorSend(err error) {
	c.mu.RLock()
	if c.errorChan == nil {
		c.mu.RUnlock()
		c.logger.Debug("Error channel closed, logging error instead", zap.Error(err))
		return
	}
	ch := c.errorChan
	c.mu.RUnlock()

	select {
	case <-c.shutdown:
		c.logger.Debug("Error during shutdown", zap.Error(err))
	case ch <- err:
	default:
		c.logger.Error("Error channel full, dropping error", zap.Error(err))
	}
}

func (c *CDC) EventCount() uint64 {
	return atomic.LoadUint64(&c.eventCount)
}

func (c *CDC) LastEventTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEventTime
}
