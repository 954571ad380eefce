package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/clickhouse"
	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/config"
	"github.com/comien/mssql-stream-bridge/internal/metrics"
)

// Processor batches change events per table and writes them to ClickHouse
// through a pool of workers. Writes are idempotent: every row carries a
// version, so a batch replayed after a crash collapses in the sink.
type Processor struct {
	cfg            *config.PipelineConfig
	logger         *zap.Logger
	chClient       *clickhouse.Client
	eventChan      chan *common.Event
	errorChan      chan error
	workers        []*worker
	batcher        *batcher
	running        bool
	mu             sync.RWMutex
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	metrics        *processorMetrics
	metricsManager metrics.Metrics

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

type worker struct {
	id        int
	processor *Processor
	batchChan chan []*common.Event
}

type batcher struct {
	processor *Processor
	buffer    map[string][]*common.Event
	lastFlush time.Time
	mu        sync.Mutex
	// Outstanding batches; FlushAndWaitForCompletion blocks on this.
	activeBatches sync.WaitGroup
	// Batches that could not reach a worker, retried with backoff.
	failedQueue   []*failedBatch
	failedQueueMu sync.Mutex
	// Round-robin worker selection.
	nextWorkerIndex uint64
}

// failedBatch is a batch that could not be handed to any worker.
type failedBatch struct {
	key         string
	events      []*common.Event
	failedAt    time.Time
	retryCount  int
	nextRetryAt time.Time
	// pendingDone is true while activeBatches still counts this batch.
	pendingDone bool
}

type processorMetrics struct {
	eventsProcessed   uint64
	eventsSuccessful  uint64
	eventsFailed      uint64
	batchesProcessed  uint64
	lastProcessedTime time.Time
	startTime         time.Time
	processingRate    float64
	mu                sync.RWMutex
}

func NewProcessor(cfg *config.PipelineConfig, chClient *clickhouse.Client, metricsManager metrics.Metrics, logger *zap.Logger) *Processor {
	ctx, cancel := context.WithCancel(context.Background())

	return &Processor{
		cfg:            cfg,
		logger:         logger,
		chClient:       chClient,
		eventChan:      make(chan *common.Event, cfg.BufferSize),
		errorChan:      make(chan error, 1000),
		ctx:            ctx,
		cancel:         cancel,
		metrics:        &processorMetrics{startTime: time.Now()},
		metricsManager: metricsManager,
		shutdown:       make(chan struct{}),
	}
}

func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("processor is already running")
	}

	p.batcher = &batcher{
		processor:   p,
		buffer:      make(map[string][]*common.Event),
		lastFlush:   time.Now(),
		failedQueue: make([]*failedBatch, 0),
	}

	p.workers = make([]*worker, p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.workers[i] = &worker{
			id:        i,
			processor: p,
			batchChan: make(chan []*common.Event, p.cfg.WorkerChannelBufferSize),
		}
	}

	for _, worker := range p.workers {
		p.wg.Add(1)
		go worker.run(p.ctx)
	}

	p.wg.Add(1)
	go p.batcher.run(p.ctx)

	p.wg.Add(1)
	go p.processEvents(p.ctx)

	p.running = true
	p.logger.Info("Event processor started",
		zap.Int("worker_count", p.cfg.WorkerCount),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Duration("batch_timeout", p.cfg.BatchTimeout))

	return nil
}

func (p *Processor) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}

	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})

	p.cancel()

	p.wg.Wait()

	// No active writers remain once the WaitGroup drains.
	if p.eventChan != nil {
		close(p.eventChan)
		p.eventChan = nil
	}
	if p.errorChan != nil {
		close(p.errorChan)
		p.errorChan = nil
	}

	p.running = false
	p.logger.Info("Event processor stopped")
	return nil
}

func (p *Processor) EventChan() chan<- *common.Event {
	return p.eventChan
}

func (p *Processor) EventChanCapacity() int {
	return cap(p.eventChan)
}

func (p *Processor) ErrorChan() <-chan error {
	return p.errorChan
}

func (p *Processor) GetMetrics() common.Metrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	eventsProcessed := atomic.LoadUint64(&p.metrics.eventsProcessed)
	eventsSuccessful := atomic.LoadUint64(&p.metrics.eventsSuccessful)
	eventsFailed := atomic.LoadUint64(&p.metrics.eventsFailed)
	processingRate := p.metrics.processingRate
	lastEventTime := p.metrics.lastProcessedTime

	return common.Metrics{
		EventsProcessed:  int64(eventsProcessed),
		EventsSuccessful: int64(eventsSuccessful),
		EventsFailed:     int64(eventsFailed),
		ProcessingRate:   processingRate,
		LastEventTime:    lastEventTime,
		QueueLength:      len(p.eventChan),
	}
}

func (p *Processor) GetWorkerQueueLengths() []int {
	lengths := make([]int, len(p.workers))
	for i, worker := range p.workers {
		lengths[i] = len(worker.batchChan)
	}
	return lengths
}

func (p *Processor) GetBatcherBufferSize() int {
	p.batcher.mu.Lock()
	defer p.batcher.mu.Unlock()

	totalEvents := 0
	for _, events := range p.batcher.buffer {
		totalEvents += len(events)
	}
	return totalEvents
}

func (p *Processor) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Processor) processEvents(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Panic in event processing", zap.Any("panic", r))
			p.safeSendError(fmt.Errorf("panic in event processing: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Event processing stopped due to context cancellation")
			return
		case <-p.shutdown:
			p.logger.Info("Event processing stopped due to shutdown signal")
			return
		case event := <-p.eventChan:
			if event == nil {
				continue
			}

			p.updateMetrics(event)
			p.batcher.addEvent(event)
		}
	}
}

func (p *Processor) updateMetrics(_ *common.Event) {
	eventsProcessed := atomic.AddUint64(&p.metrics.eventsProcessed, 1)

	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()

	p.metrics.lastProcessedTime = time.Now()

	elapsed := p.metrics.lastProcessedTime.Sub(p.metrics.startTime)
	if elapsed > 0 && eventsProcessed > 0 {
		p.metrics.processingRate = float64(eventsProcessed) / elapsed.Seconds()
	}
}

func (b *batcher) run(ctx context.Context) {
	defer b.processor.wg.Done()

	ticker := time.NewTicker(b.processor.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flushAll()
			b.processFailedBatchesDuringShutdown()
			return
		case <-ticker.C:
			b.processFailedBatches()
			b.flushExpired()
		}
	}
}

// processFailedBatchesDuringShutdown drains the retry queue during shutdown,
// bounded by a timeout so shutdown cannot hang on a dead sink.
func (b *batcher) processFailedBatchesDuringShutdown() {
	shutdownTimeout := 30 * time.Second
	deadline := time.Now().Add(shutdownTimeout)

	b.processor.logger.Info("Processing failed batches during shutdown",
		zap.Int("queue_length", b.getFailedQueueLength()),
		zap.Duration("timeout", shutdownTimeout))

	for time.Now().Before(deadline) {
		queueLength := b.getFailedQueueLength()
		if queueLength == 0 {
			b.processor.logger.Info("All failed batches processed during shutdown")
			return
		}

		b.processor.logger.Debug("Retrying failed batches during shutdown",
			zap.Int("remaining", queueLength))

		b.processFailedBatches()

		time.Sleep(100 * time.Millisecond)
	}

	remaining := b.getFailedQueueLength()
	if remaining > 0 {
		b.processor.logger.Warn("Shutdown timeout reached with unprocessed failed batches",
			zap.Int("remaining_batches", remaining),
			zap.Duration("timeout", shutdownTimeout))

		b.failedQueueMu.Lock()
		totalEvents := 0
		for _, batch := range b.failedQueue {
			totalEvents += len(batch.events)
		}
		b.failedQueueMu.Unlock()

		atomic.AddUint64(&b.processor.metrics.eventsFailed, uint64(totalEvents))

		b.processor.logger.Error("Failed events lost during shutdown",
			zap.Int("total_events", totalEvents),
			zap.Int("batches", remaining))
	}
}

func (b *batcher) getFailedQueueLength() int {
	b.failedQueueMu.Lock()
	defer b.failedQueueMu.Unlock()
	return len(b.failedQueue)
}

func (b *batcher) addEvent(event *common.Event) {
	start := time.Now()
	key := fmt.Sprintf("%s.%s", event.Schema, event.Table)

	var shouldFlush bool
	var batchSize int

	b.mu.Lock()
	b.buffer[key] = append(b.buffer[key], event)
	batchSize = len(b.buffer[key])
	shouldFlush = batchSize >= b.processor.cfg.BatchSize
	b.mu.Unlock()

	// Flush outside the append critical section to reduce contention.
	if shouldFlush {
		flushStart := time.Now()
		b.processor.logger.Debug("Flushing batch due to size limit",
			zap.String("table", key),
			zap.Int("batch_size", batchSize))

		b.mu.Lock()
		b.flushKeyLocked(key)
		b.mu.Unlock()

		flushDuration := time.Since(flushStart)
		if b.processor.metricsManager != nil {
			b.processor.metricsManager.ObserveBatcherOperation("flush", flushDuration)
		}
		if flushDuration > 100*time.Millisecond {
			b.processor.logger.Warn("Slow batch flush operation",
				zap.String("table", key),
				zap.Duration("duration", flushDuration))
		}
	}

	addDuration := time.Since(start)
	if b.processor.metricsManager != nil {
		b.processor.metricsManager.ObserveBatcherOperation("add_event", addDuration)
	}
	if addDuration > 10*time.Millisecond {
		b.processor.logger.Warn("Slow batcher addEvent operation",
			zap.String("table", key),
			zap.Duration("duration", addDuration),
			zap.Int("buffer_size", batchSize))
	}
}

func (b *batcher) flushExpired() {
	start := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Since(b.lastFlush) >= b.processor.cfg.BatchTimeout {
		b.processor.logger.Debug("Flushing expired batches",
			zap.Duration("time_since_last_flush", time.Since(b.lastFlush)))
		b.flushAllLocked()
		flushDuration := time.Since(start)
		if b.processor.metricsManager != nil {
			b.processor.metricsManager.ObserveBatcherOperation("flush_expired", flushDuration)
		}
		if flushDuration > 500*time.Millisecond {
			b.processor.logger.Warn("Slow batch flush_expired operation",
				zap.Duration("duration", flushDuration))
		}
	}
}

func (b *batcher) flushAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushAllLocked()
}

func (b *batcher) flushAllLocked() {
	for key := range b.buffer {
		b.flushKeyLocked(key)
	}
	b.lastFlush = time.Now()
}

func (b *batcher) flushKeyLocked(key string) {
	events := b.buffer[key]
	if len(events) == 0 {
		return
	}

	b.activeBatches.Add(1)

	eventsCopy := make([]*common.Event, len(events))
	copy(eventsCopy, events)

	delete(b.buffer, key)

	workerIndex := int(atomic.AddUint64(&b.nextWorkerIndex, 1) % uint64(len(b.processor.workers)))

	timeoutDuration := b.processor.cfg.WorkerChannelTimeout
	if timeoutDuration <= 0 {
		timeoutDuration = 30 * time.Second
	}
	timeout := time.NewTimer(timeoutDuration)
	defer timeout.Stop()

	select {
	case b.processor.workers[workerIndex].batchChan <- eventsCopy:
	case <-b.processor.ctx.Done():
		// Keep the batch counted in activeBatches until the retry resolves,
		// otherwise a checkpoint could complete before the batch is written.
		if len(eventsCopy) > 0 {
			b.enqueueFailedBatch(key, eventsCopy, 0, true)
			b.processor.logger.Info("Batch enqueued for retry due to context cancellation",
				zap.String("table", key),
				zap.Int("event_count", len(eventsCopy)))
		} else {
			b.activeBatches.Done()
		}
	case <-timeout.C:
		b.processor.logger.Warn("Worker channel blocked, attempting alternative distribution",
			zap.String("table", key),
			zap.Int("event_count", len(eventsCopy)),
			zap.Int("blocked_worker", workerIndex))

		if !b.tryAlternativeWorkerDistribution(eventsCopy, key, workerIndex) {
			// Same activeBatches invariant as above: Done() runs when the
			// retry succeeds or the batch fails permanently, never before.
			b.enqueueFailedBatch(key, eventsCopy, 0, true)

			b.processor.logger.Error("All workers blocked, batch enqueued for retry",
				zap.String("table", key),
				zap.Int("event_count", len(eventsCopy)))
		}
	}
}

// tryAlternativeWorkerDistribution offers the batch to every other worker
// without blocking.
func (b *batcher) tryAlternativeWorkerDistribution(events []*common.Event, key string, blockedWorkerIndex int) bool {
	for i := 0; i < len(b.processor.workers); i++ {
		if i == blockedWorkerIndex {
			continue
		}

		select {
		case b.processor.workers[i].batchChan <- events:
			b.processor.logger.Debug("Successfully redistributed batch to alternative worker",
				zap.String("table", key),
				zap.Int("event_count", len(events)),
				zap.Int("original_worker", blockedWorkerIndex),
				zap.Int("alternative_worker", i))
			return true
		default:
			continue
		}
	}

	return false
}

// enqueueFailedBatch adds a failed batch to the retry queue with exponential
// backoff. If pendingDone is true, activeBatches.Done() has not been called
// yet and must run when the batch resolves.
func (b *batcher) enqueueFailedBatch(key string, events []*common.Event, retryCount int, pendingDone bool) {
	b.failedQueueMu.Lock()
	defer b.failedQueueMu.Unlock()

	now := time.Now()

	baseDelay := time.Second
	maxDelay := 30 * time.Second
	retryDelay := time.Duration(1<<uint(retryCount)) * baseDelay
	if retryDelay > maxDelay {
		retryDelay = maxDelay
	}

	failedBatch := &failedBatch{
		key:         key,
		events:      events,
		failedAt:    now,
		retryCount:  retryCount,
		nextRetryAt: now.Add(retryDelay),
		pendingDone: pendingDone,
	}

	b.failedQueue = append(b.failedQueue, failedBatch)

	b.processor.logger.Info("Batch enqueued for retry",
		zap.String("table", key),
		zap.Int("event_count", len(events)),
		zap.Int("retry_count", retryCount),
		zap.Duration("retry_delay", retryDelay))
}

func (b *batcher) processFailedBatches() {
	b.failedQueueMu.Lock()
	defer b.failedQueueMu.Unlock()

	if len(b.failedQueue) == 0 {
		return
	}

	now := time.Now()
	remaining := make([]*failedBatch, 0, len(b.failedQueue))

	for _, batch := range b.failedQueue {
		if now.Before(batch.nextRetryAt) {
			remaining = append(remaining, batch)
			continue
		}

		// Pending batches are already counted; everything else must be counted
		// before a worker can receive it, or the worker's Done() could race
		// ahead of the Add.
		if !batch.pendingDone {
			b.activeBatches.Add(1)
		}

		sent := false
		for i := 0; i < len(b.processor.workers); i++ {
			select {
			case b.processor.workers[i].batchChan <- batch.events:
				b.processor.logger.Info("Successfully retried failed batch",
					zap.String("table", batch.key),
					zap.Int("event_count", len(batch.events)),
					zap.Int("retry_count", batch.retryCount),
					zap.Int("worker", i))
				sent = true
			default:
				continue
			}
			if sent {
				break
			}
		}

		if !sent {
			if !batch.pendingDone {
				b.activeBatches.Done()
			}
			const maxRetries = 10
			if batch.retryCount < maxRetries {
				batch.retryCount++

				baseDelay := time.Second
				maxDelay := 30 * time.Second
				retryDelay := time.Duration(1<<uint(batch.retryCount)) * baseDelay
				if retryDelay > maxDelay {
					retryDelay = maxDelay
				}
				batch.nextRetryAt = now.Add(retryDelay)

				remaining = append(remaining, batch)

				b.processor.logger.Warn("Failed to retry batch, will retry again",
					zap.String("table", batch.key),
					zap.Int("event_count", len(batch.events)),
					zap.Int("retry_count", batch.retryCount),
					zap.Duration("next_retry_in", retryDelay))
			} else {
				atomic.AddUint64(&b.processor.metrics.eventsFailed, uint64(len(batch.events)))

				if batch.pendingDone {
					b.activeBatches.Done()
				}

				b.processor.logger.Error("Batch failed permanently after max retries",
					zap.String("table", batch.key),
					zap.Int("event_count", len(batch.events)),
					zap.Int("max_retries", maxRetries))
			}
		}
	}

	b.failedQueue = remaining
}

func (w *worker) run(ctx context.Context) {
	defer w.processor.wg.Done()

	w.processor.logger.Info("Worker started", zap.Int("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.processor.logger.Info("Worker stopped", zap.Int("worker_id", w.id))
			return
		case batch := <-w.batchChan:
			if len(batch) == 0 {
				continue
			}
			w.processBatch(ctx, batch)
		}
	}
}

func (w *worker) processBatch(ctx context.Context, events []*common.Event) {
	defer w.processor.batcher.activeBatches.Done()

	if len(events) == 0 {
		return
	}

	start := time.Now()
	defer func() {
		duration := time.Since(start)
		w.processor.logger.Debug("Batch processed",
			zap.Int("worker_id", w.id),
			zap.Int("event_count", len(events)),
			zap.Duration("duration", duration))
	}()

	groupedEvents := w.groupEventsByTypeAndTable(events)

	for key, typeEvents := range groupedEvents {
		for eventType, eventList := range typeEvents {
			if err := w.processEventGroup(ctx, key, eventType, eventList); err != nil {
				w.processor.logger.Error("Failed to process event group",
					zap.String("table", key),
					zap.String("event_type", string(eventType)),
					zap.Int("event_count", len(eventList)),
					zap.Error(err))

				atomic.AddUint64(&w.processor.metrics.eventsFailed, uint64(len(eventList)))

				select {
				case w.processor.errorChan <- err:
				default:
				}
			} else {
				atomic.AddUint64(&w.processor.metrics.eventsSuccessful, uint64(len(eventList)))
				atomic.AddUint64(&w.processor.metrics.batchesProcessed, 1)
			}
		}
	}
}

func (w *worker) groupEventsByTypeAndTable(events []*common.Event) map[string]map[common.EventType][]*common.Event {
	grouped := make(map[string]map[common.EventType][]*common.Event)

	for _, event := range events {
		key := fmt.Sprintf("%s.%s", event.Schema, event.Table)

		if grouped[key] == nil {
			grouped[key] = make(map[common.EventType][]*common.Event)
		}

		grouped[key][event.Type] = append(grouped[key][event.Type], event)
	}

	return grouped
}

func (w *worker) processEventGroup(ctx context.Context, tableKey string, eventType common.EventType, events []*common.Event) error {
	if len(events) == 0 {
		return nil
	}

	table := events[0].Table

	var err error
	for attempt := 1; attempt <= w.processor.cfg.MaxRetries; attempt++ {
		switch eventType {
		case common.EventTypeInsert:
			start := time.Now()
			err = w.processor.chClient.Insert(ctx, table, events)
			if w.processor.metricsManager != nil {
				w.processor.metricsManager.ObserveClickHouseOperation("insert", time.Since(start))
			}
		case common.EventTypeUpdate:
			err = w.processUpdates(ctx, table, events)
		case common.EventTypeDelete:
			err = w.processDeletes(ctx, table, events)
		default:
			return fmt.Errorf("unsupported event type: %s", eventType)
		}

		if err == nil {
			return nil
		}

		if isUnknownTableErr(err) {
			// There is no sink table to write to; retrying cannot help.
			w.processor.logger.Warn("Dropping events for unknown sink table",
				zap.String("table", tableKey),
				zap.Int("event_count", len(events)),
				zap.Error(err))
			if w.processor.metricsManager != nil {
				w.processor.metricsManager.IncEventsSkippedUnknownTable(events[0].Schema, events[0].Table)
			}
			return nil
		}

		if attempt < w.processor.cfg.MaxRetries {
			retryDelay := w.calculateRetryDelay(attempt, w.processor.cfg.RetryDelay)
			w.processor.logger.Warn("Retrying failed operation",
				zap.String("table", tableKey),
				zap.String("event_type", string(eventType)),
				zap.Int("attempt", attempt),
				zap.Duration("retry_delay", retryDelay),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", w.processor.cfg.MaxRetries, err)
}

func (w *worker) processUpdates(ctx context.Context, table string, events []*common.Event) error {
	start := time.Now()
	err := w.processor.chClient.UpdateBatch(ctx, table, events)
	if w.processor.metricsManager != nil {
		w.processor.metricsManager.ObserveClickHouseOperation("update", time.Since(start))
	}
	return err
}

func (w *worker) processDeletes(ctx context.Context, table string, events []*common.Event) error {
	start := time.Now()
	err := w.processor.chClient.DeleteBatch(ctx, table, events)
	if w.processor.metricsManager != nil {
		w.processor.metricsManager.ObserveClickHouseOperation("delete", time.Since(start))
	}
	return err
}

// isUnknownTableErr reports whether the write failed because the target table
// does not exist in the sink.
func isUnknownTableErr(err error) bool {
	var unknownTable *clickhouse.UnknownTableError
	return errors.As(err, &unknownTable)
}

// calculateRetryDelay grows the delay linearly with the attempt count,
// guarding against overflow and capping at five minutes.
func (w *worker) calculateRetryDelay(attempt int, baseDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	const maxRetryDelay = 5 * time.Minute

	attemptInt64 := int64(attempt)
	baseDelayNanos := int64(baseDelay)

	if attemptInt64 > int64(maxRetryDelay)/baseDelayNanos {
		return maxRetryDelay
	}

	calculatedDelay := time.Duration(attemptInt64 * baseDelayNanos)

	if calculatedDelay > maxRetryDelay {
		return maxRetryDelay
	}

	return calculatedDelay
}

// FlushAndWaitForCompletion flushes all pending events and waits until every
// outstanding batch has been written. Checkpoints must not be persisted while
// batches are in flight.
func (p *Processor) FlushAndWaitForCompletion(ctx context.Context, timeout time.Duration) error {
	if !p.IsRunning() {
		return fmt.Errorf("processor is not running")
	}

	p.logger.Info("Starting flush and wait for completion", zap.Duration("timeout", timeout))
	start := time.Now()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.logger.Debug("Flushing all pending batches")
	p.batcher.flushAll()

	p.logger.Debug("Waiting for all active batches to complete")
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.batcher.activeBatches.Wait()
	}()

	select {
	case <-done:
		elapsed := time.Since(start)
		p.logger.Info("Flush and wait completed successfully",
			zap.Duration("elapsed", elapsed))
		return nil
	case <-timeoutCtx.Done():
		elapsed := time.Since(start)
		return fmt.Errorf("timeout waiting for events to flush after %v (elapsed: %v)", timeout, elapsed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// safeSendError sends an error to errorChan without blocking.
func (p *Processor) safeSendError(err error) {
	select {
	case <-p.shutdown:
		p.logger.Debug("Error during shutdown", zap.Error(err))
	case p.errorChan <- err:
	default:
		p.logger.Error("Error channel full, dropping error", zap.Error(err))
	}
}
