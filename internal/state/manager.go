package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/clickhouse"
	"github.com/comien/mssql-stream-bridge/internal/config"
	"github.com/comien/mssql-stream-bridge/internal/lsn"
)

type Manager struct {
	storage               StateStorage
	logger                *zap.Logger
	config                config.StateConfig
	currentCheckpoint     *Checkpoint
	mu                    sync.RWMutex
	lastSaveTime          time.Time
	eventsSinceCheckpoint int64
}

func NewManager(cfg config.StateConfig, clickhouseClient *clickhouse.Client, logger *zap.Logger) (*Manager, error) {
	var storage StateStorage

	switch cfg.Type {
	case "clickhouse":
		storage = NewClickHouseStorage(clickhouseClient, logger, cfg)
	default:
		return nil, fmt.Errorf("unsupported state storage type: %s", cfg.Type)
	}

	return &Manager{
		storage: storage,
		logger:  logger,
		config:  cfg,
	}, nil
}

func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.storage.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize state storage: %w", err)
	}

	checkpoint, err := m.storage.GetLatestCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("failed to get latest checkpoint: %w", err)
	}

	if checkpoint != nil {
		m.mu.Lock()
		m.currentCheckpoint = checkpoint
		m.mu.Unlock()

		m.logger.Info("Restored from checkpoint",
			zap.String("checkpoint_id", checkpoint.ID),
			zap.String("position", checkpoint.Position.String()),
			zap.Time("last_event_timestamp", checkpoint.LastEventTimestamp),
			zap.Time("created_at", checkpoint.CreatedAt))
	} else {
		m.logger.Info("No previous checkpoint found, starting fresh")
	}

	return nil
}

func (m *Manager) Close() error {
	return m.storage.Close()
}

func (m *Manager) GetLastPosition() *lsn.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.currentCheckpoint == nil {
		return nil
	}

	position := m.currentCheckpoint.Position
	return &position
}

func (m *Manager) ShouldCreateCheckpoint() bool {
	m.mu.RLock()
	timeSinceLastSave := time.Since(m.lastSaveTime)
	m.mu.RUnlock()

	eventsSinceCheckpoint := atomic.LoadInt64(&m.eventsSinceCheckpoint)
	return timeSinceLastSave >= m.config.CheckpointInterval || eventsSinceCheckpoint >= 1000
}

func (m *Manager) CreateCheckpoint(ctx context.Context, position lsn.Position, lastEventTimestamp time.Time) error {
	checkpointID := uuid.New().String()
	now := time.Now()

	checkpoint := &Checkpoint{
		ID:                 checkpointID,
		Position:           position,
		LastEventTimestamp: lastEventTimestamp,
		CreatedAt:          now,
	}

	if err := m.storage.SaveCheckpoint(ctx, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	m.mu.Lock()
	m.currentCheckpoint = checkpoint
	m.lastSaveTime = now
	m.mu.Unlock()

	atomic.StoreInt64(&m.eventsSinceCheckpoint, 0)

	m.logger.Info("Checkpoint created",
		zap.String("checkpoint_id", checkpointID),
		zap.String("position", position.String()),
		zap.Time("last_event_timestamp", lastEventTimestamp))

	return nil
}

func (m *Manager) IncrementEventCount() {
	atomic.AddInt64(&m.eventsSinceCheckpoint, 1)
}

func (m *Manager) GetCurrentCheckpoint() *Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.currentCheckpoint == nil {
		return nil
	}

	checkpoint := *m.currentCheckpoint
	return &checkpoint
}

func (m *Manager) ListRecentCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error) {
	return m.storage.ListCheckpoints(ctx, limit)
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.storage.HealthCheck(ctx)
}

// Snapshot-related methods

func (m *Manager) SaveSnapshotProgress(ctx context.Context, progress *SnapshotProgress) error {
	return m.storage.SaveSnapshotProgress(ctx, progress)
}

func (m *Manager) GetSnapshotProgress(ctx context.Context, id string) (*SnapshotProgress, error) {
	return m.storage.GetSnapshotProgress(ctx, id)
}

func (m *Manager) GetLatestSnapshotProgress(ctx context.Context) (*SnapshotProgress, error) {
	return m.storage.GetLatestSnapshotProgress(ctx)
}

func (m *Manager) ListSnapshotProgress(ctx context.Context, limit int) ([]*SnapshotProgress, error) {
	return m.storage.ListSnapshotProgress(ctx, limit)
}

func (m *Manager) UpdateSnapshotStatus(ctx context.Context, id string, status string, errorMsg string) error {
	return m.storage.UpdateSnapshotStatus(ctx, id, status, errorMsg)
}
