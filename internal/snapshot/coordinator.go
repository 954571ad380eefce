package snapshot

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/config"
	"github.com/comien/mssql-stream-bridge/internal/lsn"
	"github.com/comien/mssql-stream-bridge/internal/sqlserver"
)

// IsolationStrategy is the isolation level chunk reads run under.
type IsolationStrategy int

const (
	IsolationStrategySnapshot IsolationStrategy = iota
	IsolationStrategyReadCommitted
)

// Coordinator brackets the snapshot against the change stream. It resolves the
// low watermark before any chunk is read and the high watermark after the last
// chunk, and decides which isolation level the chunk sessions use.
type Coordinator struct {
	cfg         *config.SQLServerConfig
	snapshotCfg *config.SnapshotConfig
	logger      *zap.Logger
	connector   *sqlserver.Connector
	db          *sql.DB
	isolation   IsolationStrategy
}

func NewCoordinator(cfg *config.SQLServerConfig, snapshotCfg *config.SnapshotConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		snapshotCfg: snapshotCfg,
		logger:      logger,
		connector:   sqlserver.New(cfg, logger),
	}
}

func (c *Coordinator) Start(ctx context.Context) error {
	db, err := c.connector.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to SQL Server: %w", err)
	}
	c.db = db

	if err := c.detectIsolationStrategy(ctx); err != nil {
		db.Close()
		c.db = nil
		return fmt.Errorf("failed to determine isolation strategy: %w", err)
	}

	c.logger.Info("Consistency coordinator started",
		zap.String("isolation", c.getIsolationName()))
	return nil
}

func (c *Coordinator) Stop() error {
	if c.db != nil {
		c.db.Close()
	}
	c.logger.Info("Consistency coordinator stopped")
	return nil
}

func (c *Coordinator) detectIsolationStrategy(ctx context.Context) error {
	switch c.snapshotCfg.Isolation {
	case config.IsolationReadCommitted:
		c.logger.Warn("Using read_committed isolation - chunk reads may observe writes that started after the low watermark")
		c.isolation = IsolationStrategyReadCommitted
		return nil
	case config.IsolationSnapshot, "":
		supported, err := c.supportsSnapshotIsolation(ctx)
		if err != nil {
			return err
		}
		if !supported {
			c.logger.Warn("Snapshot isolation is not enabled on the database, falling back to read committed")
			c.isolation = IsolationStrategyReadCommitted
			return nil
		}
		c.isolation = IsolationStrategySnapshot
		return nil
	default:
		return fmt.Errorf("unknown isolation strategy: %s", c.snapshotCfg.Isolation)
	}
}

// supportsSnapshotIsolation checks whether ALLOW_SNAPSHOT_ISOLATION is on for
// the source database.
func (c *Coordinator) supportsSnapshotIsolation(ctx context.Context) (bool, error) {
	query := "SELECT snapshot_isolation_state FROM sys.databases WHERE name = DB_NAME()"

	var state int
	if err := c.db.QueryRowContext(ctx, query).Scan(&state); err != nil {
		return false, fmt.Errorf("failed to query snapshot isolation state: %w", err)
	}

	// 1 = ON, 0 = OFF, 2/3 = transitioning.
	return state == 1, nil
}

func (c *Coordinator) getIsolationName() string {
	if c.isolation == IsolationStrategySnapshot {
		return "snapshot"
	}
	return "read_committed"
}

// IsolationLevel returns the database/sql isolation level chunk sessions use.
func (c *Coordinator) IsolationLevel() sql.IsolationLevel {
	if c.isolation == IsolationStrategySnapshot {
		return sql.LevelSnapshot
	}
	return sql.LevelReadCommitted
}

// CaptureConsistentPosition resolves the current maximum LSN. Called before the
// first chunk read it yields the low watermark; called after the last it
// yields the high watermark. Change events at or below the low watermark are
// already reflected in the snapshot rows.
func (c *Coordinator) CaptureConsistentPosition(ctx context.Context) (*lsn.Position, error) {
	if c.db == nil {
		return nil, fmt.Errorf("coordinator is not started")
	}

	position, err := lsn.CurrentPosition(ctx, c.db)
	if err != nil {
		return nil, fmt.Errorf("failed to capture consistent position: %w", err)
	}

	c.logger.Info("Consistent position captured",
		zap.String("position", position.String()),
		zap.String("isolation", c.getIsolationName()))

	return &position, nil
}
