// Package sqlserver owns the source side of the bridge: connection
// management, catalog discovery, and the polling CDC reader.
package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/config"
)

// Connector provides centralized SQL Server connection management.
type Connector struct {
	cfg    *config.SQLServerConfig
	logger *zap.Logger
}

// New creates a new SQL Server connector with the given configuration and logger.
func New(cfg *config.SQLServerConfig, logger *zap.Logger) *Connector {
	return &Connector{
		cfg:    cfg,
		logger: logger,
	}
}

// DSN builds the sqlserver:// connection URL for the configured database.
func (c *Connector) DSN(database string) string {
	query := url.Values{}
	query.Set("database", database)
	query.Set("app name", "mssql-stream-bridge")
	query.Set("encrypt", c.cfg.Encrypt)
	if c.cfg.TrustServerCertificate {
		query.Set("trustservercertificate", "true")
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.cfg.Username, c.cfg.Password),
		Host:     fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// Open creates a connection pool for the configured database and verifies it
// is reachable.
func (c *Connector) Open(ctx context.Context) (*sql.DB, error) {
	return c.OpenDatabase(ctx, c.cfg.Database)
}

// OpenDatabase creates a connection pool pinned to the named database.
func (c *Connector) OpenDatabase(ctx context.Context, database string) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", c.DSN(database))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQL Server connection: %w", err)
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach SQL Server at %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}

	c.logger.Debug("SQL Server connection pool opened",
		zap.String("host", c.cfg.Host),
		zap.Int("port", c.cfg.Port),
		zap.String("database", database),
		zap.String("encrypt", c.cfg.Encrypt))

	return db, nil
}
