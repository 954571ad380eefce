package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/comien/mssql-stream-bridge/internal/clickhouse"
	"github.com/comien/mssql-stream-bridge/internal/common"
	"github.com/comien/mssql-stream-bridge/internal/config"
	"github.com/comien/mssql-stream-bridge/internal/metrics"
	"github.com/comien/mssql-stream-bridge/internal/observability"
	"github.com/comien/mssql-stream-bridge/internal/pipeline"
	"github.com/comien/mssql-stream-bridge/internal/snapshot"
	"github.com/comien/mssql-stream-bridge/internal/sqlserver"
	"github.com/comien/mssql-stream-bridge/internal/state"
)

type Application struct {
	cfg                  *config.Config
	logger               *zap.Logger
	cdc                  *sqlserver.CDC
	catalogDB            *sql.DB
	clickhouseClient     *clickhouse.Client
	processor            *pipeline.Processor
	metricsManager       *metrics.Manager
	stateManager         *state.Manager
	snapshotManager      *snapshot.Manager
	observabilityManager *observability.Manager
	forceSnapshot        bool
	running              bool
	mu                   sync.RWMutex
}

func main() {
	var (
		configPath    = flag.String("config", "configs/example.yaml", "Path to configuration file")
		version       = flag.Bool("version", false, "Show version information")
		snapshotFlag  = flag.Bool("snapshot", false, "Enable initial snapshot")
		forceSnapshot = flag.Bool("force-snapshot", false, "Force a new snapshot even if one was completed")
		testSentry    = flag.Bool("test-sentry", false, "Send a test error to Sentry and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("MSSQL Stream Bridge %s\n", common.GetVersion())
		os.Exit(0)
	}

	if *testSentry {
		if err := runSentryTest(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Sentry test failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := run(*configPath, *snapshotFlag, *forceSnapshot); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSentryTest(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.Observability.ErrorReporting.Enabled = true

	logger, err := common.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Initializing observability manager for Sentry test...")

	obsManager, err := observability.NewManager(
		&cfg.Observability,
		common.LoggerWithComponent(logger, "observability"),
	)
	if err != nil {
		return fmt.Errorf("failed to create observability manager: %w", err)
	}

	testErr := fmt.Errorf("test error from mssql-stream-bridge: verifies Sentry integration at %s", time.Now().Format(time.RFC3339))

	logger.Info("Sending test error to Sentry...",
		zap.String("error", testErr.Error()))

	ctx := context.Background()
	obsManager.GetErrorReporter().CaptureError(ctx, testErr,
		observability.NewErrorContext("test", "sentry_verification").
			WithSchema("dbo").
			WithTable("test_table").
			WithExtra("test_key", "test_value"))

	obsManager.GetErrorReporter().CaptureMessage(ctx,
		"Test message from mssql-stream-bridge Sentry verification",
		observability.SeverityInfo,
		observability.NewErrorContext("test", "sentry_verification"))

	logger.Info("Flushing events to Sentry...")

	if !obsManager.GetErrorReporter().Flush(10 * time.Second) {
		logger.Warn("Flush timed out, some events may not have been sent")
	}

	if err := obsManager.Stop(); err != nil {
		logger.Warn("Error stopping observability manager", zap.Error(err))
	}

	logger.Info("Sentry test completed successfully. Check your Sentry dashboard for the test error.")
	return nil
}

func run(configPath string, enableSnapshot bool, forceSnapshot bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if enableSnapshot {
		cfg.Snapshot.Enabled = true
	}

	loggerCore, err := common.NewLoggerCore(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger core: %w", err)
	}

	initialLogger := loggerCore.BuildLogger(loggerCore.Core)

	observabilityManager, err := observability.NewManager(
		&cfg.Observability,
		common.LoggerWithComponent(initialLogger, "observability"),
	)
	if err != nil {
		return fmt.Errorf("failed to create observability manager: %w", err)
	}

	wrappedCore := observabilityManager.WrapZapCore(loggerCore.Core)

	logger := loggerCore.BuildLogger(wrappedCore)
	defer logger.Sync()

	app := &Application{
		cfg:                  cfg,
		logger:               logger,
		forceSnapshot:        forceSnapshot,
		observabilityManager: observabilityManager,
	}

	if err := app.initialize(); err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.logger.Info("MSSQL Stream Bridge started successfully",
		zap.String("version", common.GetVersion()))

	app.waitForShutdown()

	cancel()
	app.logger.Info("Context cancelled, waiting for components to stop...")

	if err := app.stop(); err != nil {
		app.logger.Error("Error during shutdown", zap.Error(err))
		return err
	}

	app.logger.Info("MSSQL Stream Bridge stopped gracefully")
	return nil
}

func (a *Application) initialize() error {
	a.logger.Info("Initializing components...")

	metricsManager := metrics.NewManager(&a.cfg.Monitoring, common.LoggerWithComponent(a.logger, "metrics"))
	a.metricsManager = metricsManager

	clickhouseClient, err := clickhouse.NewClient(&a.cfg.ClickHouse, common.LoggerWithComponent(a.logger, "clickhouse"))
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	a.clickhouseClient = clickhouseClient

	stateManager, err := state.NewManager(a.cfg.State, clickhouseClient, common.LoggerWithComponent(a.logger, "state"))
	if err != nil {
		return fmt.Errorf("failed to create state manager: %w", err)
	}
	a.stateManager = stateManager

	processor := pipeline.NewProcessor(&a.cfg.Pipeline, clickhouseClient, a.metricsManager.GetMetrics(), common.LoggerWithComponent(a.logger, "pipeline"))
	a.processor = processor

	cdc, err := sqlserver.NewCDC(&a.cfg.SQLServer, &a.cfg.CDC, stateManager, processor, a.metricsManager.GetMetrics(), common.LoggerWithComponent(a.logger, "sqlserver"))
	if err != nil {
		return fmt.Errorf("failed to create CDC reader: %w", err)
	}
	a.cdc = cdc

	a.logger.Info("Components initialized successfully")
	return nil
}

func (a *Application) start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("application is already running")
	}

	a.logger.Info("Starting components...")

	if err := a.metricsManager.Start(); err != nil {
		return fmt.Errorf("failed to start metrics manager: %w", err)
	}

	if err := a.stateManager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize state manager: %w", err)
	}

	if a.cfg.Snapshot.Enabled {
		hasCompletedSnapshot, err := a.checkCompletedSnapshot(ctx)
		if err != nil {
			return err
		}

		if hasCompletedSnapshot && !a.forceSnapshot {
			a.logger.Info("Using existing completed snapshot")
		} else {
			if a.forceSnapshot && hasCompletedSnapshot {
				a.logger.Info("Force snapshot flag set, creating new snapshot despite existing completed snapshot")
			} else {
				a.logger.Info("No completed snapshot found, executing new snapshot")
			}

			if err := a.executeSnapshot(ctx); err != nil {
				return err
			}
		}
	} else {
		a.logger.Info("Snapshot disabled, starting from the current log position")
	}

	if err := a.processor.Start(); err != nil {
		return fmt.Errorf("failed to start processor: %w", err)
	}

	if err := a.cdc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start CDC reader: %w", err)
	}

	go a.runEventForwarder(ctx)
	go a.runMetricsUpdater(ctx)

	a.running = true
	return nil
}

// checkCompletedSnapshot builds the snapshot manager and asks state storage
// whether a completed snapshot already exists.
func (a *Application) checkCompletedSnapshot(ctx context.Context) (bool, error) {
	if err := a.ensureSnapshotManager(ctx); err != nil {
		return false, err
	}

	hasCompleted, err := a.snapshotManager.HasCompletedSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check for completed snapshot: %w", err)
	}
	return hasCompleted, nil
}

func (a *Application) ensureSnapshotManager(ctx context.Context) error {
	if a.snapshotManager != nil {
		return nil
	}

	connector := sqlserver.New(&a.cfg.SQLServer, common.LoggerWithComponent(a.logger, "sqlserver"))
	catalogDB, err := connector.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open catalog connection: %w", err)
	}
	a.catalogDB = catalogDB

	catalog := sqlserver.NewCatalog(catalogDB, common.LoggerWithComponent(a.logger, "catalog"))

	snapshotManager, err := snapshot.NewManager(
		&a.cfg.Snapshot,
		&a.cfg.SQLServer,
		&a.cfg.ClickHouse,
		a.stateManager,
		catalog,
		a.clickhouseClient,
		a.metricsManager.GetMetrics(),
		common.LoggerWithComponent(a.logger, "snapshot"),
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot manager: %w", err)
	}
	a.snapshotManager = snapshotManager
	return nil
}

func (a *Application) executeSnapshot(ctx context.Context) error {
	if err := a.ensureSnapshotManager(ctx); err != nil {
		return err
	}

	if err := a.snapshotManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start snapshot manager: %w", err)
	}

	if err := a.snapshotManager.ExecuteSnapshot(ctx); err != nil {
		return fmt.Errorf("failed to execute snapshot: %w", err)
	}

	// The low watermark checkpoint persisted during the snapshot is where
	// the CDC reader picks up.
	a.logger.Info("Snapshot execution completed, checkpoint created automatically")
	return nil
}

func (a *Application) stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}

	a.logger.Info("Stopping components...")

	var errors []error

	if err := a.cdc.Stop(); err != nil {
		errors = append(errors, fmt.Errorf("CDC reader stop error: %w", err))
	}

	if err := a.processor.Stop(); err != nil {
		errors = append(errors, fmt.Errorf("processor stop error: %w", err))
	}

	if a.snapshotManager != nil {
		if err := a.snapshotManager.Stop(); err != nil {
			errors = append(errors, fmt.Errorf("snapshot manager stop error: %w", err))
		}
	}

	if a.catalogDB != nil {
		if err := a.catalogDB.Close(); err != nil {
			errors = append(errors, fmt.Errorf("catalog connection close error: %w", err))
		}
	}

	if err := a.clickhouseClient.Close(); err != nil {
		errors = append(errors, fmt.Errorf("ClickHouse client close error: %w", err))
	}

	if err := a.metricsManager.Stop(); err != nil {
		errors = append(errors, fmt.Errorf("metrics manager stop error: %w", err))
	}

	if err := a.stateManager.Close(); err != nil {
		errors = append(errors, fmt.Errorf("state manager close error: %w", err))
	}

	if a.observabilityManager != nil {
		if err := a.observabilityManager.Stop(); err != nil {
			errors = append(errors, fmt.Errorf("observability manager stop error: %w", err))
		}
	}

	a.running = false

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}

	return nil
}

func (a *Application) runEventForwarder(ctx context.Context) {
	a.logger.Info("Starting event forwarder")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Event forwarder stopped")
			return
		case event := <-a.cdc.EventChan():
			if event == nil {
				continue
			}

			a.metricsManager.GetMetrics().IncEventsProcessed()
			a.metricsManager.GetMetrics().SetLastEventTime(event.Timestamp)

			processorMetrics := a.processor.GetMetrics()
			queueLength := processorMetrics.QueueLength

			// Backpressure kicks in at 80% queue occupancy.
			queueCapacity := a.processor.EventChanCapacity()
			if queueLength > int(float64(queueCapacity)*0.8) {
				a.logger.Warn("Processor queue nearly full, applying backpressure",
					zap.Int("queue_length", queueLength),
					zap.Int("queue_capacity", queueCapacity))

				timeoutCtx, cancel := context.WithTimeout(ctx, time.Second*30)
				select {
				case a.processor.EventChan() <- event:
					cancel()
				case <-timeoutCtx.Done():
					cancel()
					a.logger.Error("Failed to forward event after backpressure timeout",
						zap.String("event_id", event.ID))
					a.metricsManager.GetMetrics().IncEventsFailed()
				case <-ctx.Done():
					cancel()
					return
				}
			} else {
				select {
				case a.processor.EventChan() <- event:
				case <-ctx.Done():
					return
				}
			}
		case err := <-a.cdc.ErrorChan():
			if err != nil {
				a.logger.Error("CDC reader error", zap.Error(err))
				a.metricsManager.GetMetrics().IncEventsFailed()
				a.observabilityManager.GetErrorReporter().CaptureError(ctx, err,
					observability.NewErrorContext("sqlserver", "cdc_poll").
						WithPosition(a.cdc.GetPosition().String()))
			}
		case err := <-a.processor.ErrorChan():
			if err != nil {
				a.logger.Error("Processor error", zap.Error(err))
				a.metricsManager.GetMetrics().IncEventsFailed()
				a.observabilityManager.GetErrorReporter().CaptureError(ctx, err,
					observability.NewErrorContext("pipeline", "event_processing"))
			}
		}
	}
}

func (a *Application) runMetricsUpdater(ctx context.Context) {
	a.logger.Info("Starting metrics updater")

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Metrics updater stopped")
			return
		case <-ticker.C:
			a.updateConnectionStatus()
			a.updateReplicationLag()
			a.updateQueueMetrics()
			a.updateCheckpointMetrics()
		}
	}
}

func (a *Application) updateConnectionStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sqlserverConnected := a.cdc.IsRunning()
	a.metricsManager.GetMetrics().SetConnectionStatus("sqlserver", sqlserverConnected)

	clickhouseConnected := true
	if err := a.clickhouseClient.Ping(ctx); err != nil {
		clickhouseConnected = false
		a.logger.Warn("ClickHouse ping failed", zap.Error(err))
	}
	a.metricsManager.GetMetrics().SetConnectionStatus("clickhouse", clickhouseConnected)
}

func (a *Application) updateReplicationLag() {
	lastEventTime := a.metricsManager.GetMetrics().GetLastEventTime()
	if !lastEventTime.IsZero() {
		lag := time.Since(lastEventTime)
		a.metricsManager.GetMetrics().SetReplicationLag(lag)
	} else {
		a.metricsManager.GetMetrics().SetReplicationLag(0)
	}
}

func (a *Application) updateQueueMetrics() {
	if a.processor.IsRunning() {
		metrics := a.processor.GetMetrics()
		a.metricsManager.GetMetrics().SetQueueLength(metrics.QueueLength)

		workerQueueLengths := a.processor.GetWorkerQueueLengths()
		a.metricsManager.GetMetrics().SetWorkerQueueLengths(workerQueueLengths)

		batcherBufferSize := a.processor.GetBatcherBufferSize()
		a.metricsManager.GetMetrics().SetBatcherBufferSize(batcherBufferSize)
	}
}

func (a *Application) updateCheckpointMetrics() {
	if checkpoint := a.stateManager.GetCurrentCheckpoint(); checkpoint != nil {
		age := time.Since(checkpoint.CreatedAt)
		a.metricsManager.GetMetrics().SetCheckpointAge(age)
	}
}

func (a *Application) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	a.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
}
