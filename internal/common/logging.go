package common

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/comien/mssql-stream-bridge/internal/config"
)

func GetVersion() string {
	if version := os.Getenv("MSSQL_BRIDGE_VERSION"); version != "" {
		return version
	}
	return "dev"
}

func LoggerWithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// LoggerCore holds the components needed to create a logger. Exposing the core
// separately lets observability wrap it (log forwarding) before the final
// logger is built.
type LoggerCore struct {
	Core          zapcore.Core
	EncoderCfg    zapcore.EncoderConfig
	Level         zapcore.Level
	InitialFields map[string]interface{}
}

// NewLoggerCore creates a Zap core from the logging configuration without
// building the final logger.
func NewLoggerCore(cfg *config.LoggingConfig) (*LoggerCore, error) {
	var encoderCfg zapcore.EncoderConfig

	switch cfg.Format {
	case "console":
		encoderCfg = zap.NewDevelopmentEncoderConfig()
	default:
		encoderCfg = zap.NewProductionEncoderConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
	}

	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.MessageKey = "message"
	encoderCfg.LevelKey = "level"
	encoderCfg.CallerKey = "caller"

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" && cfg.OutputPath != "stderr" {
		if cfg.MaxSize > 0 || cfg.MaxBackups > 0 || cfg.MaxAge > 0 {
			logWriter := &lumberjack.Logger{
				Filename:   cfg.OutputPath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
				LocalTime:  cfg.LocalTime,
			}
			writeSyncer = zapcore.AddSync(logWriter)
		} else {
			file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return nil, fmt.Errorf("failed to open log file: %w", err)
			}
			writeSyncer = zapcore.AddSync(file)
		}
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)

	return &LoggerCore{
		Core:       core,
		EncoderCfg: encoderCfg,
		Level:      level,
		InitialFields: map[string]interface{}{
			"service": "mssql-stream-bridge",
			"version": GetVersion(),
		},
	}, nil
}

// BuildLogger creates a zap.Logger from the given core, which may be the
// LoggerCore's own core or a wrapped version of it.
func (lc *LoggerCore) BuildLogger(core zapcore.Core) *zap.Logger {
	logger := zap.New(core, zap.AddCaller())

	for k, v := range lc.InitialFields {
		logger = logger.With(zap.Any(k, v))
	}

	return logger
}

// NewLogger builds a logger directly from the logging configuration.
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	lc, err := NewLoggerCore(cfg)
	if err != nil {
		return nil, err
	}
	return lc.BuildLogger(lc.Core), nil
}
