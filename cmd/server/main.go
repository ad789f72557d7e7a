// Package main is the entry point for the ensemble rotation trading
// engine: it loads configuration, builds the backend, serves the HTTP/
// WebSocket inspection surface, and replays a bar feed against the
// engine until told to stop.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/yeogirlyun/ensemble-rotation-trader/internal/api"
	"github.com/yeogirlyun/ensemble-rotation-trader/internal/backend"
	econfig "github.com/yeogirlyun/ensemble-rotation-trader/internal/config"
	"github.com/yeogirlyun/ensemble-rotation-trader/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "", "Path to engine config file (YAML/JSON)")
	barsPath := flag.String("bars", "", "Path to a CSV bar feed to replay (symbol,timestamp,open,high,low,close,volume)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := econfig.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("starting ensemble rotation trading engine",
		zap.Strings("symbols", cfg.Symbols),
		zap.String("api.addr", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := backend.New(logger, cfg.Backend, cfg.Symbols)

	hub := api.NewHub(logger)
	go hub.Run()

	server := api.NewServer(logger, cfg.API, engine, hub)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	if *barsPath != "" {
		go func() {
			if err := replayBars(ctx, *barsPath, engine, hub, logger); err != nil {
				logger.Error("bar feed replay stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("no -bars feed provided; engine is idle, serving only the inspection API")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// replayBars feeds the engine one grouped bar-set at a time from a CSV
// file (symbol,timestamp,open,high,low,close,volume, RFC3339 timestamp),
// broadcasting each bar's decisions and snapshot over the WebSocket hub.
// Rows are expected pre-sorted by timestamp; all rows sharing a
// timestamp form one bar-set, matching the synchronous per-bar cycle
// ProcessBar expects.
func replayBars(ctx context.Context, path string, engine *backend.Backend, hub *api.Hub, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening bar feed: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(bufio.NewReader(f))

	var pending map[string]types.Bar
	var pendingTime time.Time

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		minutes := pendingTime.Hour()*60 + pendingTime.Minute()
		result, err := engine.ProcessBar(pending, minutes)
		if err != nil {
			return fmt.Errorf("processing bar at %s: %w", pendingTime, err)
		}
		hub.BroadcastSnapshot(result.Snapshot)
		for _, d := range result.Decisions {
			hub.BroadcastDecision(d)
		}
		if result.Snapshot.CircuitBreaker {
			hub.BroadcastCircuitBreaker(result.Snapshot)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		row, err := reader.Read()
		if err == io.EOF {
			return flush()
		}
		if err != nil {
			return fmt.Errorf("reading bar feed: %w", err)
		}
		if len(row) != 7 {
			continue
		}

		ts, err := time.Parse(time.RFC3339, row[1])
		if err != nil {
			logger.Warn("skipping row with unparseable timestamp", zap.String("raw", row[1]))
			continue
		}

		if !ts.Equal(pendingTime) {
			if err := flush(); err != nil {
				return err
			}
			pending = make(map[string]types.Bar)
			pendingTime = ts
		}

		open, _ := strconv.ParseFloat(row[2], 64)
		high, _ := strconv.ParseFloat(row[3], 64)
		low, _ := strconv.ParseFloat(row[4], 64)
		closePrice, _ := strconv.ParseFloat(row[5], 64)
		volume, _ := strconv.ParseFloat(row[6], 64)

		pending[row[0]] = types.Bar{
			Symbol:    row[0],
			Timestamp: ts,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
		}
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
