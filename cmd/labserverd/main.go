package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JanWichelmann/ctf4e-sub001/internal/config"
	"github.com/JanWichelmann/ctf4e-sub001/internal/events"
	"github.com/JanWichelmann/ctf4e-sub001/internal/grading"
	"github.com/JanWichelmann/ctf4e-sub001/internal/state"
	"github.com/JanWichelmann/ctf4e-sub001/internal/storage/snapshot"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	store, err := snapshot.NewStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state directory: %w", err)
	}

	svc := state.NewService(store)
	svc.SetLogger(logger)

	if cfg.DockerEnabled {
		executor, err := grading.NewDockerExecutor()
		if err != nil {
			// The server stays usable for string and multiple-choice
			// exercises; script gradings will fail with an explicit error.
			logger.Warn("docker executor unavailable, script grading disabled", "error", err)
		} else {
			svc.SetGrader(grading.NewDispatcher(grading.Config{
				Executor:      executor,
				InitScript:    cfg.DockerInitScript,
				InitContainer: cfg.DockerInitContainer,
				MaxParallel:   cfg.MaxParallelGradings,
				Timeout:       time.Duration(cfg.GradingTimeout) * time.Second,
				Logger:        logger,
			}))
		}
	}

	var conn *events.Connection
	if cfg.AMQPURL != "" {
		conn, err = events.NewConnection(cfg.AMQPURL)
		if err != nil {
			logger.Warn("event broker unavailable, events disabled", "error", err)
		} else {
			defer conn.Close()
			svc.SetEventSink(events.NewPublisher(conn, logger))
		}
	}

	ctx := context.Background()
	if err := reload(ctx, svc, cfg.ExercisesFile); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	logger.Info("lab server core running",
		"state_dir", cfg.StateDir,
		"exercises_file", cfg.ExercisesFile,
		"docker", cfg.DockerEnabled,
	)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := reload(ctx, svc, cfg.ExercisesFile); err != nil {
				// A broken configuration keeps the previous one active.
				logger.Error("reload failed, keeping previous configuration", "error", err)
			}
			continue
		}
		logger.Info("received signal, shutting down", "signal", sig.String())
		break
	}

	logger.Info("daemon stopped")
	return nil
}

func reload(ctx context.Context, svc *state.Service, path string) error {
	defs, err := config.LoadExercises(path)
	if err != nil {
		return fmt.Errorf("load exercises: %w", err)
	}
	if err := svc.Reload(ctx, defs); err != nil {
		return fmt.Errorf("reload state: %w", err)
	}
	return nil
}
