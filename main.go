package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/emn-to-imap/accounts"
	"github.com/dhcgn/emn-to-imap/cmd"
	"github.com/dhcgn/emn-to-imap/config"
	"github.com/dhcgn/emn-to-imap/imap"
	"github.com/dhcgn/emn-to-imap/progress"
	"github.com/dhcgn/emn-to-imap/push"
	"github.com/dhcgn/emn-to-imap/runner"
	"github.com/dhcgn/emn-to-imap/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "emn-to-imap",
		Short: "Trigger IMAP mail checks from WAP Email Notification pushes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting emn-to-imap", "source", cfg.PushSource, "format", cfg.PushFormat, "stateDir", cfg.StateDir, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	directory, closeDirectory, err := openDirectory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeDirectory(); err != nil {
			logger.Warn("close account directory", "err", err)
		}
	}()

	r, err := runner.New(ctx, cfg, directory, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	sourceOpts := push.Options{
		Path:   cfg.PushSource,
		Format: cfg.PushFormat,
	}

	total := 0
	if cfg.PushSource != push.Stdin {
		if total, err = push.Count(sourceOpts); err != nil {
			logger.Debug("push count unavailable", "err", err)
			total = 0
		}
	}
	progress.NewReporter(r, progress.New(total, cfg.LogLevel))

	if _, err := push.NewProducer(sourceOpts, r, logger); err != nil {
		return fmt.Errorf("push.NewProducer: %w", err)
	}

	if _, err := imap.NewChecker(imap.Options{DryRun: cfg.DryRun}, r, logger); err != nil {
		return fmt.Errorf("imap.NewChecker: %w", err)
	}

	return r.Start()
}

func openDirectory(ctx context.Context, cfg config.Config, logger *slog.Logger) (accounts.Directory, func() error, error) {
	if cfg.AccountsFile != "" {
		dir, err := accounts.LoadYAML(cfg.AccountsFile)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("accounts loaded", "file", cfg.AccountsFile, "accounts", dir.Len())
		return dir, func() error { return nil }, nil
	}

	dir, err := accounts.OpenMySQL(cfg.AccountsDSN, cfg.AccountsTable)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dir.Ping(pingCtx); err != nil {
		_ = dir.Close()
		return nil, nil, fmt.Errorf("account store unreachable: %w", err)
	}
	logger.Info("account store connected", "table", cfg.AccountsTable)
	return dir, dir.Close, nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("emn-to-imap-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
