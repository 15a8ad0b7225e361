// Package main implements the entry point for the docpipe server, which
// accepts document batches over HTTP and runs them through the OCR, layout,
// analysis and post-processing chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/docpipe/internal/config"
	"github.com/phrazzld/docpipe/internal/platform/logger"
)

type options struct {
	configPath string
	migrate    string
	issueToken string
	tokenTTL   time.Duration
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("docpipe", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&opts.migrate, "migrate", "", "run a migration command (up, down, status) and exit")
	fs.StringVar(&opts.issueToken, "issue-token", "", "print an API token for the given subject and exit")
	fs.DurationVar(&opts.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	switch opts.migrate {
	case "", "up", "down", "status":
	default:
		return options{}, fmt.Errorf("unknown migration command %q", opts.migrate)
	}
	return opts, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	l := logger.Setup(cfg.Server.LogLevel)
	l.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database_driver", cfg.Database.Driver,
		"storage_backend", cfg.Storage.Backend,
		"redis_enabled", cfg.Redis.Addr != "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, l); err != nil {
		l.Error("docpipe exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, l *slog.Logger) error {
	if opts.issueToken != "" {
		return issueToken(ctx, cfg, opts.issueToken, opts.tokenTTL, os.Stdout)
	}
	if opts.migrate != "" {
		return handleMigrations(ctx, cfg, opts.migrate, l)
	}

	app, err := newApplication(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return app.Run(ctx)
}
