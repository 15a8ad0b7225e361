package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/phrazzld/docpipe/internal/auth"
	"github.com/phrazzld/docpipe/internal/config"
	"github.com/phrazzld/docpipe/internal/platform/sqlstore"
)

// handleMigrations runs one goose migration command against the configured
// database.
func handleMigrations(ctx context.Context, cfg *config.Config, command string, l *slog.Logger) error {
	dialect, db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			l.Error("Error closing database connection", "error", err)
		}
	}()

	l.Info("Executing migrations", "command", command, "dialect", dialect)
	switch command {
	case "up":
		return sqlstore.Migrate(ctx, db, dialect, l)
	case "down":
		return sqlstore.MigrateDown(ctx, db, dialect, l)
	case "status":
		return sqlstore.MigrationStatus(ctx, db, dialect, l)
	default:
		return fmt.Errorf("unknown migration command %q", command)
	}
}

// issueToken prints a signed API token for subject.
func issueToken(ctx context.Context, cfg *config.Config, subject string, ttl time.Duration, w io.Writer) error {
	tokens, err := auth.NewTokens(cfg.Auth)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(ctx, subject, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}
