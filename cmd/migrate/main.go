// Command migrate copies the JSON-lines send ledger into the database ledger.
// Rows already present are skipped, so it is safe to run repeatedly.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/making-something/articon-dispatch/internal/config"
	"github.com/making-something/articon-dispatch/internal/database"
	"github.com/making-something/articon-dispatch/internal/ledger"
)

type cli struct {
	From     string `help:"JSON-lines ledger to import; defaults to LEDGER_PATH." type:"existingfile"`
	LogLevel string `help:"Log level (trace, debug, info, warn, error)." env:"LOG_LEVEL" default:"info"`
}

func (c *cli) Run(ctx context.Context, cfg *config.Config, logger glog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	source := c.From
	if source == "" {
		source = cfg.LedgerPath
	}

	// 1. Read the file ledger (source)
	entries, err := ledger.NewFileStore(source).All(ctx)
	if err != nil {
		return fmt.Errorf("read ledger %s: %w", source, err)
	}
	logger.Info("ledger read", "source", source, "entries", len(entries))

	// 2. Connect to the database (destination)
	db, err := database.Open(cfg)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.DBDriver, err)
	}
	defer database.Close(db)
	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	inserted, err := ledger.NewGormStore(db).Import(ctx, entries)
	if err != nil {
		return fmt.Errorf("write ledger to %s: %w", cfg.DBDriver, err)
	}
	logger.Info("migration completed", "inserted", inserted, "skipped", int64(len(entries))-inserted)
	return nil
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("migrate"),
		kong.Description("Import the file send ledger into the database."),
		kong.UsageOnError(),
	)

	logger := glog.NewLogger(
		glog.WithName("migrate"),
		glog.WithLevel(c.LogLevel),
		glog.WithLoggerTypeConsole(),
		glog.WithWriter(os.Stderr),
	)
	kctx.BindTo(context.Background(), (*context.Context)(nil))
	kctx.BindTo(logger, (*glog.Logger)(nil))
	kctx.FatalIfErrorf(kctx.Run(config.LoadConfig()))
}
