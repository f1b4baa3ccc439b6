// Package app assembles the long-lived services shared by the server and the
// command line tools.
package app

import (
	"context"
	"fmt"

	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/making-something/articon-dispatch/internal/config"
	"github.com/making-something/articon-dispatch/internal/database"
	"github.com/making-something/articon-dispatch/internal/dispatch"
	"github.com/making-something/articon-dispatch/internal/email"
	"github.com/making-something/articon-dispatch/internal/ledger"
	"github.com/making-something/articon-dispatch/internal/recipient"
	"github.com/making-something/articon-dispatch/internal/templates"
	"github.com/making-something/articon-dispatch/internal/trigger"
	"github.com/making-something/articon-dispatch/internal/whatsapp"
)

type App struct {
	Config    *config.Config
	Logger    glog.Logger
	DB        *gorm.DB
	Channel   recipient.Channel
	Ledger    *ledger.Ledger
	Engine    *dispatch.Engine
	WhatsApp  *whatsapp.Client
	Catalog   *templates.Catalog
	Syncer    *templates.Syncer
	Directory recipient.Directory
	Resolver  *recipient.Resolver
}

// New validates cfg, opens the database and wires every service. The
// caller owns the result and must Close it.
func New(ctx context.Context, cfg *config.Config, logger glog.Logger) (*App, error) {
	logger = glog.Ensure(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		database.Close(db)
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		DB:      db,
		Channel: recipient.ParseChannel(cfg.Channel),
		Catalog: templates.NewCatalog(),
	}
	a.Ledger = ledger.New(a.ledgerStore(), logger)
	a.WhatsApp = whatsapp.NewClient(cfg, logger)
	a.Directory = recipient.NewCSVDirectory(cfg.ParticipantsCSV, a.Channel)
	a.Resolver = recipient.NewResolver(a.Channel, logger)

	a.Syncer = templates.NewSyncer(a.WhatsApp, a.Catalog, logger)
	a.Syncer.Store = templates.NewGormStore(db)
	if cfg.TemplateSyncMaxPages > 0 {
		a.Syncer.MaxPages = cfg.TemplateSyncMaxPages
	}
	if err := a.Syncer.Restore(ctx); err != nil {
		logger.Warn("template snapshot not restored", "error", err)
	}

	transport, err := a.transport()
	if err != nil {
		database.Close(db)
		return nil, err
	}
	a.Engine = dispatch.NewEngine(a.Ledger, transport, logger)
	a.Engine.Templates = a.Catalog
	if cfg.SendRatePerSecond > 0 {
		a.Engine.Limiter = rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), cfg.SendBurst)
	}
	return a, nil
}

func (a *App) ledgerStore() ledger.Store {
	if a.Config.LedgerBackend == "db" {
		return ledger.NewGormStore(a.DB)
	}
	return ledger.NewFileStore(a.Config.LedgerPath)
}

func (a *App) transport() (dispatch.Transport, error) {
	if a.Channel == recipient.ChannelWhatsApp {
		return a.WhatsApp, nil
	}
	return email.NewTransport(a.Config, a.Logger)
}

// Milestones reads MILESTONES_FILE when set, otherwise derives the default
// pair from EVENT_START and EVENT_END. With neither there are none.
func (a *App) Milestones() ([]trigger.Milestone, error) {
	if a.Config.MilestonesFile != "" {
		ms, err := trigger.LoadMilestones(a.Config.MilestonesFile)
		if err != nil {
			return nil, fmt.Errorf("app: load milestones: %w", err)
		}
		return ms, nil
	}
	if a.Config.EventStart.IsZero() || a.Config.EventEnd.IsZero() {
		return nil, nil
	}
	return trigger.DefaultMilestones(a.Config.EventStart, a.Config.EventEnd), nil
}

// Scheduler builds the milestone trigger over the configured roster.
func (a *App) Scheduler() (*trigger.Scheduler, error) {
	ms, err := a.Milestones()
	if err != nil {
		return nil, err
	}
	s := trigger.NewScheduler(ms, a.Engine, a.Directory, a.Resolver, trigger.NewGormStateStore(a.DB), a.Logger)
	s.PollInterval = a.Config.PollInterval
	return s, nil
}

func (a *App) Close() error {
	return database.Close(a.DB)
}
