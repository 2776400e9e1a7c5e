// Package app wires configuration, storage and the per-account watchers
// into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailgram/internal/archive"
	"github.com/nhle/mailgram/internal/credential"
	"github.com/nhle/mailgram/internal/delivery"
	"github.com/nhle/mailgram/internal/metrics"
	"github.com/nhle/mailgram/internal/model"
	"github.com/nhle/mailgram/internal/server"
	"github.com/nhle/mailgram/internal/store"
	mailsync "github.com/nhle/mailgram/internal/sync"
)

// Options are process-level overrides of the configuration.
type Options struct {
	// ReadOldMails forces every new account to start from UID 0.
	ReadOldMails bool

	// Credentials is consulted for secrets missing from the config. May be
	// nil when no keyring is available.
	Credentials *credential.Store
}

// App is the running service.
type App struct {
	cfg          *model.AppConfig
	opts         Options
	store        *store.SQLiteStore
	orchestrator *mailsync.Orchestrator
	server       *server.Server
	metrics      metrics.Metrics
	logger       *slog.Logger
}

// New opens the store and registers a watcher for every account.
func New(cfg *model.AppConfig, opts Options, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:          cfg,
		opts:         opts,
		store:        s,
		orchestrator: mailsync.NewOrchestrator(logger),
		metrics:      metrics.New(mailsync.StateNames()),
		logger:       logger,
	}

	if err := a.registerAccounts(); err != nil {
		_ = s.Close()
		return nil, err
	}

	if cfg.Server.Enabled {
		a.server = server.New(cfg.Server.Addr, a.orchestrator, s, a.metrics, logger)
	}
	return a, nil
}

// registerAccounts builds one watcher per configured account. They share
// the store, metrics and, when enabled, the attachment archive.
func (a *App) registerAccounts() error {
	var archiver delivery.Archiver
	if a.cfg.Archive.Enabled {
		svc, err := archive.NewService(archive.Config{
			Endpoint:     a.cfg.Archive.Endpoint,
			AccessKeyEnv: a.cfg.Archive.AccessKeyEnv,
			SecretKeyEnv: a.cfg.Archive.SecretKeyEnv,
			Bucket:       a.cfg.Archive.Bucket,
			Region:       a.cfg.Archive.Region,
			Prefix:       a.cfg.Archive.Prefix,
			UseSSL:       a.cfg.Archive.UseSSL,
			LinkExpiry:   a.cfg.Archive.LinkExpiry,
		})
		if err != nil {
			return err
		}
		archiver = svc
	}

	for _, acct := range a.cfg.Accounts {
		w, err := a.buildWatcher(acct, archiver)
		if err != nil {
			return fmt.Errorf("account %s: %w", acct.ID, err)
		}
		if err := a.orchestrator.Register(w); err != nil {
			return err
		}
		a.logger.Info("account registered",
			"account", acct.ID,
			"host", acct.IMAP.Host,
			"mailbox", acct.IMAP.Mailbox,
			"chat", acct.Telegram.ChatID)
	}
	return nil
}

// Run blocks until ctx is cancelled or a watcher fails with a
// configuration error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Stop the ops server once the watchers are done.
		defer cancel()
		return a.orchestrator.Run(gctx)
	})
	if a.server != nil {
		g.Go(func() error {
			return a.server.Run(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Statuses reports the state of every account.
func (a *App) Statuses() []mailsync.WatchStatus {
	return a.orchestrator.Statuses()
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}
