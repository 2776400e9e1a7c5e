package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs one Watcher per account and tracks their status.
type Orchestrator struct {
	watchers []*Watcher
	statuses map[string]*WatchStatus
	logger   *slog.Logger
	mu       gosync.Mutex
	running  bool
}

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		statuses: make(map[string]*WatchStatus),
		logger:   logger,
	}
}

// Register adds a watcher. It must be called before Run.
func (o *Orchestrator) Register(w *Watcher) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := w.AccountID()
	if _, ok := o.statuses[id]; ok {
		return fmt.Errorf("account %s registered twice", id)
	}
	if o.running {
		return fmt.Errorf("registering account %s: orchestrator already running", id)
	}

	o.watchers = append(o.watchers, w)
	o.statuses[id] = &WatchStatus{AccountID: id, State: StateDisconnected}
	w.report = func(fn func(*WatchStatus)) { o.update(id, fn) }
	return nil
}

// Run starts every registered watcher and blocks until all of them have
// stopped. Cancelling ctx stops them; a watcher that fails with a
// configuration error cancels the others.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	watchers := make([]*Watcher, len(o.watchers))
	copy(watchers, o.watchers)
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	if len(watchers) == 0 {
		return fmt.Errorf("no accounts registered")
	}

	o.logger.Info("starting watchers", "accounts", len(watchers))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range watchers {
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				o.logger.Error("watcher stopped", "account", w.AccountID(), "error", err)
				return err
			}
			return nil
		})
	}

	err := g.Wait()
	o.logger.Info("all watchers stopped")
	return err
}

// Statuses returns a snapshot of every account's status ordered by account.
func (o *Orchestrator) Statuses() []WatchStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	statuses := make([]WatchStatus, 0, len(o.statuses))
	for _, s := range o.statuses {
		statuses = append(statuses, *s)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].AccountID < statuses[j].AccountID
	})
	return statuses
}

// update applies fn to an account's status under the lock.
func (o *Orchestrator) update(id string, fn func(*WatchStatus)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	status, ok := o.statuses[id]
	if !ok {
		return
	}
	fn(status)
}
