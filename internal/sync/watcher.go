// Package sync watches mailboxes and forwards new mail, one watcher per
// account, under a shared orchestrator.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nhle/mailgram/internal/delivery"
	"github.com/nhle/mailgram/internal/metrics"
	"github.com/nhle/mailgram/internal/mime"
	"github.com/nhle/mailgram/internal/model"
	"github.com/nhle/mailgram/internal/source"
	"github.com/nhle/mailgram/internal/store"
)

// Decomposer turns a raw message into its forwardable form.
type Decomposer interface {
	Decompose(raw []byte) (*mime.ForwardableMessage, error)
}

// Deliverer sends a message to a chat.
type Deliverer interface {
	Deliver(ctx context.Context, chatID string, msg *mime.ForwardableMessage) (delivery.Result, error)
}

// Filter decides whether a message is forwarded at all.
type Filter interface {
	Allow(msg *mime.ForwardableMessage) (bool, string)
}

// WatcherConfig is the per-account behaviour of a Watcher.
type WatcherConfig struct {
	AccountID string
	ChatID    string

	// StartUID is the first UID forwarded when the account has no cursor
	// yet. Zero means unset.
	StartUID uint32

	// ReadOldMails starts a new account from UID 0 instead of the current
	// high-water mark.
	ReadOldMails bool

	MarkAsRead bool

	// MaxMessageBytes skips larger messages without fetching them. Zero
	// disables the check.
	MaxMessageBytes int64

	IdleTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// MaxPermanentAttempts is how many cycles a permanently rejected
	// message is retried before it is skipped.
	MaxPermanentAttempts int
}

// Watcher follows one account's mailbox and forwards every new message in
// UID order. The cursor only moves past a message once it has been
// delivered or skipped by policy.
type Watcher struct {
	cfg        WatcherConfig
	dialer     source.Dialer
	store      store.Store
	decomposer Decomposer
	deliverer  Deliverer
	filter     Filter
	metrics    metrics.Metrics
	logger     *slog.Logger

	report     func(func(*WatchStatus))
	newBackOff func() backoff.BackOff

	// attempts counts permanent delivery failures per UID.
	attempts map[uint32]int
}

// WatcherOption configures optional collaborators of a Watcher.
type WatcherOption func(*Watcher)

// WithFilter applies keyword and author rules before delivery.
func WithFilter(f Filter) WatcherOption {
	return func(w *Watcher) { w.filter = f }
}

// WithWatcherMetrics reports cycle outcomes.
func WithWatcherMetrics(m metrics.Metrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

// WithWatcherLogger sets the logger. The account attribute is added.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher creates a watcher for one account.
func NewWatcher(
	cfg WatcherConfig,
	dialer source.Dialer,
	st store.Store,
	dec Decomposer,
	deliverer Deliverer,
	opts ...WatcherOption,
) *Watcher {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.MaxPermanentAttempts <= 0 {
		cfg.MaxPermanentAttempts = 3
	}

	w := &Watcher{
		cfg:        cfg,
		dialer:     dialer,
		store:      st,
		decomposer: dec,
		deliverer:  deliverer,
		metrics:    metrics.Nop(),
		logger:     slog.Default(),
		report:     func(func(*WatchStatus)) {},
		attempts:   make(map[uint32]int),
	}
	w.newBackOff = w.exponentialBackOff
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("account", cfg.AccountID)
	return w
}

// AccountID returns the account this watcher follows.
func (w *Watcher) AccountID() string { return w.cfg.AccountID }

func (w *Watcher) exponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BackoffInitial
	b.MaxInterval = w.cfg.BackoffMax
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run watches the mailbox until ctx is cancelled, reconnecting with
// backoff after any failure. It returns nil on cancellation and an error
// only when the watcher is misconfigured.
func (w *Watcher) Run(ctx context.Context) error {
	if w.cfg.ChatID == "" {
		return fmt.Errorf("account %s: no chat configured", w.cfg.AccountID)
	}
	defer w.setState(StateTerminated, nil)

	bo := w.newBackOff()
	for {
		w.setState(StateConnecting, nil)
		err := w.watch(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}

		w.setState(StateDisconnected, err)
		w.metrics.Reconnect(w.cfg.AccountID)

		wait := bo.NextBackOff()
		if source.IsAuthError(err) {
			w.logger.Error("authentication failed, will retry", "error", err, "retry_in", wait)
		} else {
			w.logger.Warn("watch interrupted, reconnecting", "error", err, "retry_in", wait)
		}

		if !sleep(ctx, wait) {
			return nil
		}
	}
}

// watch runs one connection: cursor init, then cycles separated by idle
// waits, until an error occurs.
func (w *Watcher) watch(ctx context.Context, bo backoff.BackOff) error {
	sess, err := w.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	w.setState(StateAuthenticated, nil)

	cursor, err := w.initCursor(ctx, sess)
	if err != nil {
		return err
	}

	for {
		w.setState(StateFetching, nil)
		cursor, err = w.cycle(ctx, sess, cursor)
		if err != nil {
			return err
		}
		bo.Reset()

		w.setState(StateIdling, nil)
		if _, err := sess.Wait(ctx, w.cfg.IdleTimeout); err != nil {
			return err
		}
	}
}

// initCursor loads the stored cursor, creating it on first start and
// resetting it when the mailbox UIDVALIDITY changed.
func (w *Watcher) initCursor(ctx context.Context, sess source.Session) (uint32, error) {
	status, err := sess.Status(ctx)
	if err != nil {
		return 0, err
	}

	c, err := w.store.Load(ctx, w.cfg.AccountID)
	switch {
	case errors.Is(err, store.ErrCursorNotFound):
		start := w.startPoint(status)
		if err := w.store.Reset(ctx, w.cfg.AccountID, start, status.UIDValidity); err != nil {
			return 0, err
		}
		w.logger.Info("cursor initialized", "last_uid", start, "uid_validity", status.UIDValidity)
		w.trackCursor(start)
		return start, nil
	case err != nil:
		return 0, err
	}

	switch {
	case c.UIDValidity != 0 && status.UIDValidity != 0 && c.UIDValidity != status.UIDValidity:
		start := status.HighWaterMark()
		w.logger.Warn("mailbox UIDVALIDITY changed, resetting cursor",
			"stored", c.UIDValidity, "server", status.UIDValidity, "last_uid", start)
		if err := w.store.Reset(ctx, w.cfg.AccountID, start, status.UIDValidity); err != nil {
			return 0, err
		}
		w.trackCursor(start)
		return start, nil
	case c.UIDValidity == 0 && status.UIDValidity != 0:
		if err := w.store.Reset(ctx, w.cfg.AccountID, c.LastUID, status.UIDValidity); err != nil {
			return 0, err
		}
	}

	w.logger.Debug("cursor loaded", "last_uid", c.LastUID)
	w.trackCursor(c.LastUID)
	return c.LastUID, nil
}

func (w *Watcher) startPoint(status source.MailboxStatus) uint32 {
	switch {
	case w.cfg.StartUID > 0:
		return w.cfg.StartUID - 1
	case w.cfg.ReadOldMails:
		return 0
	default:
		return status.HighWaterMark()
	}
}

// cycle handles every UID above cursor in ascending order and returns the
// new cursor. On error the returned cursor is the last persisted one.
func (w *Watcher) cycle(ctx context.Context, sess source.Session, cursor uint32) (uint32, error) {
	cycleID := uuid.NewString()
	logger := w.logger.With("cycle", cycleID)

	uids, err := sess.Search(ctx, cursor)
	if err != nil {
		return cursor, err
	}
	if len(uids) > 0 {
		logger.Info("new messages", "count", len(uids), "after", cursor)
	}

	for _, uid := range uids {
		// "N:*" also matches the highest UID when it is below N.
		if uid <= cursor {
			continue
		}

		entry, err := w.process(ctx, sess, uid, cycleID, logger)
		if err != nil {
			return cursor, err
		}

		if err := w.store.Persist(ctx, w.cfg.AccountID, uid); err != nil {
			return cursor, err
		}
		cursor = uid
		w.trackCursor(cursor)

		if err := w.store.RecordDelivery(ctx, *entry); err != nil {
			logger.Warn("recording delivery failed", "uid", uid, "error", err)
		}
		if entry.Outcome == model.OutcomeForwarded {
			w.metrics.Forwarded(w.cfg.AccountID, entry.Units)
			w.report(func(s *WatchStatus) { s.Forwarded++ })
		} else {
			w.metrics.Skipped(w.cfg.AccountID, string(entry.Outcome))
		}
		w.setState(StateFetching, nil)
	}

	w.report(func(s *WatchStatus) { s.LastCycle = time.Now() })
	return cursor, nil
}

// process handles a single UID. A nil error means the cursor may advance
// past it; the returned entry says why.
func (w *Watcher) process(
	ctx context.Context,
	sess source.Session,
	uid uint32,
	cycleID string,
	logger *slog.Logger,
) (*model.Delivery, error) {
	logger = logger.With("uid", uid)
	entry := &model.Delivery{
		AccountID: w.cfg.AccountID,
		UID:       uid,
		CycleID:   cycleID,
	}

	if w.cfg.MaxMessageBytes > 0 {
		size, err := sess.Size(ctx, uid)
		if errors.Is(err, source.ErrMessageNotFound) {
			logger.Info("message vanished before fetch, skipping")
			entry.Outcome = model.OutcomeVanished
			return entry, nil
		}
		if err != nil {
			return nil, err
		}
		if size > w.cfg.MaxMessageBytes {
			logger.Warn("message exceeds size limit, skipping", "size", size, "limit", w.cfg.MaxMessageBytes)
			entry.Outcome = model.OutcomeOversize
			entry.Error = fmt.Sprintf("size %d exceeds %d", size, w.cfg.MaxMessageBytes)
			return entry, nil
		}
	}

	raw, err := sess.Fetch(ctx, uid)
	if errors.Is(err, source.ErrMessageNotFound) {
		logger.Info("message vanished before fetch, skipping")
		entry.Outcome = model.OutcomeVanished
		return entry, nil
	}
	if err != nil {
		return nil, err
	}

	msg, err := w.decomposer.Decompose(raw.Body)
	if err != nil {
		logger.Warn("malformed message, skipping", "error", err)
		entry.Outcome = model.OutcomeMalformed
		entry.Error = err.Error()
		return entry, nil
	}
	msg.SourceUID = uid
	entry.MessageID = msg.MessageID
	entry.Subject = msg.Subject
	for _, warning := range msg.Warnings {
		logger.Debug("decode warning", "warning", warning)
	}

	if w.filter != nil {
		if ok, reason := w.filter.Allow(msg); !ok {
			logger.Info("message filtered", "reason", reason)
			entry.Outcome = model.OutcomeFiltered
			entry.Error = reason
			return entry, nil
		}
	}

	w.setState(StateDelivering, nil)
	res, err := w.deliverer.Deliver(ctx, w.cfg.ChatID, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return w.deliveryFailed(uid, entry, err, logger)
	}
	delete(w.attempts, uid)

	if w.cfg.MarkAsRead {
		if err := sess.MarkSeen(ctx, uid); err != nil {
			return nil, err
		}
	}

	logger.Info("message forwarded", "subject", msg.Subject, "units", res.Units, "placeholders", res.Placeholders)
	entry.Outcome = model.OutcomeForwarded
	entry.Units = res.Units
	return entry, nil
}

// deliveryFailed decides whether a failed delivery stops the cycle or, for
// a message rejected too many times, is skipped.
func (w *Watcher) deliveryFailed(uid uint32, entry *model.Delivery, err error, logger *slog.Logger) (*model.Delivery, error) {
	if delivery.IsRetriable(err) {
		w.metrics.DeliveryError(w.cfg.AccountID, "retriable")
		return nil, fmt.Errorf("delivering UID %d: %w", uid, err)
	}

	w.metrics.DeliveryError(w.cfg.AccountID, "permanent")
	w.attempts[uid]++
	if n := w.attempts[uid]; n < w.cfg.MaxPermanentAttempts {
		return nil, fmt.Errorf("delivering UID %d (attempt %d of %d): %w", uid, n, w.cfg.MaxPermanentAttempts, err)
	}

	delete(w.attempts, uid)
	logger.Error("message rejected by telegram, skipping", "error", err)
	entry.Outcome = model.OutcomeRejected
	entry.Error = err.Error()
	return entry, nil
}

func (w *Watcher) trackCursor(uid uint32) {
	w.metrics.Cursor(w.cfg.AccountID, uid)
	w.report(func(s *WatchStatus) { s.LastUID = uid })
}

// setState records a state transition. A nil err keeps the last error
// unless the watcher just finished a clean cycle.
func (w *Watcher) setState(state WatchState, err error) {
	w.metrics.State(w.cfg.AccountID, state.String())
	w.report(func(s *WatchStatus) {
		s.State = state
		switch {
		case err != nil:
			s.LastError = err.Error()
		case state == StateIdling:
			s.LastError = ""
		}
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
