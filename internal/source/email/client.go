package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailgram/internal/source"
)

// ErrMessageNotFound aliases source.ErrMessageNotFound for callers of this
// package.
var ErrMessageNotFound = source.ErrMessageNotFound

// idleDoneTimeout bounds how long we wait for the server to acknowledge
// DONE before treating the connection as dead.
const idleDoneTimeout = 30 * time.Second

// IMAPClient wraps go-imap v2 for one account. It implements source.Dialer.
type IMAPClient struct {
	cfg Config
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(cfg Config) *IMAPClient {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Search == nil {
		cfg.Search, _ = ParseSearchTemplate(DefaultSearch)
	}
	return &IMAPClient{cfg: cfg}
}

// Dial connects, authenticates and selects the configured mailbox. The
// session is torn down when ctx is cancelled, which unblocks any pending
// command.
func (c *IMAPClient) Dial(ctx context.Context) (source.Session, error) {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	sess := &session{
		cfg:    c.cfg,
		notify: make(chan struct{}, 1),
	}

	tlsConfig := &tls.Config{
		ServerName:         c.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	}
	opts := &imapclient.Options{
		TLSConfig: tlsConfig,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					sess.signal()
				}
			},
		},
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	client, err := c.connect(dialCtx, addr, tlsConfig, opts)
	if err != nil {
		return nil, &source.TransportError{
			Op:  "connect",
			Err: fmt.Errorf("connecting to IMAP %s: %w", addr, err),
		}
	}

	if err := c.authenticate(client); err != nil {
		_ = client.Close()
		return nil, c.authFailure(err)
	}

	if _, err := client.Select(c.cfg.Mailbox, nil).Wait(); err != nil {
		_ = client.Close()
		return nil, &source.TransportError{
			Op:  "select",
			Err: fmt.Errorf("selecting %s: %w", c.cfg.Mailbox, err),
		}
	}

	sess.client = client
	sess.idle = client.Caps().Has(imap.CapIdle)
	sess.stop = context.AfterFunc(ctx, func() { _ = client.Close() })

	return sess, nil
}

// authFailure classifies a failed login. Only a status response from the
// server means the credentials were refused; anything else is a broken
// connection and is retried like one.
func (c *IMAPClient) authFailure(err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &source.AuthError{
			Account: c.cfg.Account,
			Message: fmt.Sprintf("authentication failed for %s: %v", c.cfg.Username, err),
		}
	}
	return &source.TransportError{
		Op:  "authenticate",
		Err: fmt.Errorf("authenticating as %s: %w", c.cfg.Username, err),
	}
}

func (c *IMAPClient) connect(
	ctx context.Context,
	addr string,
	tlsConfig *tls.Config,
	opts *imapclient.Options,
) (*imapclient.Client, error) {
	netDialer := &net.Dialer{}

	switch c.cfg.Security {
	case SecurityStartTLS:
		conn, err := netDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		client, err := imapclient.NewStartTLS(conn, opts)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		return client, nil
	case SecurityNone:
		conn, err := netDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, opts), nil
	default:
		tlsDialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
		conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, opts), nil
	}
}

// session is a selected IMAP connection. It implements source.Session.
type session struct {
	cfg    Config
	client *imapclient.Client
	idle   bool
	notify chan struct{}
	stop   func() bool
}

// signal records a mailbox change pushed by the server. It never blocks.
func (s *session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) transportErr(op string, err error) error {
	return &source.TransportError{Op: op, Err: err}
}

// Status reports UIDNEXT and UIDVALIDITY of the selected mailbox.
func (s *session) Status(_ context.Context) (source.MailboxStatus, error) {
	data, err := s.client.Status(s.cfg.Mailbox, &imap.StatusOptions{
		NumMessages: true,
		UIDNext:     true,
		UIDValidity: true,
	}).Wait()
	if err != nil {
		return source.MailboxStatus{}, s.transportErr(
			"status", fmt.Errorf("status of %s: %w", s.cfg.Mailbox, err),
		)
	}

	status := source.MailboxStatus{
		UIDNext:     uint32(data.UIDNext),
		UIDValidity: data.UIDValidity,
	}
	if data.NumMessages != nil {
		status.Messages = *data.NumMessages
	}
	return status, nil
}

// Search runs the account's search template bounded to UIDs above after.
func (s *session) Search(_ context.Context, after uint32) ([]uint32, error) {
	criteria, err := s.cfg.Search.Criteria(after)
	if err != nil {
		return nil, err
	}

	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, s.transportErr("search", fmt.Errorf("searching messages: %w", err))
	}

	var uids []uint32
	for _, uid := range searchData.AllUIDs() {
		// "n:*" matches the last message even when it is below n.
		if uint32(uid) > after {
			uids = append(uids, uint32(uid))
		}
	}
	slices.Sort(uids)
	return uids, nil
}

// Size fetches RFC822.SIZE for a message.
func (s *session) Size(_ context.Context, uid uint32) (int64, error) {
	msgs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:        true,
		RFC822Size: true,
	}).Collect()
	if err != nil {
		return 0, s.transportErr("fetch size", fmt.Errorf("fetching size of UID %d: %w", uid, err))
	}
	if len(msgs) == 0 {
		return 0, fmt.Errorf("UID %d: %w", uid, ErrMessageNotFound)
	}
	return msgs[0].RFC822Size, nil
}

// Fetch retrieves the full message with BODY.PEEK[] so the \Seen flag is
// left untouched.
func (s *session) Fetch(_ context.Context, uid uint32) (*source.RawMessage, error) {
	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		RFC822Size:   true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, s.transportErr("fetch", fmt.Errorf("fetching UID %d: %w", uid, err))
		}
		return nil, fmt.Errorf("UID %d: %w", uid, ErrMessageNotFound)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, s.transportErr("fetch", fmt.Errorf("collecting message data: %w", err))
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, s.transportErr("fetch", fmt.Errorf("closing fetch: %w", err))
	}

	return rawFromBuffer(uid, buf, bodySection)
}

// rawFromBuffer extracts the fetched body. A response without the section
// means the server answered incompletely, not that the message is gone.
func rawFromBuffer(
	uid uint32,
	buf *imapclient.FetchMessageBuffer,
	section *imap.FetchItemBodySection,
) (*source.RawMessage, error) {
	body := buf.FindBodySection(section)
	if body == nil {
		return nil, &source.TransportError{
			Op:  "fetch",
			Err: fmt.Errorf("UID %d: response carried no body section", uid),
		}
	}

	return &source.RawMessage{
		UID:          uid,
		Size:         buf.RFC822Size,
		InternalDate: buf.InternalDate,
		Body:         body,
	}, nil
}

// MarkSeen adds \Seen to a message.
func (s *session) MarkSeen(_ context.Context, uid uint32) error {
	storeCmd := s.client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return s.transportErr("store", fmt.Errorf("marking UID %d as seen: %w", uid, err))
	}
	return nil
}

// Wait idles until the server pushes an EXISTS update, max elapses or ctx
// is cancelled. Without IDLE support it sleeps for the poll interval.
func (s *session) Wait(ctx context.Context, max time.Duration) (bool, error) {
	select {
	case <-s.notify:
		return true, nil
	default:
	}

	if !s.idle {
		wait := min(s.cfg.PollInterval, max)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
			return false, nil
		}
	}

	idleCmd, err := s.client.Idle()
	if err != nil {
		return false, s.transportErr("idle", fmt.Errorf("starting IDLE: %w", err))
	}

	timer := time.NewTimer(max)
	defer timer.Stop()

	notified := false
	select {
	case <-ctx.Done():
	case <-s.notify:
		notified = true
	case <-timer.C:
	}

	if err := idleCmd.Close(); err != nil {
		if ctx.Err() != nil {
			return notified, ctx.Err()
		}
		return notified, s.transportErr("idle", fmt.Errorf("stopping IDLE: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- idleCmd.Wait() }()

	select {
	case err := <-done:
		if ctx.Err() != nil {
			return notified, ctx.Err()
		}
		if err != nil {
			return notified, s.transportErr("idle", fmt.Errorf("IDLE: %w", err))
		}
	case <-time.After(idleDoneTimeout):
		_ = s.client.Close()
		return notified, s.transportErr("idle", errors.New("server did not acknowledge DONE"))
	}

	return notified, nil
}

// Close logs out and releases the connection.
func (s *session) Close() error {
	if s.stop != nil {
		s.stop()
	}
	_ = s.client.Logout().Wait()
	return s.client.Close()
}
