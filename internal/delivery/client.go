// Package delivery forwards decomposed mail to a Telegram chat through the
// Bot API.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhle/mailgram/internal/metrics"
	"github.com/nhle/mailgram/internal/mime"
)

// Archiver stores a part that is too large for Telegram and returns a link
// to it.
type Archiver interface {
	Store(ctx context.Context, key string, p mime.Part) (string, error)
}

// Config controls how one account's mail is rendered and sent.
type Config struct {
	APIURL   string
	Token    string
	ThreadID int64

	PreferHTML            bool
	ForwardAttachments    bool
	ForwardEmbeddedImages bool

	// MaxLength bounds the body in the primary text message.
	MaxLength int

	MaxAttachmentBytes int64
	MaxPhotoBytes      int64

	RatePerSecond     float64
	MaxRetries        int
	DefaultRetryAfter time.Duration

	Location *time.Location

	// Ignore drops external images whose URL matches from rendered HTML.
	Ignore []*regexp.Regexp

	HTTPClient *http.Client
}

// Result summarizes a successful delivery.
type Result struct {
	// Units is the number of Telegram messages sent.
	Units int

	// Placeholders counts parts replaced by a note.
	Placeholders int
}

// Client delivers messages for one account.
type Client struct {
	cfg      Config
	api      *botAPI
	composer composer
	archiver Archiver
	logger   *slog.Logger
}

// Option configures optional collaborators of a Client.
type Option func(*Client)

// WithArchiver uploads oversized parts and links them from the placeholder.
func WithArchiver(a Archiver) Option {
	return func(c *Client) { c.archiver = a }
}

// WithMetrics reports Bot API calls.
func WithMetrics(m metrics.Metrics) Option {
	return func(c *Client) { c.api.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Bot API client with defaults for unset limits.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 50 << 20
	}
	if cfg.MaxPhotoBytes <= 0 {
		cfg.MaxPhotoBytes = 10 << 20
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}

	c := &Client{
		cfg: cfg,
		api: &botAPI{
			baseURL:           strings.TrimRight(cfg.APIURL, "/"),
			token:             cfg.Token,
			httpClient:        httpClient,
			limiter:           rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
			maxRetries:        cfg.MaxRetries,
			defaultRetryAfter: cfg.DefaultRetryAfter,
			metrics:           metrics.Nop(),
			sleep:             sleepContext,
		},
		composer: composer{
			preferHTML: cfg.PreferHTML,
			maxLength:  cfg.MaxLength,
			location:   cfg.Location,
			ignore:     cfg.Ignore,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deliver sends msg to chatID: the text message first, then each part in
// order. It stops at the first failure; the caller redelivers the whole
// message, so parts already sent may be sent again.
func (c *Client) Deliver(ctx context.Context, chatID string, msg *mime.ForwardableMessage) (Result, error) {
	var res Result

	if err := c.sendText(ctx, chatID, c.composer.compose(msg)); err != nil {
		return res, err
	}
	res.Units++

	for _, p := range msg.Parts {
		if p.Inline && !c.cfg.ForwardEmbeddedImages {
			continue
		}
		if !p.Inline && !c.cfg.ForwardAttachments {
			continue
		}

		placeheld, err := c.sendPart(ctx, chatID, msg, p)
		if err != nil {
			return res, fmt.Errorf("part %q: %w", p.Filename, err)
		}
		res.Units++
		if placeheld {
			res.Placeholders++
		}
	}

	return res, nil
}

// sendText sends an HTML message, falling back to plain text when the API
// rejects the markup.
func (c *Client) sendText(ctx context.Context, chatID, text string) error {
	params := c.params(chatID)
	params["text"] = text
	params["parse_mode"] = "HTML"
	params["link_preview_options"] = map[string]any{"is_disabled": true}

	resp, err := c.api.call(ctx, request{method: "sendMessage", params: params})
	if isParseError(err) {
		c.logger.Warn("telegram rejected HTML, resending as plain text", "error", err)
		delete(params, "parse_mode")
		params["text"] = mime.StripTags(text)
		resp, err = c.api.call(ctx, request{method: "sendMessage", params: params})
	}
	if err != nil {
		return err
	}

	c.logSent("sendMessage", resp)
	return nil
}

// sendPart uploads one part. It reports whether a placeholder note was
// sent instead of the file.
func (c *Client) sendPart(ctx context.Context, chatID string, msg *mime.ForwardableMessage, p mime.Part) (bool, error) {
	if p.Size > c.cfg.MaxAttachmentBytes {
		return true, c.sendPlaceholder(ctx, chatID, msg, p)
	}

	var err error
	if c.sendAsPhoto(p) {
		err = c.sendFile(ctx, chatID, "sendPhoto", "photo", p, photoCaption(p.Filename))
		var dErr *Error
		if errors.As(err, &dErr) && !dErr.Retriable && dErr.Status == http.StatusBadRequest {
			// Telegram refuses some images as photos (dimensions, format).
			c.logger.Debug("photo rejected, sending as document", "file", p.Filename, "error", err)
			err = c.sendFile(ctx, chatID, "sendDocument", "document", p, documentCaption(msg.Subject, p.Filename))
		}
	} else {
		err = c.sendFile(ctx, chatID, "sendDocument", "document", p, documentCaption(msg.Subject, p.Filename))
	}

	if isTooLarge(err) {
		return true, c.sendPlaceholder(ctx, chatID, msg, p)
	}
	return false, err
}

func (c *Client) sendAsPhoto(p mime.Part) bool {
	if p.Size > c.cfg.MaxPhotoBytes {
		return false
	}
	switch p.MIMEType {
	case "image/jpeg", "image/jpg", "image/png", "image/webp":
		return true
	}
	return false
}

func (c *Client) sendFile(ctx context.Context, chatID, method, field string, p mime.Part, caption string) error {
	params := c.params(chatID)
	params["caption"] = caption
	params["parse_mode"] = "HTML"

	resp, err := c.api.call(ctx, request{
		method: method,
		params: params,
		file:   &upload{field: field, filename: p.Filename, content: p.Content},
	})
	if err != nil {
		return err
	}

	c.logSent(method, resp, "file", p.Filename)
	return nil
}

func (c *Client) sendPlaceholder(ctx context.Context, chatID string, msg *mime.ForwardableMessage, p mime.Part) error {
	var link string
	if c.archiver != nil {
		key := archiveKey(msg, p)
		url, err := c.archiver.Store(ctx, key, p)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("archiving oversized part failed", "file", p.Filename, "error", err)
		} else {
			link = url
		}
	}

	c.logger.Info("part too large, sending placeholder",
		"file", p.Filename, "size", p.Size, "archived", link != "")
	return c.sendText(ctx, chatID, placeholder(p, c.cfg.MaxAttachmentBytes, link))
}

func (c *Client) params(chatID string) map[string]any {
	params := map[string]any{"chat_id": chatID}
	if c.cfg.ThreadID != 0 {
		params["message_thread_id"] = c.cfg.ThreadID
	}
	return params
}

func (c *Client) logSent(method string, resp *apiResponse, attrs ...any) {
	var sent sentMessage
	if resp != nil && len(resp.Result) > 0 {
		_ = json.Unmarshal(resp.Result, &sent)
	}
	c.logger.Debug("telegram message sent", append([]any{"method", method, "message_id", sent.MessageID}, attrs...)...)
}

// archiveKey names an archived part after its source message so that a
// redelivery overwrites the same object.
func archiveKey(msg *mime.ForwardableMessage, p mime.Part) string {
	id := msg.MessageID
	if id == "" {
		id = fmt.Sprintf("uid-%d", msg.SourceUID)
	}
	id = strings.NewReplacer("/", "_", "<", "", ">", "").Replace(id)
	return id + "/" + p.Filename
}
