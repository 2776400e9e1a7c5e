package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nhle/mailgram/internal/credential"
	"github.com/nhle/mailgram/internal/delivery"
	"github.com/nhle/mailgram/internal/filter"
	"github.com/nhle/mailgram/internal/mime"
	"github.com/nhle/mailgram/internal/model"
	"github.com/nhle/mailgram/internal/source/email"
	mailsync "github.com/nhle/mailgram/internal/sync"
)

// buildWatcher assembles the IMAP client, decomposer, filter and Telegram
// client for one account. Secrets missing from the config are loaded from
// the keyring.
func (a *App) buildWatcher(acct model.AccountConfig, archiver delivery.Archiver) (*mailsync.Watcher, error) {
	logger := a.logger.With("account", acct.ID)

	imapSecret, err := a.opts.Credentials.Fallback(imapSecretValue(acct.IMAP), credential.IMAPKey(acct.ID))
	if err != nil {
		return nil, fmt.Errorf("loading IMAP credential: %w", err)
	}
	if imapSecret == "" {
		return nil, fmt.Errorf("no IMAP credential: set imap.password or store it with `mailgram credentials set %s`",
			credential.IMAPKey(acct.ID))
	}

	botToken, err := a.opts.Credentials.Fallback(acct.Telegram.BotToken.Reveal(), credential.TelegramKey(acct.ID))
	if err != nil {
		return nil, fmt.Errorf("loading bot token: %w", err)
	}
	if botToken == "" {
		return nil, fmt.Errorf("no bot token: set telegram.bot_token or store it with `mailgram credentials set %s`",
			credential.TelegramKey(acct.ID))
	}

	search, err := email.ParseSearchTemplate(acct.IMAP.Search)
	if err != nil {
		return nil, err
	}

	ignore, err := mime.CompileIgnorePatterns(acct.IMAP.IgnorePatterns)
	if err != nil {
		return nil, err
	}

	decomposer, err := mime.NewDecomposer(mime.Options{
		IgnorePatterns: ignore,
		DefaultCharset: acct.IMAP.DefaultCharset,
	})
	if err != nil {
		return nil, err
	}

	location, err := loadLocation(acct.Telegram.Timezone)
	if err != nil {
		return nil, err
	}

	imapCfg := email.Config{
		Account:            acct.ID,
		Host:               acct.IMAP.Host,
		Port:               acct.IMAP.Port,
		Security:           email.Security(acct.IMAP.Security),
		Auth:               email.AuthMechanism(acct.IMAP.Auth),
		Username:           acct.IMAP.Username,
		Mailbox:            acct.IMAP.Mailbox,
		Search:             search,
		ConnectTimeout:     acct.IMAP.ConnectTimeout,
		PollInterval:       acct.IMAP.PollInterval,
		InsecureSkipVerify: acct.IMAP.InsecureSkipVerify,
	}
	if imapCfg.Auth == email.AuthLogin {
		imapCfg.Password = imapSecret
	} else {
		imapCfg.Token = imapSecret
	}

	deliveryOpts := []delivery.Option{
		delivery.WithMetrics(a.metrics),
		delivery.WithLogger(logger),
	}
	if archiver != nil {
		deliveryOpts = append(deliveryOpts, delivery.WithArchiver(archiver))
	}
	client := delivery.NewClient(delivery.Config{
		APIURL:                acct.Telegram.APIURL,
		Token:                 botToken,
		ThreadID:              acct.Telegram.MessageThreadID,
		PreferHTML:            acct.Telegram.PreferHTML,
		ForwardAttachments:    acct.Telegram.ForwardAttachments,
		ForwardEmbeddedImages: acct.Telegram.ForwardEmbeddedImages,
		MaxLength:             acct.Telegram.MaxLength,
		MaxAttachmentBytes:    acct.Telegram.MaxAttachmentBytes,
		MaxPhotoBytes:         acct.Telegram.MaxPhotoBytes,
		RatePerSecond:         acct.Telegram.RatePerSecond,
		MaxRetries:            acct.Telegram.MaxRetries,
		DefaultRetryAfter:     acct.Telegram.DefaultRetryAfter,
		Location:              location,
		Ignore:                ignore,
	}, deliveryOpts...)

	mode, err := filter.ParseMode(acct.Filter.Mode)
	if err != nil {
		return nil, err
	}
	rules := filter.New(filter.Rules{
		Mode:              mode,
		WhitelistKeywords: acct.Filter.WhitelistKeywords,
		BlacklistKeywords: acct.Filter.BlacklistKeywords,
		WhitelistAuthors:  acct.Filter.WhitelistAuthors,
		BlacklistAuthors:  acct.Filter.BlacklistAuthors,
	})

	return mailsync.NewWatcher(
		mailsync.WatcherConfig{
			AccountID:            acct.ID,
			ChatID:               normalizeChatID(acct.Telegram.ChatID),
			StartUID:             acct.IMAP.StartUID,
			ReadOldMails:         acct.IMAP.ReadOldMails || a.opts.ReadOldMails,
			MarkAsRead:           acct.IMAP.MarkAsRead,
			MaxMessageBytes:      acct.IMAP.MaxMessageBytes,
			IdleTimeout:          acct.IMAP.IdleTimeout,
			BackoffInitial:       acct.IMAP.BackoffInitial,
			BackoffMax:           acct.IMAP.BackoffMax,
			MaxPermanentAttempts: acct.Telegram.MaxPermanentAttempts,
		},
		email.NewIMAPClient(imapCfg),
		a.store,
		decomposer,
		client,
		mailsync.WithFilter(rules),
		mailsync.WithWatcherMetrics(a.metrics),
		mailsync.WithWatcherLogger(a.logger),
	), nil
}

func imapSecretValue(c model.IMAPConfig) string {
	if email.AuthMechanism(c.Auth) == email.AuthLogin {
		return c.Password.Reveal()
	}
	return c.Token.Reveal()
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", name, err)
	}
	return loc, nil
}

// normalizeChatID accepts numeric IDs and @channel names. A bare channel
// name gets its @ prefix.
func normalizeChatID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "@") {
		return id
	}
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return id
	}
	return "@" + id
}
