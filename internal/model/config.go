package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nhle/mailgram/internal/filter"
	"github.com/nhle/mailgram/internal/source/email"
)

// IMAPConfig holds the mailbox side of one account.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Security string `mapstructure:"security" yaml:"security"`
	Auth     string `mapstructure:"auth" yaml:"auth"`

	Username string `mapstructure:"username" yaml:"username"`
	Password Secret `mapstructure:"password" yaml:"password"`

	// Token is the OAuth2 access token for xoauth2/oauthbearer.
	Token Secret `mapstructure:"token" yaml:"token"`

	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`

	// Search is an IMAP search expression ANDed with the UID range.
	Search string `mapstructure:"search" yaml:"search"`

	MarkAsRead   bool   `mapstructure:"mark_as_read" yaml:"mark_as_read"`
	ReadOldMails bool   `mapstructure:"read_old_mails" yaml:"read_old_mails"`
	StartUID     uint32 `mapstructure:"start_uid" yaml:"start_uid"`

	MaxMessageBytes int64 `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`

	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`

	DefaultCharset string   `mapstructure:"default_charset" yaml:"default_charset"`
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`

	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// TelegramConfig holds the chat side of one account.
type TelegramConfig struct {
	BotToken Secret `mapstructure:"bot_token" yaml:"bot_token"`

	// ChatID is a numeric ID or an @channel name.
	ChatID          string `mapstructure:"chat_id" yaml:"chat_id"`
	MessageThreadID int64  `mapstructure:"message_thread_id" yaml:"message_thread_id"`
	APIURL          string `mapstructure:"api_url" yaml:"api_url"`

	PreferHTML            bool `mapstructure:"prefer_html" yaml:"prefer_html"`
	ForwardAttachments    bool `mapstructure:"forward_attachments" yaml:"forward_attachments"`
	ForwardEmbeddedImages bool `mapstructure:"forward_embedded_images" yaml:"forward_embedded_images"`

	MaxLength          int   `mapstructure:"max_length" yaml:"max_length"`
	MaxAttachmentBytes int64 `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`
	MaxPhotoBytes      int64 `mapstructure:"max_photo_bytes" yaml:"max_photo_bytes"`

	RatePerSecond        float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries"`
	DefaultRetryAfter    time.Duration `mapstructure:"default_retry_after" yaml:"default_retry_after"`
	MaxPermanentAttempts int           `mapstructure:"max_permanent_attempts" yaml:"max_permanent_attempts"`

	// Timezone names the location used for the date line, e.g. Europe/Berlin.
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

// FilterConfig holds keyword and author rules.
type FilterConfig struct {
	Mode              string   `mapstructure:"mode" yaml:"mode"`
	WhitelistKeywords []string `mapstructure:"whitelist_keywords" yaml:"whitelist_keywords"`
	BlacklistKeywords []string `mapstructure:"blacklist_keywords" yaml:"blacklist_keywords"`
	WhitelistAuthors  []string `mapstructure:"whitelist_authors" yaml:"whitelist_authors"`
	BlacklistAuthors  []string `mapstructure:"blacklist_authors" yaml:"blacklist_authors"`
}

// AccountConfig pairs one mailbox with one chat.
type AccountConfig struct {
	// ID is the unique identifier for this account. It keys the cursor.
	ID string `mapstructure:"id" yaml:"id"`

	IMAP     IMAPConfig     `mapstructure:"imap" yaml:"imap"`
	Telegram TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
	Filter   FilterConfig   `mapstructure:"filter" yaml:"filter"`
}

// StoreConfig locates the state database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ServerConfig controls the ops HTTP endpoint.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// ArchiveConfig points at S3-compatible storage for oversized attachments.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// AccessKeyEnv and SecretKeyEnv name the environment variables holding
	// the credentials.
	AccessKeyEnv string `mapstructure:"access_key_env" yaml:"access_key_env"`
	SecretKeyEnv string `mapstructure:"secret_key_env" yaml:"secret_key_env"`

	Bucket     string        `mapstructure:"bucket" yaml:"bucket"`
	Region     string        `mapstructure:"region" yaml:"region"`
	Prefix     string        `mapstructure:"prefix" yaml:"prefix"`
	UseSSL     bool          `mapstructure:"use_ssl" yaml:"use_ssl"`
	LinkExpiry time.Duration `mapstructure:"link_expiry" yaml:"link_expiry"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Store    StoreConfig     `mapstructure:"store" yaml:"store"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
	Server   ServerConfig    `mapstructure:"server" yaml:"server"`
	Archive  ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailgram/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailgram", "config.yaml")
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "mailgram.db")
	}
	return filepath.Join(home, ".local", "share", "mailgram", "state.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Store:    StoreConfig{Path: defaultStorePath()},
		Log:      LogConfig{Level: "info", Format: "text"},
		Server:   ServerConfig{Addr: "127.0.0.1:9090"},
		Archive:  ArchiveConfig{UseSSL: true, LinkExpiry: 7 * 24 * time.Hour},
		Accounts: []AccountConfig{},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration without
// accounts. ${VAR} references in credentials are expanded from the
// environment.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("server.addr", "127.0.0.1:9090")
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("archive.link_expiry", 7*24*time.Hour)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)

	for i := range cfg.Accounts {
		applyAccountDefaults(v, i, &cfg.Accounts[i])
	}

	return cfg, nil
}

// applyAccountDefaults fills unset fields of one account entry.
func applyAccountDefaults(v *viper.Viper, i int, a *AccountConfig) {
	im := &a.IMAP
	if im.Security == "" {
		im.Security = string(email.SecurityTLS)
	}
	if im.Auth == "" {
		im.Auth = string(email.AuthLogin)
	}
	if im.Port == 0 {
		switch email.Security(im.Security) {
		case email.SecurityTLS:
			im.Port = 993
		default:
			im.Port = 143
		}
	}
	if im.Mailbox == "" {
		im.Mailbox = "INBOX"
	}
	if im.Search == "" {
		im.Search = email.DefaultSearch
	}
	if im.MaxMessageBytes == 0 {
		im.MaxMessageBytes = 50 << 20
	}
	if im.IdleTimeout == 0 {
		im.IdleTimeout = 5 * time.Minute
	}
	if im.PollInterval == 0 {
		im.PollInterval = 10 * time.Second
	}
	if im.ConnectTimeout == 0 {
		im.ConnectTimeout = 60 * time.Second
	}
	if im.BackoffInitial == 0 {
		im.BackoffInitial = 5 * time.Second
	}
	if im.BackoffMax == 0 {
		im.BackoffMax = 5 * time.Minute
	}
	im.Username = expandEnv(im.Username)
	im.Password = Secret(expandEnv(string(im.Password)))
	im.Token = Secret(expandEnv(string(im.Token)))

	tg := &a.Telegram
	tg.BotToken = Secret(expandEnv(string(tg.BotToken)))
	tg.ChatID = expandEnv(tg.ChatID)
	if tg.MaxLength == 0 {
		tg.MaxLength = 2000
	}
	if tg.MaxRetries == 0 && !v.IsSet(fmt.Sprintf("accounts.%d.telegram.max_retries", i)) {
		tg.MaxRetries = 3
	}
	if tg.DefaultRetryAfter == 0 {
		tg.DefaultRetryAfter = 5 * time.Second
	}
	if tg.MaxPermanentAttempts == 0 {
		tg.MaxPermanentAttempts = 3
	}
	if tg.RatePerSecond == 0 {
		tg.RatePerSecond = 1
	}

	// Viper unmarshals missing bools as false; treat unset as true.
	// We use the raw viper value to distinguish explicit false from absent.
	for key, field := range map[string]*bool{
		"prefer_html":             &tg.PreferHTML,
		"forward_attachments":     &tg.ForwardAttachments,
		"forward_embedded_images": &tg.ForwardEmbeddedImages,
	} {
		if !*field && !v.IsSet(fmt.Sprintf("accounts.%d.telegram.%s", i, key)) {
			*field = true
		}
	}

	if a.Filter.Mode == "" {
		a.Filter.Mode = string(filter.ModeDisabled)
	}
}

var envRef = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// expandEnv resolves a value of the exact form ${VAR}. Anything else is
// returned as is, so passwords containing '$' survive.
func expandEnv(s string) string {
	m := envRef.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return s
	}
	return os.Getenv(m[1])
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Validate reports every configuration problem at once. Credentials are
// not checked here since they may still come from the keyring.
func (c *AppConfig) Validate() error {
	var errs []error
	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("no accounts configured"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" || c.Archive.Bucket == "" {
			errs = append(errs, errors.New("archive: endpoint and bucket are required"))
		}
	}

	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		prefix := fmt.Sprintf("accounts[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", prefix))
		} else {
			prefix = fmt.Sprintf("account %s", a.ID)
			if seen[a.ID] {
				errs = append(errs, fmt.Errorf("%s: duplicate id", prefix))
			}
			seen[a.ID] = true
		}
		errs = append(errs, a.validate(prefix)...)
	}

	return errors.Join(errs...)
}

func (a AccountConfig) validate(prefix string) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", prefix, fmt.Sprintf(format, args...)))
	}

	if a.IMAP.Host == "" {
		fail("imap.host is required")
	}
	if a.IMAP.Port <= 0 || a.IMAP.Port > 65535 {
		fail("imap.port %d out of range", a.IMAP.Port)
	}
	switch email.Security(a.IMAP.Security) {
	case email.SecurityTLS, email.SecurityStartTLS, email.SecurityNone:
	default:
		fail("imap.security: unknown value %q", a.IMAP.Security)
	}
	switch email.AuthMechanism(a.IMAP.Auth) {
	case email.AuthLogin, email.AuthXOAuth2, email.AuthOAuthBearer:
	default:
		fail("imap.auth: unknown mechanism %q", a.IMAP.Auth)
	}
	if a.IMAP.Username == "" {
		fail("imap.username is required")
	}
	if _, err := email.ParseSearchTemplate(a.IMAP.Search); err != nil {
		fail("imap.search: %v", err)
	}
	for _, p := range a.IMAP.IgnorePatterns {
		if _, err := regexp.Compile(p); err != nil {
			fail("imap.ignore_patterns: %v", err)
		}
	}
	if a.IMAP.BackoffMax < a.IMAP.BackoffInitial {
		fail("imap.backoff_max must not be below backoff_initial")
	}

	if a.Telegram.ChatID == "" {
		fail("telegram.chat_id is required")
	}
	if a.Telegram.Timezone != "" {
		if _, err := time.LoadLocation(a.Telegram.Timezone); err != nil {
			fail("telegram.timezone: %v", err)
		}
	}
	if a.Telegram.MaxLength < 0 || a.Telegram.MaxLength > 4096 {
		fail("telegram.max_length %d out of range", a.Telegram.MaxLength)
	}

	if _, err := filter.ParseMode(a.Filter.Mode); err != nil {
		fail("filter.mode: %v", err)
	}
	return errs
}
