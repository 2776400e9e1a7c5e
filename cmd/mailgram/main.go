package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/nhle/mailgram/internal/app"
	"github.com/nhle/mailgram/internal/credential"
	"github.com/nhle/mailgram/internal/model"
)

const usage = `Usage:
  mailgram [flags]                      forward mail until interrupted
  mailgram credentials set <key>        store a secret read from stdin
  mailgram credentials delete <key>     remove a stored secret

Keys are imap-<account> and telegram-<account>.

Flags:
`

func main() {
	_ = godotenv.Load()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mailgram:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("mailgram", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", model.DefaultConfigPath(), "path to the YAML configuration")
	readOld := fs.BoolP("read-old-mails", "o", false, "forward existing mail of accounts without a cursor")
	logLevel := fs.String("log-level", "", "debug, info, warn or error (overrides log.level)")
	logFormat := fs.String("log-format", "", "text or json (overrides log.format)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	if rest := fs.Args(); len(rest) > 0 {
		if rest[0] != "credentials" {
			fs.Usage()
			return fmt.Errorf("unknown command %q", rest[0])
		}
		return credentialsCommand(rest[1:], os.Stdin)
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	creds, err := credential.Open()
	if err != nil {
		logger.Warn("keyring unavailable, using configured credentials only", "error", err)
		creds = nil
	}

	a, err := app.New(cfg, app.Options{ReadOldMails: *readOld, Credentials: creds}, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("mailgram started", "config", *configPath, "accounts", len(cfg.Accounts))
	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("mailgram stopped")
	return nil
}

func newLogger(cfg model.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func credentialsCommand(args []string, stdin io.Reader) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: mailgram credentials set|delete <key>")
	}
	action, key := args[0], args[1]

	creds, err := credential.Open()
	if err != nil {
		return err
	}

	switch action {
	case "set":
		value, err := readSecret(stdin)
		if err != nil {
			return err
		}
		if err := creds.Set(key, value); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "stored %s\n", key)
	case "delete":
		if err := creds.Delete(key); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "deleted %s\n", key)
	default:
		return fmt.Errorf("unknown credentials action %q", action)
	}
	return nil
}

// readSecret reads the first line of r without its line ending.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty secret on stdin")
	}
	return line, nil
}
