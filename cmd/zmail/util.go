package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/emersion/go-message/mail"

	"github.com/emx-mail/zmail/pkgs/config"
	"github.com/emx-mail/zmail/pkgs/credential"
	"github.com/emx-mail/zmail/pkgs/email"
)

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func (a *app) loadAccount() *config.AccountConfig {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		fmt.Fprintf(os.Stderr, "Run 'zmail init' to create an example config\n")
		os.Exit(1)
	}
	acc, err := cfg.GetAccount(a.account)
	if err != nil {
		fatal("%v", err)
	}
	return acc
}

func (a *app) logger(acc *config.AccountConfig) *slog.Logger {
	level := slog.LevelWarn
	if a.verbose || acc.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("account", acc.Name)
}

// newServer resolves the account's servers and returns an unconnected handle.
func (a *app) newServer(acc *config.AccountConfig) *email.MailServer {
	password, err := credential.Password(acc.Email, acc.Password)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			fatal("no password for %s: run 'zmail passwd' or set password in the config", acc.Email)
		}
		fatal("%v", err)
	}

	src, err := acc.OpenSource()
	if err != nil {
		fatal("account %s: %v", acc.Name, err)
	}

	opts := []email.Option{
		email.WithLogger(a.logger(acc)),
		email.WithDebug(a.verbose || acc.Debug),
	}
	if acc.Timeout > 0 {
		opts = append(opts, email.WithTimeout(acc.TimeoutDuration()))
	}
	if acc.AutoAddTo != nil {
		opts = append(opts, email.WithAutoAddTo(*acc.AutoAddTo))
	}
	if acc.AutoAddFrom != nil {
		opts = append(opts, email.WithAutoAddFrom(*acc.AutoAddFrom))
	}

	srv, err := email.Server(acc.Email, password, acc.Overrides(), src, opts...)
	if err != nil {
		fatal("account %s: %v", acc.Name, err)
	}
	return srv
}

// parseAddressList splits a comma-separated address string. Entries may carry
// a display name ("Name <addr>").
func parseAddressList(s string) []email.Address {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(s); err == nil {
		addrs := make([]email.Address, len(list))
		for i, a := range list {
			addrs[i] = email.Address{Name: a.Name, Email: a.Address}
		}
		return addrs
	}

	parts := strings.Split(s, ",")
	addrs := make([]email.Address, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			addrs = append(addrs, email.Address{Email: part})
		}
	}
	return addrs
}

// parseDate accepts most human date formats. Date-only values are local
// midnight; end selects the last instant of that day instead.
func parseDate(s string, end bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := dateparse.ParseLocal(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	if end && t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

// parseID parses a 1-based message number.
func parseID(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.Atoi(s)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid message number: %s", s)
	}
	return id, nil
}

// readBodySource reads body content from a file path or stdin ("-").
func readBodySource(path string) (string, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func formatSize(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
