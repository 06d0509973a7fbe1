package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/zmail/pkgs/config"
	"github.com/emx-mail/zmail/pkgs/email"
)

type watchFlags struct {
	handler      string
	interval     int
	once         bool
	delete       bool
	skipExisting bool
}

func parseWatchFlags(args []string) watchFlags {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var f watchFlags
	fs.StringVar(&f.handler, "handler", "", "Handler command for new emails")
	fs.IntVar(&f.interval, "interval", 0, "Poll interval in seconds (default: 30)")
	fs.BoolVar(&f.once, "once", false, "Process existing emails then exit")
	fs.BoolVar(&f.delete, "delete", false, "Delete messages after the handler succeeds")
	fs.BoolVar(&f.skipExisting, "skip-existing", false, "Ignore messages present at startup")
	if err := fs.Parse(args); err != nil {
		fatal("watch: %v", err)
	}
	return f
}

// watchOptions merges flags over the account's watch settings.
func watchOptions(acc *config.AccountConfig, f watchFlags) email.WatchOptions {
	opts := email.WatchOptions{
		HandlerCmd:   f.handler,
		PollInterval: f.interval,
		Once:         f.once,
		Delete:       f.delete,
		SkipExisting: f.skipExisting,
	}

	if w := acc.Watch; w != nil {
		if opts.HandlerCmd == "" {
			opts.HandlerCmd = w.HandlerCmd
		}
		if opts.PollInterval == 0 {
			opts.PollInterval = w.PollInterval
		}
		if w.MaxRetries > 0 {
			opts.MaxRetries = w.MaxRetries
		}
		opts.Delete = opts.Delete || w.Delete
		opts.SkipExisting = opts.SkipExisting || w.SkipExisting
	}
	return opts
}

func handleWatch(srv *email.MailServer, acc *config.AccountConfig, f watchFlags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Watch(ctx, watchOptions(acc, f))
}
