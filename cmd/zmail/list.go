package main

import (
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/zmail/pkgs/email"
)

type listFlags struct {
	limit           int
	subject, sender string
	after, before   string
}

func parseListFlags(args []string) listFlags {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var f listFlags
	fs.IntVar(&f.limit, "limit", 20, "Maximum messages to show")
	fs.StringVar(&f.subject, "subject", "", "Only messages whose subject contains text")
	fs.StringVar(&f.sender, "from", "", "Only messages whose sender contains text")
	fs.StringVar(&f.after, "after", "", "Only messages dated on or after date")
	fs.StringVar(&f.before, "before", "", "Only messages dated on or before date")
	if err := fs.Parse(args); err != nil {
		fatal("list: %v", err)
	}
	return f
}

func (f listFlags) searching() bool {
	return f.subject != "" || f.sender != "" || f.after != "" || f.before != ""
}

func handleList(srv *email.MailServer, f listFlags, verbose bool) error {
	count, size, err := srv.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("Protocol: POP3 | Total: %d (%s)\n\n", count, formatSize(size))
	if count == 0 {
		return nil
	}

	start := 1
	if f.limit > 0 && count > f.limit {
		start = count - f.limit + 1
	}

	var msgs []*email.DecodedMessage
	if f.searching() {
		after, err := parseDate(f.after, false)
		if err != nil {
			return err
		}
		before, err := parseDate(f.before, true)
		if err != nil {
			return err
		}
		msgs, err = srv.GetMails(email.MailFilter{
			Subject: f.subject,
			Sender:  f.sender,
			After:   after,
			Before:  before,
		})
		if err != nil {
			return err
		}
		if f.limit > 0 && len(msgs) > f.limit {
			msgs = msgs[len(msgs)-f.limit:]
		}
	} else {
		msgs, err = srv.GetHeaders(start, count)
		if err != nil {
			return err
		}
	}

	// Newest first.
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		from := "Unknown"
		if len(msg.From) > 0 {
			from = msg.From[0].String()
		}

		fmt.Printf("[%d] From: %s\n", msg.ID, from)
		fmt.Printf("    Subject: %s\n", msg.Subject)
		if !msg.Date.IsZero() {
			fmt.Printf("    Date: %s\n", msg.Date.Format(time.RFC1123))
		}
		if msg.MessageID != "" {
			fmt.Printf("    Message-ID: <%s>\n", msg.MessageID)
		}
		if verbose && msg.TextBody != "" {
			fmt.Printf("    Preview: %s\n", email.Truncate(msg.TextBody, 100))
		}
		fmt.Println()
	}
	return nil
}

func handleInfo(srv *email.MailServer) error {
	infos, err := srv.GetInfo()
	if err != nil {
		return err
	}
	for _, info := range infos {
		uid := info.UID
		if uid == "" {
			uid = "-"
		}
		fmt.Printf("%d\t%d\t%s\n", info.Index, info.Size, uid)
	}
	return nil
}

func handleStat(srv *email.MailServer) error {
	count, size, err := srv.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("Messages: %d\nSize: %d bytes (%s)\n", count, size, formatSize(size))
	return nil
}

func handleCheck(srv *email.MailServer) error {
	cfg := srv.Config()
	failed := false

	fmt.Printf("SMTP %s:%d ... ", cfg.SMTPHost, cfg.SMTPPort)
	if err := srv.CheckSMTP(); err != nil {
		fmt.Printf("FAILED: %v\n", err)
		failed = true
	} else {
		fmt.Println("ok")
	}

	if cfg.POP3Enabled() {
		fmt.Printf("POP3 %s:%d ... ", cfg.POPHost, cfg.POPPort)
		if err := srv.CheckPOP3(); err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failed = true
		} else {
			fmt.Println("ok")
		}
	} else {
		fmt.Println("POP3 not configured")
	}

	if failed {
		return fmt.Errorf("login check failed for %s", srv.Username())
	}
	return nil
}
