package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/zmail/pkgs/config"
	"github.com/emx-mail/zmail/pkgs/email"
)

type sendFlags struct {
	to, cc, bcc, subject, text, html, inReplyTo string
	textFile, htmlFile                          string
	attachments                                 []string
	dryRun                                      bool
}

func parseSendFlags(args []string) sendFlags {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	var f sendFlags
	fs.StringVar(&f.to, "to", "", "Recipients (comma-separated)")
	fs.StringVar(&f.cc, "cc", "", "CC recipients (comma-separated)")
	fs.StringVar(&f.bcc, "bcc", "", "BCC recipients (comma-separated)")
	fs.StringVar(&f.subject, "subject", "", "Email subject")
	fs.StringVar(&f.text, "text", "", "Plain text body")
	fs.StringVar(&f.html, "html", "", "HTML body")
	fs.StringVar(&f.textFile, "text-file", "", "Plain text body from file (\"-\" for stdin)")
	fs.StringVar(&f.htmlFile, "html-file", "", "HTML body from file (\"-\" for stdin)")
	fs.StringArrayVar(&f.attachments, "attachment", nil, "Attachment file path (repeatable)")
	fs.StringVar(&f.inReplyTo, "in-reply-to", "", "Message-ID to reply to")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Print the encoded message without sending")
	if err := fs.Parse(args); err != nil {
		fatal("send: %v", err)
	}
	return f
}

// buildMessage turns the flags into an outgoing message.
func buildMessage(acc *config.AccountConfig, f sendFlags) (*email.OutgoingMessage, error) {
	if f.to == "" {
		return nil, fmt.Errorf("--to is required")
	}
	if f.subject == "" {
		return nil, fmt.Errorf("--subject is required")
	}

	// --text-file takes precedence over --text
	textBody := f.text
	if f.textFile != "" {
		body, err := readBodySource(f.textFile)
		if err != nil {
			return nil, fmt.Errorf("--text-file: %w", err)
		}
		textBody = body
	}

	htmlBody := f.html
	if f.htmlFile != "" {
		body, err := readBodySource(f.htmlFile)
		if err != nil {
			return nil, fmt.Errorf("--html-file: %w", err)
		}
		htmlBody = body
	}

	if textBody == "" && htmlBody == "" {
		return nil, fmt.Errorf("--text, --text-file, --html, or --html-file is required")
	}

	msg := &email.OutgoingMessage{
		From:      &email.Address{Name: acc.FromName, Email: acc.Email},
		To:        parseAddressList(f.to),
		Cc:        parseAddressList(f.cc),
		Bcc:       parseAddressList(f.bcc),
		Subject:   f.subject,
		TextBody:  textBody,
		HTMLBody:  htmlBody,
		InReplyTo: f.inReplyTo,
	}
	if f.inReplyTo != "" {
		msg.References = []string{f.inReplyTo}
	}
	for _, att := range f.attachments {
		msg.Attachments = append(msg.Attachments, email.AttachmentPath{Path: att})
	}
	return msg, nil
}

func handleSend(srv *email.MailServer, acc *config.AccountConfig, f sendFlags) error {
	msg, err := buildMessage(acc, f)
	if err != nil {
		return err
	}

	if f.dryRun {
		if err := email.EncodeTo(os.Stdout, msg); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Dry-run mode: email was NOT sent")
		return nil
	}

	if err := srv.SendMail(nil, msg); err != nil {
		return err
	}
	fmt.Println("Email sent successfully")
	return nil
}
