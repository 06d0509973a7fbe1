package main

import (
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/zmail/pkgs/email"
)

// outputFlags controls how a decoded message is written.
type outputFlags struct {
	which           int
	output          string
	format          string
	eml             string
	mbox            string
	saveAttachments string
	overwrite       bool
}

func (f *outputFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&f.which, "which", 1, "Alternative body to select (1-based)")
	fs.StringVar(&f.output, "output", "", "Output file (default: stdout)")
	fs.StringVar(&f.format, "format", "text", "Output format: text, html or raw")
	fs.StringVar(&f.eml, "eml", "", "Save the original message as .eml")
	fs.StringVar(&f.mbox, "mbox", "", "Append the message to an mbox file")
	fs.StringVar(&f.saveAttachments, "save-attachments", "", "Save attachments to directory")
	fs.BoolVar(&f.overwrite, "overwrite", false, "Overwrite existing files")
}

type fetchFlags struct {
	id string
	outputFlags
}

func parseFetchFlags(args []string) fetchFlags {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	var f fetchFlags
	fs.StringVar(&f.id, "id", "", "Message number to fetch")
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal("fetch: %v", err)
	}
	return f
}

func parseLatestFlags(args []string) outputFlags {
	fs := flag.NewFlagSet("latest", flag.ExitOnError)
	var f outputFlags
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal("latest: %v", err)
	}
	return f
}

type decodeFlags struct {
	path string
	outputFlags
}

func parseDecodeFlags(args []string) decodeFlags {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	var f decodeFlags
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		fatal("decode: %v", err)
	}
	if fs.NArg() != 1 {
		fatal("decode: expected exactly one .eml file")
	}
	f.path = fs.Arg(0)
	return f
}

func handleFetch(srv *email.MailServer, f fetchFlags) error {
	id, err := parseID(f.id)
	if err != nil {
		return err
	}
	raw, err := srv.GetRaw(id)
	if err != nil {
		return err
	}
	msg, err := email.Decode(raw, f.which)
	if err != nil {
		return err
	}
	msg.ID = id
	return writeMessage(msg, f.outputFlags)
}

func handleLatest(srv *email.MailServer, f outputFlags) error {
	count, _, err := srv.Stat()
	if err != nil {
		return err
	}
	if count == 0 {
		return email.ErrNoMessages
	}
	return handleFetch(srv, fetchFlags{id: fmt.Sprint(count), outputFlags: f})
}

func handleDecode(f decodeFlags) error {
	msg, err := email.ReadEML(f.path, f.which)
	if err != nil {
		return err
	}
	return writeMessage(msg, f.outputFlags)
}

func writeMessage(msg *email.DecodedMessage, f outputFlags) error {
	var out io.Writer = os.Stdout
	if f.output != "" {
		file, err := os.Create(f.output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer file.Close()
		out = file
	}

	switch f.format {
	case "html":
		html := email.GetHTML(msg)
		if html == "" {
			return fmt.Errorf("no HTML body available")
		}
		fmt.Fprintln(out, html)
	case "raw":
		if _, err := out.Write(msg.Raw); err != nil {
			return err
		}
	case "text", "":
		if msg.ID > 0 {
			fmt.Fprintf(out, "ID: %d\n", msg.ID)
		}
		fmt.Fprint(out, email.Show(msg))
		for _, pf := range msg.Failures {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", pf)
		}
	default:
		return fmt.Errorf("unsupported format: %s", f.format)
	}

	if f.eml != "" {
		if err := email.SaveEML(msg, f.eml, f.overwrite); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Saved: %s\n", f.eml)
	}
	if f.mbox != "" {
		if err := email.SaveMbox(f.mbox, []*email.DecodedMessage{msg}); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Appended to: %s\n", f.mbox)
	}
	if f.saveAttachments != "" && len(msg.Attachments) > 0 {
		fmt.Fprintf(os.Stderr, "\nSaving attachments to: %s\n", f.saveAttachments)
		paths, err := email.SaveAttachments(msg, f.saveAttachments, f.overwrite)
		for i, p := range paths {
			fmt.Fprintf(os.Stderr, "  [%d] Saved: %s\n", i+1, p)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
