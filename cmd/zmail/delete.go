package main

import (
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/zmail/pkgs/email"
)

type deleteFlags struct {
	id string
}

func parseDeleteFlags(args []string) deleteFlags {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	var f deleteFlags
	fs.StringVar(&f.id, "id", "", "Message number to delete")
	if err := fs.Parse(args); err != nil {
		fatal("delete: %v", err)
	}
	return f
}

func handleDelete(srv *email.MailServer, f deleteFlags) error {
	id, err := parseID(f.id)
	if err != nil {
		return err
	}
	if err := srv.Delete(id); err != nil {
		return err
	}
	// DELE only marks the message; QUIT commits it.
	if err := srv.Close(); err != nil {
		return fmt.Errorf("failed to commit deletion: %w", err)
	}
	fmt.Println("Message deleted (POP3 DELE + QUIT)")
	return nil
}
