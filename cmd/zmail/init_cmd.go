package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/emx-mail/zmail/pkgs/config"
	"github.com/emx-mail/zmail/pkgs/credential"
	"github.com/emx-mail/zmail/pkgs/provider"
)

type initFlags struct {
	force bool
}

func parseInitFlags(args []string) initFlags {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	var f initFlags
	fs.BoolVar(&f.force, "force", false, "Overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		fatal("init: %v", err)
	}
	return f
}

func (a *app) handleInit(f initFlags) error {
	path := a.configPath
	if path == "" {
		p, err := config.Path()
		if err != nil {
			return err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil && !f.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := config.Save(path, config.Example()); err != nil {
		return err
	}
	fmt.Printf("Created config file at: %s\n", path)
	fmt.Println("Please edit the file to add your email accounts, then run 'zmail passwd'.")
	fmt.Printf("Providers inferred from the email domain: %s\n", strings.Join(provider.Domains(), ", "))
	fmt.Printf("Enterprise sources: %s\n", strings.Join(provider.EnterpriseNames(), ", "))
	return nil
}

type passwdFlags struct {
	remove bool
}

func parsePasswdFlags(args []string) passwdFlags {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var f passwdFlags
	fs.BoolVar(&f.remove, "delete", false, "Remove the stored password")
	if err := fs.Parse(args); err != nil {
		fatal("passwd: %v", err)
	}
	return f
}

func handlePasswd(acc *config.AccountConfig, f passwdFlags) error {
	if f.remove {
		if err := credential.Delete(acc.Email); err != nil {
			return err
		}
		fmt.Printf("Password for %s removed from the keyring\n", acc.Email)
		return nil
	}

	password, err := readPassword(fmt.Sprintf("Password for %s: ", acc.Email))
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}
	if err := credential.Set(acc.Email, password); err != nil {
		return err
	}
	fmt.Printf("Password for %s stored in the keyring\n", acc.Email)
	return nil
}

// readPassword reads without echo from a terminal, or one line from piped stdin.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(data), nil
}
