package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

const version = "1.0.0"

// app holds global options parsed from the command line
type app struct {
	account    string
	configPath string
	verbose    bool
}

func main() {
	a := &app{}

	// Global flags
	flag.StringVar(&a.account, "account", "", "Account name or email to use")
	flag.StringVar(&a.configPath, "config", "", "Config file (default: $ZMAIL_CONFIG or ~/.config/zmail/config.yaml)")
	flag.BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.SetInterspersed(false)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("zmail v%s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	// These don't need an account.
	switch cmd {
	case "init":
		opts := parseInitFlags(cmdArgs)
		if err := a.handleInit(opts); err != nil {
			fatal("init: %v", err)
		}
		return
	case "decode":
		opts := parseDecodeFlags(cmdArgs)
		if err := handleDecode(opts); err != nil {
			fatal("decode: %v", err)
		}
		return
	case "help":
		printUsage()
		os.Exit(0)
	}

	acc := a.loadAccount()

	if cmd == "passwd" {
		opts := parsePasswdFlags(cmdArgs)
		if err := handlePasswd(acc, opts); err != nil {
			fatal("passwd: %v", err)
		}
		return
	}

	srv := a.newServer(acc)
	defer srv.Close()

	var err error
	switch cmd {
	case "send":
		err = handleSend(srv, acc, parseSendFlags(cmdArgs))
	case "list":
		err = handleList(srv, parseListFlags(cmdArgs), a.verbose)
	case "fetch":
		err = handleFetch(srv, parseFetchFlags(cmdArgs))
	case "latest":
		err = handleLatest(srv, parseLatestFlags(cmdArgs))
	case "info":
		err = handleInfo(srv)
	case "stat":
		err = handleStat(srv)
	case "delete":
		err = handleDelete(srv, parseDeleteFlags(cmdArgs))
	case "check":
		err = handleCheck(srv)
	case "watch":
		err = handleWatch(srv, acc, parseWatchFlags(cmdArgs))
	default:
		srv.Close()
		fatal("unknown command '%s'", cmd)
	}
	if err != nil {
		srv.Close()
		fatal("%s: %v", cmd, err)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `zmail v%s - Command-line email client (SMTP + POP3)

Usage:
  zmail [global options] <command> [command options]

Commands:
  send       Send an email
  list       List or search emails in the mailbox
  fetch      Fetch and display an email (or save it as .eml / mbox)
  latest     Display the most recent email
  info       List message numbers, sizes and UIDs
  stat       Show message count and mailbox size
  delete     Delete an email
  decode     Decode a local .eml file
  check      Verify SMTP and POP3 login
  watch      Watch for new emails and run a handler
  init       Create an example configuration file
  passwd     Store the account password in the OS keyring

Global Options:
  --account <name>   Account name or email to use
  --config <path>    Config file path
  -v, --verbose      Verbose output (debug logging)
  --version          Show version information

Configuration:
  The config file is YAML or JSON. Its path is taken from --config, then
  $ZMAIL_CONFIG, then ~/.config/zmail/config.yaml. Server settings omitted
  from an account are inferred from the email domain. Passwords may be kept
  in the OS keyring (zmail passwd) or in $ZMAIL_<ACCOUNT>_PASSWORD.

Send Options:
  --to <emails>          Recipients (comma-separated)
  --cc <emails>          CC recipients (comma-separated)
  --bcc <emails>         BCC recipients (comma-separated)
  --subject <text>       Email subject
  --text <text>          Plain text body
  --html <html>          HTML body
  --text-file <path>     Plain text body from file ("-" for stdin)
  --html-file <path>     HTML body from file ("-" for stdin)
  --attachment <path>    Attachment file path (repeatable)
  --in-reply-to <msgid>  Message-ID to reply to
  --dry-run              Print the encoded message instead of sending

List Options:
  --limit <number>       Maximum messages to show (default: 20, newest first)
  --subject <text>       Only messages whose subject contains text
  --from <text>          Only messages whose sender contains text
  --after <date>         Only messages dated on or after date
  --before <date>        Only messages dated on or before date

Fetch Options:
  --id <n>               Message number to fetch
  --which <n>            Alternative body to select (default: 1)
  --output <path>        Output file (default: stdout)
  --format <format>      Output format: text, html or raw (default: text)
  --eml <path>           Save the original message as .eml
  --mbox <path>          Append the message to an mbox file
  --save-attachments <dir>  Save attachments to directory

Delete Options:
  --id <n>               Message number to delete

Watch Options:
  --handler <cmd>        Handler command for new emails (receives raw EML via stdin)
  --interval <seconds>   Poll interval (default: 30)
  --once                 Process existing emails then exit
  --delete               Delete messages after the handler succeeds
  --skip-existing        Ignore messages present at startup

Watch Handler:
  The handler receives the raw RFC 5322 email via stdin. Exit code 0 marks it
  as processed. A JSON line per new message is printed to stdout and status
  lines go to stderr. Use zmail-save to save emails as .eml files:
    zmail watch --handler "zmail-save ./emails"

Examples:
  zmail init
  zmail passwd
  zmail list --limit 5
  zmail list --subject Invoice --after 2024-01-01
  zmail send --to user@example.com --subject "Hello" --text "Hi!"
  zmail fetch --id 3 --save-attachments ./files
  zmail fetch --id 3 --mbox archive.mbox
  zmail decode message.eml
  zmail watch --once --handler "zmail-save ./emails"
`, version)
}
