package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emx-mail/zmail/pkgs/email"
)

const version = "1.0.0"

func main() {
	args := os.Args[1:]

	if len(args) != 1 || args[0] == "-h" || args[0] == "--help" {
		fatalUsage()
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatal("failed to read stdin: %v", err)
	}

	res, err := save(args[0], data, time.Now())
	if err != nil {
		fatal("%v", err)
	}

	// Status goes to stderr, as per the watch handler protocol.
	line, _ := json.Marshal(res)
	fmt.Fprintln(os.Stderr, string(line))
}

type saveResult struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Path      string `json:"path"`
}

// save writes data into dir under a name derived from its Message-ID. An
// existing file is never overwritten; a timestamp is appended instead.
func save(dir string, data []byte, now time.Time) (*saveResult, error) {
	if len(data) == 0 {
		return nil, errors.New("no email data received")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Only the header is needed for naming. A message whose header cannot be
	// parsed is still saved.
	var msg *email.DecodedMessage
	if m, err := email.DecodeHeader(data); err == nil {
		msg = m
	}

	name := email.SuggestFilename(msg)
	path := filepath.Join(dir, name)
	err := email.SaveRaw(data, path, false)
	if errors.Is(err, email.ErrFileExists) {
		stem := strings.TrimSuffix(name, ".eml")
		path = filepath.Join(dir, stem+"-"+now.Format("20060102-150405")+".eml")
		err = email.SaveRaw(data, path, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	res := &saveResult{Type: "saved", Path: path}
	if msg != nil {
		res.MessageID = msg.MessageID
	}
	return res, nil
}

func fatalUsage() {
	fmt.Fprintf(os.Stderr, `zmail-save v%s - Save email from stdin as .eml file

Usage:
  zmail-save <directory>

Description:
  Reads a raw RFC 5322 email from stdin and saves it unchanged as an .eml
  file in the specified directory. The file is named after the Message-ID
  header, or the Date header when there is none, sanitized for filesystem
  safety.

Examples:
  # In watch mode
  zmail watch --handler "zmail-save ./emails"

  # Standalone usage
  cat message.eml | zmail-save ./saved-emails
`, version)
	os.Exit(1)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
