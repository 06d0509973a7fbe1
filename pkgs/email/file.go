package email

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
)

// ReadEML reads and decodes a message file.
func ReadEML(path string, which int) (*DecodedMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Decode(raw, which)
}

// SaveEML writes the original bytes of m to path.
func SaveEML(m *DecodedMessage, path string, overwrite bool) error {
	if m == nil || len(m.Raw) == 0 {
		return errors.New("message has no raw content")
	}
	return SaveRaw(m.Raw, path, overwrite)
}

// SaveRaw writes raw to path. Without overwrite an existing file is an
// ErrFileExists error.
func SaveRaw(raw []byte, path string, overwrite bool) error {
	return writeFile(path, raw, overwrite)
}

func writeFile(path string, data []byte, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// SaveMbox appends msgs to the mbox file at path, creating it if needed.
func SaveMbox(path string, msgs []*DecodedMessage) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open mbox %s: %w", path, err)
	}
	defer f.Close()

	w := mbox.NewWriter(f)
	for _, m := range msgs {
		from := "MAILER-DAEMON"
		if len(m.From) > 0 && m.From[0].Email != "" {
			from = m.From[0].Email
		}
		date := m.Date
		if date.IsZero() {
			date = time.Now()
		}

		mw, err := w.CreateMessage(from, date)
		if err != nil {
			return fmt.Errorf("creating message: %w", err)
		}
		if _, err := mw.Write(m.Raw); err != nil {
			return fmt.Errorf("writing message: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing mbox writer: %w", err)
	}
	return nil
}

// ReadMbox decodes every message of an mbox file. Messages that fail to
// decode abort the read.
func ReadMbox(path string) ([]*DecodedMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mbox %s: %w", path, err)
	}
	defer f.Close()

	var out []*DecodedMessage
	mr := mbox.NewReader(f)
	for {
		r, err := mr.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading mbox message: %w", err)
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("reading mbox message: %w", err)
		}
		m, err := Decode(raw, 1)
		if err != nil {
			return nil, fmt.Errorf("mbox message %d: %w", len(out)+1, err)
		}
		out = append(out, m)
	}
	return out, nil
}

var unsafeFilename = regexp.MustCompile(`[^a-zA-Z0-9._+\-=]`)

// SuggestFilename derives a file name from the Message-ID of m, or from its
// date when there is none.
func SuggestFilename(m *DecodedMessage) string {
	base := ""
	if m != nil {
		base = m.MessageID
		if base == "" && !m.Date.IsZero() {
			base = m.Date.UTC().Format("20060102-150405")
		}
	}
	if base == "" {
		base = "message"
	}
	return sanitizeFilename(base) + ".eml"
}

// sanitizeFilename sanitizes a string for safe use as a filename
func sanitizeFilename(name string) string {
	safe := unsafeFilename.ReplaceAllString(name, "_")
	if len(safe) > 200 {
		safe = safe[:200]
	}
	if strings.Trim(safe, "._") == "" {
		return "message"
	}
	return safe
}
