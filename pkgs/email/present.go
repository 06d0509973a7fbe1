package email

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// PreviewLength is the number of body runes Show prints.
const PreviewLength = 500

// Show renders a human-readable summary of m.
func Show(m *DecodedMessage) string {
	if m == nil {
		return "(no message)\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	fmt.Fprintf(&b, "From: %s\n", FormatAddressList(m.From))
	fmt.Fprintf(&b, "To: %s\n", FormatAddressList(m.To))
	if len(m.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", FormatAddressList(m.Cc))
	}
	if !m.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", m.Date.Format(time.RFC1123Z))
	}
	if m.MessageID != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\n", m.MessageID)
	}

	if len(m.Attachments) > 0 {
		fmt.Fprintf(&b, "Attachments (%d):\n", len(m.Attachments))
		for i, att := range m.Attachments {
			name := att.Filename
			if name == "" {
				name = "(unnamed)"
			}
			if att.Failed {
				fmt.Fprintf(&b, "  [%d] %s (%s, undecodable)\n", i+1, name, att.ContentType)
				continue
			}
			fmt.Fprintf(&b, "  [%d] %s (%s, %d bytes)\n", i+1, name, att.ContentType, len(att.Data))
		}
	}

	body := m.TextBody
	if body == "" {
		body = m.HTMLBody
	}
	if body != "" {
		fmt.Fprintf(&b, "\n%s\n", Truncate(body, PreviewLength))
	}
	return b.String()
}

// GetHTML returns the selected HTML body, or "" when there is none.
func GetHTML(m *DecodedMessage) string {
	if m == nil {
		return ""
	}
	return m.HTMLBody
}

// GetAttachments returns the decoded attachments in order, skipping parts
// that could not be decoded.
func GetAttachments(m *DecodedMessage) []NamedData {
	if m == nil {
		return nil
	}
	var out []NamedData
	for _, att := range m.Attachments {
		if att.Failed {
			continue
		}
		out = append(out, NamedData{Filename: att.Filename, Data: att.Data})
	}
	return out
}

// SaveAttachments writes every decoded attachment into dir and returns the
// written paths. Unnamed attachments are saved as attachment-N. Names that
// would leave dir are skipped.
func SaveAttachments(m *DecodedMessage, dir string, overwrite bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var paths []string
	for i, att := range GetAttachments(m) {
		name := att.Filename
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		path, err := validateAttachmentPath(dir, name)
		if err != nil {
			continue
		}
		if err := writeFile(path, att.Data, overwrite); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// validateAttachmentPath checks that the resolved path stays within baseDir.
func validateAttachmentPath(baseDir, filename string) (string, error) {
	// Clean the filename to prevent path traversal
	cleaned := filepath.Base(filepath.FromSlash(strings.ReplaceAll(filename, `\`, "/")))
	if cleaned == "." || cleaned == ".." || cleaned == string(filepath.Separator) {
		return "", fmt.Errorf("invalid attachment filename: %s", filename)
	}
	full := filepath.Join(baseDir, cleaned)
	absBase, _ := filepath.Abs(baseDir)
	absFull, _ := filepath.Abs(full)
	if !strings.HasPrefix(absFull, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("attachment path escapes target directory: %s", filename)
	}
	return full, nil
}

// FormatAddressList joins addresses with ", ".
func FormatAddressList(addrs []Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// Truncate truncates a string to maxLen runes, preserving UTF-8 boundaries.
func Truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
