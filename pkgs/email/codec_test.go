package email

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEncode_TextOnly(t *testing.T) {
	raw, err := Encode(&OutgoingMessage{
		From:     &Address{Name: "Sender", Email: "sender@example.com"},
		To:       []Address{{Email: "rcpt@example.com"}},
		Subject:  "Plain",
		TextBody: "just text",
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	if !strings.Contains(strings.ToLower(s), "mime-version: 1.0") {
		t.Error("missing MIME-Version header")
	}
	if !strings.Contains(s, "text/plain") || strings.Contains(s, "multipart/") {
		t.Errorf("expected a single text/plain part:\n%s", s)
	}

	m, err := Decode(raw, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.TextBody != "just text" || m.HTMLBody != "" {
		t.Errorf("round trip bodies = %q / %q", m.TextBody, m.HTMLBody)
	}
	if m.Subject != "Plain" {
		t.Errorf("Subject = %q", m.Subject)
	}
	if len(m.From) != 1 || m.From[0] != (Address{Name: "Sender", Email: "sender@example.com"}) {
		t.Errorf("From = %+v", m.From)
	}
}

func TestEncode_LineEndings(t *testing.T) {
	for _, body := range []string{
		"line1\nline2",
		"hello\n",
		"crlf\r\nmixed\nend\r\n",
		"\n\nleading blank lines",
	} {
		for _, m := range []*OutgoingMessage{
			{TextBody: body},
			{TextBody: body, HTMLBody: "<p>" + body + "</p>"},
			{TextBody: body, Attachments: []AttachmentPath{{Filename: "a.txt", Data: []byte("x")}}},
		} {
			m.From = &Address{Email: "sender@example.com"}
			m.To = []Address{{Email: "rcpt@example.com"}}
			raw, err := Encode(m)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(raw, 1)
			if err != nil {
				t.Fatal(err)
			}
			if got.TextBody != body {
				t.Errorf("TextBody = %q, want %q", got.TextBody, body)
			}
			if m.HTMLBody != "" && got.HTMLBody != m.HTMLBody {
				t.Errorf("HTMLBody = %q, want %q", got.HTMLBody, m.HTMLBody)
			}
		}
	}
}

func TestEncode_HTMLOnly(t *testing.T) {
	raw, err := Encode(&OutgoingMessage{
		From:     &Address{Email: "sender@example.com"},
		To:       []Address{{Email: "rcpt@example.com"}},
		HTMLBody: "<p>hi</p>",
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := Decode(raw, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.HTMLBody != "<p>hi</p>" || m.TextBody != "" {
		t.Errorf("bodies = %q / %q", m.TextBody, m.HTMLBody)
	}
}

func TestEncode_Alternative(t *testing.T) {
	raw, err := Encode(&OutgoingMessage{
		From:     &Address{Email: "sender@example.com"},
		To:       []Address{{Email: "rcpt@example.com"}},
		Subject:  "Both",
		TextBody: "plain version",
		HTMLBody: "<b>html version</b>",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "multipart/alternative") {
		t.Fatalf("expected multipart/alternative:\n%s", raw)
	}

	m, err := Decode(raw, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.TextBody != "plain version" {
		t.Errorf("TextBody = %q", m.TextBody)
	}
	if m.HTMLBody != "<b>html version</b>" {
		t.Errorf("HTMLBody = %q", m.HTMLBody)
	}
}

func TestEncode_Attachments(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "doc.pdf")
	if err := os.WriteFile(pdf, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	raw, err := Encode(&OutgoingMessage{
		From:     &Address{Email: "sender@example.com"},
		To:       []Address{{Email: "rcpt@example.com"}},
		Subject:  "Files",
		TextBody: "see attached",
		HTMLBody: "<p>see attached</p>",
		Attachments: []AttachmentPath{
			{Path: pdf},
			{Filename: "pixel", Data: png},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "multipart/mixed") {
		t.Fatalf("expected multipart/mixed:\n%s", raw)
	}

	m, err := Decode(raw, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.TextBody != "see attached" || m.HTMLBody != "<p>see attached</p>" {
		t.Errorf("bodies = %q / %q", m.TextBody, m.HTMLBody)
	}
	if len(m.Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(m.Attachments))
	}
	if a := m.Attachments[0]; a.Filename != "doc.pdf" || a.ContentType != "application/pdf" || string(a.Data) != "%PDF-1.4 fake" {
		t.Errorf("attachment 0 = %s %s %q", a.Filename, a.ContentType, a.Data)
	}
	if a := m.Attachments[1]; a.Filename != "pixel" || a.ContentType != "image/png" || string(a.Data) != string(png) {
		t.Errorf("attachment 1 = %s %s %q", a.Filename, a.ContentType, a.Data)
	}
}

func TestEncode_MissingAttachment(t *testing.T) {
	_, err := Encode(&OutgoingMessage{
		From:        &Address{Email: "sender@example.com"},
		To:          []Address{{Email: "rcpt@example.com"}},
		TextBody:    "x",
		Attachments: []AttachmentPath{{Path: filepath.Join(t.TempDir(), "missing.txt")}},
	})
	if err == nil {
		t.Fatal("expected an error for a missing attachment")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestEncode_NoSender(t *testing.T) {
	if _, err := Encode(&OutgoingMessage{TextBody: "x"}); err == nil {
		t.Fatal("expected an error without From")
	}
	if _, err := Encode(nil); err == nil {
		t.Fatal("expected an error for nil message")
	}
}

func TestEncode_Headers(t *testing.T) {
	raw, err := Encode(&OutgoingMessage{
		From:       &Address{Email: "sender@example.com"},
		To:         []Address{{Email: "rcpt@example.com"}},
		Cc:         []Address{{Name: "Carbon", Email: "cc@example.com"}},
		Bcc:        []Address{{Email: "hidden@example.com"}},
		Subject:    "Grüße aus Köln",
		TextBody:   "x",
		InReplyTo:  "parent@example.com",
		References: []string{"<root@example.com>", "parent@example.com"},
		Headers:    map[string]string{"X-Priority": "1", "Bcc": "hidden@example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	s := string(raw)
	if strings.Contains(s, "hidden@example.com") {
		t.Error("Bcc leaked into the encoded message")
	}
	if !strings.Contains(s, "X-Priority: 1") {
		t.Error("extra header missing")
	}
	if !strings.Contains(s, "References: <root@example.com> <parent@example.com>") {
		t.Errorf("References not normalized:\n%s", s)
	}

	m, err := Decode(raw, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.Subject != "Grüße aus Köln" {
		t.Errorf("Subject round trip = %q", m.Subject)
	}
	if m.InReplyTo != "parent@example.com" {
		t.Errorf("InReplyTo = %q", m.InReplyTo)
	}
	if len(m.Cc) != 1 || m.Cc[0].Name != "Carbon" {
		t.Errorf("Cc = %+v", m.Cc)
	}
	if !strings.HasSuffix(m.MessageID, "@example.com") {
		t.Errorf("MessageID = %q", m.MessageID)
	}
}

func TestEncode_UTF8Body(t *testing.T) {
	body := "Привет, 世界"
	raw, err := Encode(&OutgoingMessage{
		From:     &Address{Email: "sender@example.com"},
		To:       []Address{{Email: "rcpt@example.com"}},
		TextBody: body,
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := Decode(raw, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.TextBody != body {
		t.Errorf("TextBody = %q, want %q", m.TextBody, body)
	}
}

func TestGenerateMessageID(t *testing.T) {
	tests := []struct {
		email  string
		domain string
	}{
		{"user@gmail.com", "@gmail.com"},
		{"admin@corp.co.uk", "@corp.co.uk"},
		{"nodomain", "@localhost"},
		{"trailing@", "@localhost"},
	}

	for _, tc := range tests {
		id := GenerateMessageID(tc.email)
		if !strings.HasSuffix(id, tc.domain) {
			t.Errorf("GenerateMessageID(%q) = %q, want domain %q", tc.email, id, tc.domain)
		}
		if strings.ContainsAny(id, "<>") {
			t.Errorf("GenerateMessageID(%q) = %q has angle brackets", tc.email, id)
		}
	}
}

func TestGenerateMessageID_Uniqueness(t *testing.T) {
	ids := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := GenerateMessageID("user@example.com")
		if _, dup := ids[id]; dup {
			t.Fatalf("duplicate ID: %s", id)
		}
		ids[id] = struct{}{}
	}
}

func TestAttachmentType(t *testing.T) {
	tests := []struct {
		name string
		head string
		want string
	}{
		{"report.pdf", "", "application/pdf"},
		{"page.html", "", "text/html"},
		{"noext", "\x89PNG\r\n\x1a\n", "image/png"},
		{"noext", "hello world", "text/plain"},
		{"noext", "", "application/octet-stream"},
	}
	for _, tc := range tests {
		if got := attachmentType(tc.name, []byte(tc.head)); got != tc.want {
			t.Errorf("attachmentType(%q, %q) = %q, want %q", tc.name, tc.head, got, tc.want)
		}
	}
}
