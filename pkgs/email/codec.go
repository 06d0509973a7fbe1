package email

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// sniffLen is the number of bytes http.DetectContentType considers.
const sniffLen = 512

var errNoSender = errors.New("message has no sender")

// Encode renders m as an RFC 5322 message.
func Encode(m *OutgoingMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeTo(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeTo streams the encoded form of m to w.
//
// A message with only one body is written as a single inline part, both
// bodies become a multipart/alternative, and attachments wrap everything in a
// multipart/mixed with one base64 part per file. Bodies are base64 as well so
// their line endings survive a round trip unchanged.
func EncodeTo(w io.Writer, m *OutgoingMessage) error {
	if m == nil || m.From == nil {
		return errNoSender
	}

	h := buildHeader(m)

	if len(m.Attachments) == 0 {
		return writeBodies(w, h, m)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return err
	}

	if m.TextBody != "" && m.HTMLBody != "" {
		iw, err := mw.CreateInline()
		if err != nil {
			return err
		}
		if err := writeAlternatives(iw, m); err != nil {
			return err
		}
	} else {
		var ih mail.InlineHeader
		ct, body := singleBody(m)
		ih.SetContentType(ct, map[string]string{"charset": "utf-8"})
		ih.Set("Content-Transfer-Encoding", "base64")
		pw, err := mw.CreateSingleInline(ih)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, body); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	for _, att := range m.Attachments {
		if err := writeAttachment(mw, att); err != nil {
			return err
		}
	}

	return mw.Close()
}

func buildHeader(m *OutgoingMessage) mail.Header {
	var h mail.Header

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, m.Headers[k])
	}

	h.SetDate(time.Now())
	h.SetSubject(m.Subject)
	h.SetAddressList("From", toMailAddrs([]Address{*m.From}))
	if len(m.To) > 0 {
		h.SetAddressList("To", toMailAddrs(m.To))
	}
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddrs(m.Cc))
	}
	h.Del("Bcc")

	if m.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{trimMsgID(m.InReplyTo)})
	}
	if len(m.References) > 0 {
		refs := make([]string, len(m.References))
		for i, r := range m.References {
			refs[i] = trimMsgID(r)
		}
		h.SetMsgIDList("References", refs)
	}

	h.SetMessageID(GenerateMessageID(m.From.Email))
	return h
}

func writeBodies(w io.Writer, h mail.Header, m *OutgoingMessage) error {
	if m.TextBody != "" && m.HTMLBody != "" {
		iw, err := mail.CreateInlineWriter(w, h)
		if err != nil {
			return err
		}
		return writeAlternatives(iw, m)
	}

	ct, body := singleBody(m)
	h.SetContentType(ct, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "base64")
	bw, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(bw, body); err != nil {
		return err
	}
	return bw.Close()
}

func writeAlternatives(iw *mail.InlineWriter, m *OutgoingMessage) error {
	for _, alt := range []struct{ ct, body string }{
		{"text/plain", m.TextBody},
		{"text/html", m.HTMLBody},
	} {
		var h mail.InlineHeader
		h.SetContentType(alt.ct, map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "base64")
		pw, err := iw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, alt.body); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	return iw.Close()
}

// singleBody picks the only body present. A message with neither gets an
// empty text part.
func singleBody(m *OutgoingMessage) (string, string) {
	if m.TextBody == "" && m.HTMLBody != "" {
		return "text/html", m.HTMLBody
	}
	return "text/plain", m.TextBody
}

func writeAttachment(mw *mail.Writer, att AttachmentPath) error {
	name := att.Filename
	if name == "" {
		name = filepath.Base(att.Path)
	}

	var src *bufio.Reader
	if att.Data != nil {
		src = bufio.NewReader(bytes.NewReader(att.Data))
	} else {
		f, err := os.Open(att.Path)
		if err != nil {
			return fmt.Errorf("failed to open attachment %s: %w", att.Path, err)
		}
		defer f.Close()
		src = bufio.NewReaderSize(f, sniffLen)
	}

	head, _ := src.Peek(sniffLen)

	var h mail.AttachmentHeader
	h.SetContentType(attachmentType(name, head), nil)
	h.SetFilename(name)

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("failed to copy attachment %s: %w", name, err)
	}
	return w.Close()
}

// attachmentType guesses a media type from the extension, then from content.
// Parameters are dropped since attachment bodies are written verbatim.
func attachmentType(name string, head []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	if len(head) > 0 {
		if mt, _, err := mime.ParseMediaType(http.DetectContentType(head)); err == nil {
			return mt
		}
	}
	return "application/octet-stream"
}

func toMailAddrs(addrs []Address) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Name: a.Name, Address: a.Email}
	}
	return out
}

func trimMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// GenerateMessageID returns a message identifier (without angle brackets)
// using the domain of the sender's address.
func GenerateMessageID(fromEmail string) string {
	domain := "localhost"
	if idx := strings.LastIndex(fromEmail, "@"); idx >= 0 && idx < len(fromEmail)-1 {
		domain = fromEmail[idx+1:]
	}
	return uuid.NewString() + "@" + domain
}
