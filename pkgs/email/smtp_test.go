package email

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// ---------------------------------------------------------------------------
// SMTP mock server
// ---------------------------------------------------------------------------

type smtpTestMessage struct {
	From string
	To   []string
	Data []byte
}

type smtpTestBackend struct {
	mu       sync.Mutex
	messages []*smtpTestMessage
	conns    []*gosmtp.Conn
	sessions int
	// hangUp closes every connection as soon as the client says EHLO.
	hangUp bool
}

func (be *smtpTestBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	be.mu.Lock()
	be.conns = append(be.conns, c)
	be.sessions++
	hangUp := be.hangUp
	be.mu.Unlock()
	if hangUp {
		c.Conn().Close()
		return nil, errors.New("connection dropped")
	}
	return &smtpTestSession{backend: be}, nil
}

func (be *smtpTestBackend) Messages() []*smtpTestMessage {
	be.mu.Lock()
	defer be.mu.Unlock()
	return append([]*smtpTestMessage(nil), be.messages...)
}

func (be *smtpTestBackend) Sessions() int {
	be.mu.Lock()
	defer be.mu.Unlock()
	return be.sessions
}

// dropAll closes every client connection without a reply, the way an idle
// server timeout looks from the client side.
func (be *smtpTestBackend) dropAll() {
	be.mu.Lock()
	defer be.mu.Unlock()
	for _, c := range be.conns {
		c.Conn().Close()
	}
	be.conns = nil
}

type smtpTestSession struct {
	backend *smtpTestBackend
	msg     *smtpTestMessage
}

func (s *smtpTestSession) AuthMechanisms() []string { return []string{"PLAIN"} }

func (s *smtpTestSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != "testuser@example.com" || password != "testpass" {
			return &gosmtp.SMTPError{
				Code:         535,
				EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
				Message:      "invalid credentials",
			}
		}
		return nil
	}), nil
}

func (s *smtpTestSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.msg = &smtpTestMessage{From: from}
	return nil
}

func (s *smtpTestSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if strings.HasPrefix(to, "reject") {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "no such user",
		}
	}
	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpTestSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *smtpTestSession) Reset()        { s.msg = nil }
func (s *smtpTestSession) Logout() error { return nil }

// Ensure interface conformance
var _ gosmtp.AuthSession = (*smtpTestSession)(nil)

type smtpServerMode int

const (
	smtpPlain smtpServerMode = iota
	smtpStartTLS
	smtpImplicitTLS
)

// newTestSMTPServer starts a mock SMTP server.  Returns the backend (to
// inspect received mail) and the listen address.
func newTestSMTPServer(t *testing.T, mode smtpServerMode) (*smtpTestBackend, string) {
	t.Helper()

	be := &smtpTestBackend{}
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	var (
		ln  net.Listener
		err error
	)
	switch mode {
	case smtpStartTLS:
		srv.TLSConfig = newTestTLSConfig(t)
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	case smtpImplicitTLS:
		ln, err = tls.Listen("tcp", "127.0.0.1:0", newTestTLSConfig(t))
	default:
		ln, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		t.Fatal(err)
	}

	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return be, ln.Addr().String()
}

func testOutgoing() *OutgoingMessage {
	return &OutgoingMessage{
		From:     &Address{Name: "Sender", Email: "testuser@example.com"},
		To:       []Address{{Name: "Recipient", Email: "rcpt@example.com"}},
		Subject:  "Test Subject",
		TextBody: "Hello, World!",
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSMTPSend_PlainText(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	if err := s.SendMail([]string{"rcpt@example.com"}, testOutgoing()); err != nil {
		t.Fatalf("SendMail() error: %v", err)
	}

	msgs := be.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].From != "testuser@example.com" {
		t.Errorf("unexpected From: %s", msgs[0].From)
	}
	if len(msgs[0].To) != 1 || msgs[0].To[0] != "rcpt@example.com" {
		t.Errorf("unexpected To: %v", msgs[0].To)
	}
	// Check Subject appears in raw data
	if !strings.Contains(string(msgs[0].Data), "Test Subject") {
		t.Error("subject not found in message data")
	}
}

func TestSMTPSend_StartTLS(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpStartTLS)
	s := newTestMailServer(t, addr, "", func(c *testServerConfig) { c.smtpTLS = true })

	if err := s.SendMail(nil, testOutgoing()); err != nil {
		t.Fatalf("SendMail() error: %v", err)
	}
	if len(be.Messages()) != 1 {
		t.Fatalf("expected 1 message, got %d", len(be.Messages()))
	}
}

func TestSMTPSend_ImplicitTLS(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpImplicitTLS)
	s := newTestMailServer(t, addr, "", func(c *testServerConfig) { c.smtpSSL = true })

	if err := s.SendMail(nil, testOutgoing()); err != nil {
		t.Fatalf("SendMail() error: %v", err)
	}
	if len(be.Messages()) != 1 {
		t.Fatalf("expected 1 message, got %d", len(be.Messages()))
	}
}

func TestSMTPSend_HTMLBody(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	msg := testOutgoing()
	msg.TextBody = ""
	msg.HTMLBody = "<p>Hello</p>"
	if err := s.SendMail(nil, msg); err != nil {
		t.Fatal(err)
	}

	msgs := be.Messages()
	if !strings.Contains(string(msgs[0].Data), "text/html") {
		t.Error("expected text/html in message data")
	}
}

func TestSMTPSend_EnvelopeIncludesCcBcc(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	msg := testOutgoing()
	msg.To = []Address{{Email: "to1@example.com"}, {Email: "to2@example.com"}}
	msg.Cc = []Address{{Email: "cc@example.com"}}
	msg.Bcc = []Address{{Email: "bcc@example.com"}, {Email: "TO1@example.com"}}
	if err := s.SendMail(nil, msg); err != nil {
		t.Fatal(err)
	}

	msgs := be.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	// SMTP RCPT TO should contain all recipients (To+Cc+Bcc), deduplicated
	want := []string{"to1@example.com", "to2@example.com", "cc@example.com", "bcc@example.com"}
	if strings.Join(msgs[0].To, ",") != strings.Join(want, ",") {
		t.Errorf("RCPT TO = %v, want %v", msgs[0].To, want)
	}
	if strings.Contains(string(msgs[0].Data), "bcc@example.com") {
		t.Error("Bcc address leaked into the message headers")
	}
}

func TestSMTPSend_AutoFill(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	err := s.SendMail([]string{"Alice <alice@example.com>"}, &OutgoingMessage{
		Subject:  "auto",
		TextBody: "filled",
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := be.Messages()
	if msgs[0].From != "testuser@example.com" {
		t.Errorf("envelope sender = %q, want account username", msgs[0].From)
	}
	data := string(msgs[0].Data)
	if !strings.Contains(data, "From: <testuser@example.com>") {
		t.Errorf("From header not auto-filled:\n%s", data)
	}
	if !strings.Contains(data, `To: "Alice" <alice@example.com>`) && !strings.Contains(data, "To: Alice <alice@example.com>") {
		t.Errorf("To header not auto-filled:\n%s", data)
	}
}

func TestSMTPSend_NoAutoFill(t *testing.T) {
	_, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "", func(c *testServerConfig) {
		c.opts = append(c.opts, WithAutoAddFrom(false))
	})

	err := s.SendMail([]string{"rcpt@example.com"}, &OutgoingMessage{Subject: "x", TextBody: "y"})
	if err == nil {
		t.Fatal("expected an error for a message without sender")
	}
}

func TestSMTPSend_NoRecipients(t *testing.T) {
	_, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	msg := testOutgoing()
	msg.To = nil
	if err := s.SendMail(nil, msg); err == nil {
		t.Fatal("expected an error without recipients")
	}
}

func TestSMTPSend_BadAuth(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "", func(c *testServerConfig) { c.password = "wrong" })

	err := s.SendMail(nil, testOutgoing())
	if err == nil {
		t.Fatal("expected auth error, got nil")
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("expected ErrAuthentication, got %v", err)
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Protocol != "SMTP" {
		t.Errorf("expected an SMTP TransportError, got %T", err)
	}
	if len(be.Messages()) != 0 {
		t.Error("message delivered despite failed login")
	}
}

func TestSMTPSend_RejectedRecipientKeepsSession(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	err := s.SendMail([]string{"reject@example.com"}, testOutgoing())
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if err := s.SendMail([]string{"rcpt@example.com"}, testOutgoing()); err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if got := be.Sessions(); got != 1 {
		t.Errorf("expected the session to be reused, got %d sessions", got)
	}
}

func TestSMTPSend_ReusesSession(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	for i := 0; i < 3; i++ {
		if err := s.SendMail(nil, testOutgoing()); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(be.Messages()); got != 3 {
		t.Errorf("expected 3 messages, got %d", got)
	}
	if got := be.Sessions(); got != 1 {
		t.Errorf("expected 1 session, got %d", got)
	}
}

func TestSMTPSend_RetriesAfterDroppedConnection(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	if err := s.CheckSMTP(); err != nil {
		t.Fatal(err)
	}
	be.dropAll()

	if err := s.SendMail(nil, testOutgoing()); err != nil {
		t.Fatalf("SendMail() after drop: %v", err)
	}
	if got := len(be.Messages()); got != 1 {
		t.Errorf("expected 1 message, got %d", got)
	}
	if got := be.Sessions(); got != 2 {
		t.Errorf("expected a second session, got %d", got)
	}
}

func TestSMTPSend_ServerDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := newTestMailServer(t, addr, "")
	err = s.SendMail(nil, testOutgoing())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestSMTPSend_RetriesOnceThenFails(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	be.mu.Lock()
	be.hangUp = true
	be.mu.Unlock()
	s := newTestMailServer(t, addr, "")

	err := s.SendMail(nil, testOutgoing())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if got := be.Sessions(); got != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", got)
	}
	if got := len(be.Messages()); got != 0 {
		t.Errorf("expected no delivered message, got %d", got)
	}
}

func TestSMTPSend_MessageIDPresent(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	if err := s.SendMail(nil, testOutgoing()); err != nil {
		t.Fatal(err)
	}

	data := string(be.Messages()[0].Data)
	if !strings.Contains(data, "Message-Id: <") {
		t.Error("Message-Id header not found in sent message")
	}
	if !strings.Contains(data, "@example.com>") {
		t.Error("Message-Id does not contain sender domain")
	}
}

func TestSMTPSend_Reply(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	msg := testOutgoing()
	msg.Subject = "Re: Original"
	msg.InReplyTo = "<original@example.com>"
	msg.References = []string{"<original@example.com>"}
	if err := s.SendMail(nil, msg); err != nil {
		t.Fatal(err)
	}

	data := string(be.Messages()[0].Data)
	if !strings.Contains(data, "In-Reply-To: <original@example.com>") {
		t.Error("In-Reply-To header not found")
	}
	if !strings.Contains(data, "References: <original@example.com>") {
		t.Error("References header not found")
	}
}

func TestSMTPSend_Attachment(t *testing.T) {
	be, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	path := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(path, []byte("quarterly numbers"), 0o644); err != nil {
		t.Fatal(err)
	}
	msg := testOutgoing()
	msg.Attachments = []AttachmentPath{{Path: path}}
	if err := s.SendMail(nil, msg); err != nil {
		t.Fatal(err)
	}

	m, err := Decode(be.Messages()[0].Data, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Attachments) != 1 || m.Attachments[0].Filename != "report.txt" {
		t.Fatalf("unexpected attachments: %+v", m.Attachments)
	}
	if string(m.Attachments[0].Data) != "quarterly numbers" {
		t.Errorf("attachment data = %q", m.Attachments[0].Data)
	}
}

func TestSMTPClose(t *testing.T) {
	_, addr := newTestSMTPServer(t, smtpPlain)
	s := newTestMailServer(t, addr, "")

	if err := s.CheckSMTP(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	// Second close should be fine
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRedactLine(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"PASS hunter2", "PASS ****"},
		{"pass hunter2", "PASS ****"},
		{"AUTH PLAIN AHVzZXIAcGFzcw==", "AUTH PLAIN ****"},
		{"AUTH LOGIN", "AUTH LOGIN"},
		{"USER alice", "USER alice"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := redactLine(tc.in); got != tc.want {
			t.Errorf("redactLine(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
