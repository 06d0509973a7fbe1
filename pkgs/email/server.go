package email

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/emx-mail/zmail/pkgs/provider"
)

// DefaultTimeout bounds every network step when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// headerSummaryLines is the TOP line count used for header-only fetches.
const headerSummaryLines = 0

// MailServer is a stateful handle on one mailbox. It owns one SMTP session
// and one POP3 session, each opened on first use and kept until Close.
//
// A MailServer serializes concurrent calls per protocol; use separate handles
// for parallel work.
type MailServer struct {
	username string
	cfg      provider.Config
	opts     options
	log      *slog.Logger

	smtp *smtpSession
	pop3 *pop3Session
}

type options struct {
	timeout     time.Duration
	debug       bool
	autoAddTo   bool
	autoAddFrom bool
	logger      *slog.Logger
	tlsConfig   *tls.Config
}

// Option configures a MailServer.
type Option func(*options)

// WithTimeout sets the timeout applied to dialing, handshakes, login and
// every command.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDebug enables protocol traces at debug level.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// WithAutoAddTo controls whether SendMail fills an empty To list from the
// envelope recipients.
func WithAutoAddTo(v bool) Option {
	return func(o *options) { o.autoAddTo = v }
}

// WithAutoAddFrom controls whether SendMail fills a missing From with the
// account username.
func WithAutoAddFrom(v bool) Option {
	return func(o *options) { o.autoAddFrom = v }
}

// WithLogger sets the logger for session events and protocol traces. The
// default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTLSConfig sets the client TLS configuration used for implicit TLS and
// STARTTLS/STLS upgrades.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// NewMailServer returns a handle for an already resolved configuration. No
// connection is made until the first operation.
func NewMailServer(username, password string, cfg provider.Config, opts ...Option) *MailServer {
	o := options{
		timeout:     DefaultTimeout,
		autoAddTo:   true,
		autoAddFrom: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	log := o.logger.With("component", "zmail", "user", username)

	base := transportConfig{
		username:  username,
		password:  password,
		timeout:   o.timeout,
		tlsConfig: o.tlsConfig,
		debug:     o.debug,
	}

	smtpCfg := base
	smtpCfg.host, smtpCfg.port = cfg.SMTPHost, cfg.SMTPPort
	smtpCfg.ssl, smtpCfg.starttls = cfg.SMTPSSL, cfg.SMTPTLS
	smtpCfg.logger = log.With("protocol", "smtp")

	popCfg := base
	popCfg.host, popCfg.port = cfg.POPHost, cfg.POPPort
	popCfg.ssl, popCfg.starttls = cfg.POPSSL, cfg.POPTLS
	popCfg.logger = log.With("protocol", "pop3")

	return &MailServer{
		username: username,
		cfg:      cfg,
		opts:     o,
		log:      log,
		smtp:     newSMTPSession(smtpCfg),
		pop3:     newPOP3Session(popCfg),
	}
}

// Server resolves the transport configuration for username and returns a
// handle for it.
func Server(username, password string, overrides provider.Overrides, source provider.Source, opts ...Option) (*MailServer, error) {
	cfg, err := provider.Resolve(username, overrides, source)
	if err != nil {
		return nil, err
	}
	return NewMailServer(username, password, cfg, opts...), nil
}

// Config returns the resolved transport configuration.
func (s *MailServer) Config() provider.Config {
	return s.cfg
}

// Username returns the account the handle logs in as.
func (s *MailServer) Username() string {
	return s.username
}

// SendMail encodes msg and submits it to recipients. Cc and Bcc addresses
// are added to the envelope. A send that fails on a broken or timed-out
// connection is retried once on a new connection.
func (s *MailServer) SendMail(recipients []string, msg *OutgoingMessage) error {
	if msg == nil {
		return errors.New("no message to send")
	}
	m := *msg

	if m.From == nil && s.opts.autoAddFrom {
		m.From = &Address{Email: s.username}
	}
	if len(m.To) == 0 && s.opts.autoAddTo {
		m.To = parseRecipients(recipients)
	}

	data, err := Encode(&m)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	rcpts := envelope(recipients, &m)
	if len(rcpts) == 0 {
		return errors.New("no recipients")
	}

	return s.smtp.send(m.From.Email, rcpts, data)
}

func parseRecipients(recipients []string) []Address {
	out := make([]Address, 0, len(recipients))
	for _, r := range recipients {
		if a, err := mail.ParseAddress(r); err == nil {
			out = append(out, Address{Name: a.Name, Email: a.Address})
		} else if r = strings.TrimSpace(r); r != "" {
			out = append(out, Address{Email: r})
		}
	}
	return out
}

// envelope lists recipients, then Cc, then Bcc, dropping duplicates. Without
// explicit recipients the To list is used.
func envelope(recipients []string, m *OutgoingMessage) []string {
	var all []string
	if len(recipients) > 0 {
		for _, a := range parseRecipients(recipients) {
			all = append(all, a.Email)
		}
	} else {
		for _, a := range m.To {
			all = append(all, a.Email)
		}
	}
	for _, a := range m.Cc {
		all = append(all, a.Email)
	}
	for _, a := range m.Bcc {
		all = append(all, a.Email)
	}

	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, addr := range all {
		key := strings.ToLower(addr)
		if addr == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr)
	}
	return out
}

func (s *MailServer) requirePOP3() error {
	if !s.cfg.POP3Enabled() {
		return &TransportError{Protocol: "POP3", Op: "connect", Kind: ErrConnection,
			Err: fmt.Errorf("no POP3 server configured for %s", s.cfg.Domain)}
	}
	return nil
}

// Stat returns the number of messages and the maildrop size in octets.
func (s *MailServer) Stat() (count, size int, err error) {
	if err := s.requirePOP3(); err != nil {
		return 0, 0, err
	}
	return s.pop3.stat()
}

// GetMail retrieves and decodes message number which.
func (s *MailServer) GetMail(which int) (*DecodedMessage, error) {
	if err := s.requirePOP3(); err != nil {
		return nil, err
	}
	raw, err := s.pop3.retr(which)
	if err != nil {
		return nil, err
	}
	m, err := Decode(raw, 1)
	if err != nil {
		return nil, err
	}
	m.ID = which
	return m, nil
}

// GetRaw retrieves message number which without decoding it.
func (s *MailServer) GetRaw(which int) ([]byte, error) {
	if err := s.requirePOP3(); err != nil {
		return nil, err
	}
	return s.pop3.retr(which)
}

// GetLatest retrieves the newest message.
func (s *MailServer) GetLatest() (*DecodedMessage, error) {
	count, _, err := s.Stat()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNoMessages
	}
	return s.GetMail(count)
}

// GetMails scans the maildrop in order and returns the messages matching f.
// Only header summaries are fetched for messages that do not match.
func (s *MailServer) GetMails(f MailFilter) ([]*DecodedMessage, error) {
	count, _, err := s.Stat()
	if err != nil {
		return nil, err
	}
	start, end := f.window(count)

	var out []*DecodedMessage
	for i := start; i <= end; i++ {
		hdr, err := s.headerSummary(i)
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				s.log.Warn("skipping unparseable message", "index", i, "error", err)
				continue
			}
			return nil, err
		}
		if !f.Match(hdr) {
			continue
		}
		m, err := s.GetMail(i)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// GetHeaders returns header summaries for messages start through end. Zero
// or out-of-range bounds select the whole maildrop.
func (s *MailServer) GetHeaders(start, end int) ([]*DecodedMessage, error) {
	count, _, err := s.Stat()
	if err != nil {
		return nil, err
	}
	start, end = MailFilter{Start: start, End: end}.window(count)

	var out []*DecodedMessage
	for i := start; i <= end; i++ {
		hdr, err := s.headerSummary(i)
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				s.log.Warn("skipping unparseable message", "index", i, "error", err)
				continue
			}
			return nil, err
		}
		out = append(out, hdr)
	}
	return out, nil
}

// headerSummary fetches the header block of message i with TOP, falling
// back to RETR when the server refuses TOP.
func (s *MailServer) headerSummary(i int) (*DecodedMessage, error) {
	raw, err := s.pop3.top(i, headerSummaryLines)
	if isPOP3Refusal(err) {
		s.log.Debug("TOP refused, falling back to RETR", "index", i)
		raw, err = s.pop3.retr(i)
	}
	if err != nil {
		return nil, err
	}
	m, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	m.ID = i
	return m, nil
}

// GetInfo lists every message with its size, unique id when the server
// supports UIDL, and whether this handle already retrieved it.
func (s *MailServer) GetInfo() ([]MailInfo, error) {
	if err := s.requirePOP3(); err != nil {
		return nil, err
	}
	list, err := s.pop3.list()
	if err != nil {
		return nil, err
	}
	uids, _, err := s.pop3.uidl()
	if err != nil {
		return nil, err
	}
	byID := make(map[int]string, len(uids))
	for _, u := range uids {
		byID[u.ID] = u.UID
	}

	out := make([]MailInfo, 0, len(list))
	for _, m := range list {
		out = append(out, MailInfo{
			Index: m.ID,
			Size:  m.Size,
			UID:   byID[m.ID],
			Seen:  s.pop3.isSeen(m.ID),
		})
	}
	return out, nil
}

// Delete marks message which for deletion. The server removes it when the
// session ends with Close.
func (s *MailServer) Delete(which int) error {
	if err := s.requirePOP3(); err != nil {
		return err
	}
	return s.pop3.dele(which)
}

// CheckSMTP connects and authenticates to the SMTP server.
func (s *MailServer) CheckSMTP() error {
	return s.smtp.check()
}

// CheckPOP3 connects and authenticates to the POP3 server.
func (s *MailServer) CheckPOP3() error {
	if err := s.requirePOP3(); err != nil {
		return err
	}
	return s.pop3.check()
}

// Reconnect ends both sessions. The next operation opens new ones, which
// also refreshes the POP3 maildrop snapshot.
func (s *MailServer) Reconnect() error {
	s.log.Debug("reconnecting")
	return s.Close()
}

// Close ends both sessions. Pending POP3 deletions are committed. Calling
// Close on a closed handle does nothing.
func (s *MailServer) Close() error {
	return errors.Join(s.smtp.close(), s.pop3.close())
}

// window clamps the filter's index range to a maildrop of count messages.
func (f MailFilter) window(count int) (start, end int) {
	start, end = f.Start, f.End
	if start < 1 {
		start = 1
	}
	if end < 1 || end > count {
		end = count
	}
	return start, end
}

// Match reports whether m passes the subject, sender and date criteria.
// Subject and sender are case-sensitive substring matches; the date bounds
// are inclusive.
func (f MailFilter) Match(m *DecodedMessage) bool {
	if f.Subject != "" && !strings.Contains(m.Subject, f.Subject) {
		return false
	}
	if f.Sender != "" && !strings.Contains(senderText(m), f.Sender) {
		return false
	}
	if !f.After.IsZero() || !f.Before.IsZero() {
		if m.Date.IsZero() {
			return false
		}
		if !f.After.IsZero() && m.Date.Before(f.After) {
			return false
		}
		if !f.Before.IsZero() && m.Date.After(f.Before) {
			return false
		}
	}
	return true
}

func senderText(m *DecodedMessage) string {
	if v := m.Headers["From"]; v != "" {
		return v
	}
	parts := make([]string, len(m.From))
	for i, a := range m.From {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
