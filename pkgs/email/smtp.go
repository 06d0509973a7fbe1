package email

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// smtpSession is the SMTP half of a MailServer. It opens lazily, stays open
// between sends and is discarded when the connection breaks or times out.
type smtpSession struct {
	mu     sync.Mutex
	cfg    transportConfig
	state  sessionState
	client *smtp.Client
}

func newSMTPSession(cfg transportConfig) *smtpSession {
	return &smtpSession{cfg: cfg}
}

// connect dials, upgrades and authenticates. The caller holds mu.
func (s *smtpSession) connect() error {
	conn, err := dial(s.cfg, s.cfg.ssl)
	if err != nil {
		return transportError("SMTP", "connect", err)
	}

	var c *smtp.Client
	if s.cfg.starttls {
		// The greeting and STARTTLS run before CommandTimeout can be set.
		if s.cfg.timeout > 0 {
			conn.SetDeadline(time.Now().Add(s.cfg.timeout))
		}
		c, err = smtp.NewClientStartTLS(conn, s.cfg.clientTLS())
		if err != nil {
			conn.Close()
			return transportError("SMTP", "STARTTLS", err)
		}
		conn.SetDeadline(time.Time{})
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = s.cfg.timeout
	c.SubmissionTimeout = s.cfg.timeout
	if s.cfg.debug {
		c.DebugWriter = &debugWriter{logger: s.cfg.logger, protocol: "smtp"}
	}

	if s.cfg.password != "" {
		auth := sasl.NewPlainClient("", s.cfg.username, s.cfg.password)
		if err := c.Auth(auth); err != nil {
			c.Close()
			return authError("SMTP", err)
		}
	}

	s.client = c
	s.state = stateReady
	s.cfg.logger.Debug("smtp connected", "host", s.cfg.host, "port", s.cfg.port)
	return nil
}

func (s *smtpSession) ensure() error {
	if s.state == stateReady {
		return nil
	}
	return s.connect()
}

// discard drops the connection without QUIT. The caller holds mu.
func (s *smtpSession) discard() {
	if s.client != nil {
		s.client.Close()
	}
	s.client = nil
	if s.state != stateDisconnected {
		s.cfg.logger.Debug("smtp session discarded")
	}
	s.state = stateDisconnected
}

// send delivers data, retrying once on a fresh connection when the first
// attempt failed because the connection broke or timed out.
func (s *smtpSession) send(from string, rcpts []string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.sendOnce(from, rcpts, data)
	if err == nil || !discardable(err) {
		return err
	}
	s.cfg.logger.Debug("smtp send failed, retrying once", "error", err)
	return s.sendOnce(from, rcpts, data)
}

func (s *smtpSession) sendOnce(from string, rcpts []string, data []byte) error {
	if err := s.ensure(); err != nil {
		return err
	}
	if err := s.client.SendMail(from, rcpts, bytes.NewReader(data)); err != nil {
		terr := transportError("SMTP", "send", err)
		if discardable(terr) {
			s.discard()
		} else {
			_ = s.client.Reset()
		}
		return terr
	}
	s.cfg.logger.Debug("smtp message sent", "from", from, "recipients", len(rcpts))
	return nil
}

// check verifies the server accepts the credentials.
func (s *smtpSession) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateReady {
		if err := s.client.Noop(); err == nil {
			return nil
		}
		s.discard()
	}
	return s.connect()
}

func (s *smtpSession) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReady {
		return nil
	}
	err := s.client.Quit()
	s.discard()
	if err != nil && !isConnectionError(err) {
		return transportError("SMTP", "QUIT", err)
	}
	return nil
}

// authError classifies a rejected login. Only broken or timed-out
// connections keep their own kind.
func authError(protocol string, err error) error {
	kind := ErrAuthentication
	var se *smtp.SMTPError
	switch {
	case isTimeout(err):
		kind = ErrTransportTimeout
	case errors.As(err, &se) && se.Code == 421:
		kind = ErrConnection
	case errors.As(err, &se):
	case isConnectionError(err):
		kind = ErrConnection
	}
	return &TransportError{Protocol: protocol, Op: "auth", Kind: kind, Err: err}
}
