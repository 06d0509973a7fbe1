package email

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/emersion/go-smtp"
)

// Error kinds, matched with errors.Is.
var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrTransportTimeout = errors.New("transport timeout")
	ErrAuthentication   = errors.New("authentication failed")
	ErrConnection       = errors.New("connection failed")
	ErrProtocol         = errors.New("unexpected server response")
	ErrNoMessages       = errors.New("mailbox is empty")
	ErrFileExists       = errors.New("file already exists")
)

// TransportError is returned by SMTP and POP3 operations.
type TransportError struct {
	Protocol string // "SMTP" or "POP3"
	Op       string
	Kind     error
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed: %v: %v", e.Protocol, e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// MalformedMessageError is returned when a message cannot be parsed at all.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrMalformedMessage, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrMalformedMessage, e.Reason)
}

func (e *MalformedMessageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedMessage}
	}
	return []error{ErrMalformedMessage, e.Err}
}

func (f PartFailure) Error() string {
	return fmt.Sprintf("part %d (%s): %v", f.Index, f.ContentType, f.Err)
}

// pop3Error is a -ERR reply.
type pop3Error struct {
	msg string
}

func (e *pop3Error) Error() string {
	return "POP3: " + e.msg
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isConnectionError reports whether err means the connection is no longer
// usable. A server-side 421 counts as a closed channel.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return se.Code == 421
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// isTLSFailure reports a handshake that fails the same way on every attempt.
func isTLSFailure(err error) bool {
	var (
		verify    *tls.CertificateVerificationError
		alert     tls.AlertError
		header    tls.RecordHeaderError
		authority x509.UnknownAuthorityError
		hostname  x509.HostnameError
		invalid   x509.CertificateInvalidError
	)
	return errors.As(err, &verify) || errors.As(err, &alert) || errors.As(err, &header) ||
		errors.As(err, &authority) || errors.As(err, &hostname) || errors.As(err, &invalid)
}

// classify picks the error kind for a transport failure.
func classify(err error) error {
	var se *smtp.SMTPError
	var pe *pop3Error
	switch {
	case isTimeout(err):
		return ErrTransportTimeout
	case errors.As(err, &se) && (se.Code == 535 || se.Code == 534 || se.Code == 530):
		return ErrAuthentication
	case isTLSFailure(err):
		return ErrProtocol
	case isConnectionError(err):
		return ErrConnection
	case errors.As(err, &pe):
		return ErrProtocol
	case errors.As(err, &se):
		return ErrProtocol
	}
	return ErrConnection
}

func transportError(protocol, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Protocol: protocol, Op: op, Kind: classify(err), Err: err}
}

// discardable reports whether a failed session must be torn down.
func discardable(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTransportTimeout)
}
