package email

import (
	"bytes"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateReady
)

func (s sessionState) String() string {
	if s == stateReady {
		return "ready"
	}
	return "disconnected"
}

// transportConfig holds what a session needs to reach and log in to one
// server.
type transportConfig struct {
	host     string
	port     int
	ssl      bool
	starttls bool

	username string
	password string

	timeout   time.Duration
	tlsConfig *tls.Config
	debug     bool
	logger    *slog.Logger
}

func (c transportConfig) addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// clientTLS returns the client TLS configuration for the server.
func (c transportConfig) clientTLS() *tls.Config {
	var cfg *tls.Config
	if c.tlsConfig != nil {
		cfg = c.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.host
	}
	return cfg
}

// dial opens a TCP connection, wrapped in TLS when implicit is set. The
// dialer timeout also bounds the TLS handshake.
func dial(c transportConfig, implicit bool) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.timeout}
	if implicit {
		return tls.DialWithDialer(dialer, "tcp", c.addr(), c.clientTLS())
	}
	return dialer.Dial("tcp", c.addr())
}

// debugWriter turns a protocol trace into debug log records, one per line.
type debugWriter struct {
	logger   *slog.Logger
	protocol string
	buf      []byte
}

func (w *debugWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.logger.Debug(w.protocol+" trace", "line", redactLine(line))
	}
	return len(p), nil
}

// redactLine hides credentials from protocol traces.
func redactLine(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return line
	}
	switch strings.ToUpper(fields[0]) {
	case "PASS":
		return "PASS ****"
	case "AUTH":
		if len(fields) > 2 {
			return fields[0] + " " + fields[1] + " ****"
		}
	}
	return line
}
