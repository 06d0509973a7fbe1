package email

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// pop3Session is the POP3 half of a MailServer. The maildrop snapshot the
// server took at login stays in effect until the session is closed.
type pop3Session struct {
	mu    sync.Mutex
	cfg   transportConfig
	state sessionState
	conn  *pop3Conn

	// seen holds the message numbers retrieved during this session.
	seen map[int]bool
}

func newPOP3Session(cfg transportConfig) *pop3Session {
	return &pop3Session{cfg: cfg}
}

// do runs fn on a ready connection. A connection that broke or timed out is
// discarded so the next call starts over.
func (s *pop3Session) do(op string, fn func(c *pop3Conn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReady {
		if err := s.connect(); err != nil {
			return err
		}
	}

	if err := fn(s.conn); err != nil {
		terr := transportError("POP3", op, err)
		if discardable(terr) {
			s.discard()
		}
		return terr
	}
	return nil
}

// connect dials, optionally upgrades with STLS and logs in. The caller
// holds mu.
func (s *pop3Session) connect() error {
	netConn, err := dial(s.cfg, s.cfg.ssl)
	if err != nil {
		return transportError("POP3", "connect", err)
	}

	c := newPOP3Conn(netConn, s.cfg.timeout, s.cfg.logger)

	if _, err := c.readOne(); err != nil {
		netConn.Close()
		return transportError("POP3", "greeting", err)
	}

	if s.cfg.starttls {
		if err := c.stls(s.cfg.clientTLS()); err != nil {
			c.conn.Close()
			return transportError("POP3", "STLS", err)
		}
	}

	if err := c.auth(s.cfg.username, s.cfg.password); err != nil {
		c.conn.Close()
		return authError("POP3", err)
	}

	s.conn = c
	s.state = stateReady
	s.seen = map[int]bool{}
	s.cfg.logger.Debug("pop3 connected", "host", s.cfg.host, "port", s.cfg.port)
	return nil
}

func (s *pop3Session) discard() {
	if s.conn != nil {
		s.conn.conn.Close()
	}
	s.conn = nil
	if s.state != stateDisconnected {
		s.cfg.logger.Debug("pop3 session discarded")
	}
	s.state = stateDisconnected
	s.seen = nil
}

// close sends QUIT, which commits pending deletions.
func (s *pop3Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateReady {
		return nil
	}
	err := s.conn.quit()
	s.conn = nil
	s.state = stateDisconnected
	s.seen = nil
	s.cfg.logger.Debug("pop3 session closed")
	if err != nil && !isConnectionError(err) {
		return transportError("POP3", "QUIT", err)
	}
	return nil
}

func (s *pop3Session) check() error {
	return s.do("NOOP", func(c *pop3Conn) error {
		return c.noop()
	})
}

func (s *pop3Session) stat() (count, size int, err error) {
	err = s.do("STAT", func(c *pop3Conn) error {
		count, size, err = c.stat()
		return err
	})
	return count, size, err
}

func (s *pop3Session) list() ([]pop3MessageID, error) {
	var out []pop3MessageID
	err := s.do("LIST", func(c *pop3Conn) error {
		var err error
		out, err = c.list(0)
		return err
	})
	return out, err
}

// uidl returns the unique-id listing. ok is false when the server refuses
// the command.
func (s *pop3Session) uidl() (ids []pop3MessageID, ok bool, err error) {
	err = s.do("UIDL", func(c *pop3Conn) error {
		var err error
		ids, err = c.uidl(0)
		return err
	})
	if isPOP3Refusal(err) {
		return nil, false, nil
	}
	return ids, err == nil, err
}

func (s *pop3Session) retr(n int) ([]byte, error) {
	var raw []byte
	err := s.do(fmt.Sprintf("RETR %d", n), func(c *pop3Conn) error {
		var err error
		raw, err = c.retr(n)
		if err == nil {
			s.seen[n] = true
		}
		return err
	})
	return raw, err
}

func (s *pop3Session) top(n, lines int) ([]byte, error) {
	var raw []byte
	err := s.do(fmt.Sprintf("TOP %d", n), func(c *pop3Conn) error {
		var err error
		raw, err = c.top(n, lines)
		return err
	})
	return raw, err
}

func (s *pop3Session) dele(n int) error {
	return s.do(fmt.Sprintf("DELE %d", n), func(c *pop3Conn) error {
		return c.dele(n)
	})
}

func (s *pop3Session) isSeen(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[n]
}

// isPOP3Refusal reports a -ERR reply on an otherwise healthy connection.
func isPOP3Refusal(err error) bool {
	return errors.Is(err, ErrProtocol)
}

// ---------- low-level POP3 protocol ----------

// pop3MessageID contains the number and size or unique id of a message.
type pop3MessageID struct {
	ID   int
	Size int
	UID  string // only available via UIDL
}

var (
	pop3LineBreak   = []byte("\r\n")
	pop3RespOK      = []byte("+OK")
	pop3RespOKInfo  = []byte("+OK ")
	pop3RespErr     = []byte("-ERR")
	pop3RespErrInfo = []byte("-ERR ")
)

// pop3Conn is a raw POP3 connection.
type pop3Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
	logger  *slog.Logger
}

func newPOP3Conn(conn net.Conn, timeout time.Duration, logger *slog.Logger) *pop3Conn {
	return &pop3Conn{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		timeout: timeout,
		logger:  logger,
	}
}

func (c *pop3Conn) deadline() {
	if c.timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

// send writes a POP3 command line.
func (c *pop3Conn) send(s string) error {
	c.logger.Debug("pop3 command", "cmd", redactLine(s))
	c.deadline()
	if _, err := c.w.WriteString(s + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// cmd sends a command and reads the response.
// If isMulti is true, it reads until the "." terminator.
func (c *pop3Conn) cmd(cmd string, isMulti bool, args ...any) (*bytes.Buffer, error) {
	cmdLine := cmd
	if len(args) > 0 {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprintf("%v", a)
		}
		cmdLine = cmd + " " + strings.Join(parts, " ")
	}

	if err := c.send(cmdLine); err != nil {
		return nil, err
	}

	b, err := c.readOne()
	if err != nil {
		return nil, err
	}

	if !isMulti {
		return bytes.NewBuffer(b), nil
	}

	return c.readAll()
}

// readLine reads one line without its terminator. Each line gets a fresh
// deadline so large messages are bounded by inactivity, not total size.
func (c *pop3Conn) readLine() ([]byte, error) {
	c.deadline()
	b, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(b, "\r\n"), nil
}

// readOne reads a single-line response and checks +OK/-ERR.
func (c *pop3Conn) readOne() ([]byte, error) {
	b, err := c.readLine()
	if err != nil {
		return nil, err
	}
	return parsePOP3Resp(b)
}

// readAll reads lines until the POP3 multiline terminator ".".
func (c *pop3Conn) readAll() (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	for {
		b, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if bytes.Equal(b, []byte(".")) {
			break
		}
		// Byte-stuff: lines starting with "." have the leading dot removed
		if bytes.HasPrefix(b, []byte("..")) {
			b = b[1:]
		}
		buf.Write(b)
		buf.Write(pop3LineBreak)
	}
	return buf, nil
}

// capa returns the advertised capabilities.
func (c *pop3Conn) capa() (map[string]bool, error) {
	buf, err := c.cmd("CAPA", true)
	if err != nil {
		return nil, err
	}
	caps := map[string]bool{}
	for _, l := range bytes.Split(buf.Bytes(), pop3LineBreak) {
		if f := bytes.Fields(l); len(f) > 0 {
			caps[strings.ToUpper(string(f[0]))] = true
		}
	}
	return caps, nil
}

// stls upgrades the connection to TLS.
func (c *pop3Conn) stls(cfg *tls.Config) error {
	if caps, err := c.capa(); err == nil && !caps["STLS"] {
		return &pop3Error{msg: "server does not advertise STLS"}
	}
	if _, err := c.cmd("STLS", false); err != nil {
		return err
	}
	tlsConn := tls.Client(c.conn, cfg)
	c.deadline()
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.conn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	return nil
}

// auth authenticates with USER/PASS.
func (c *pop3Conn) auth(user, password string) error {
	if _, err := c.cmd("USER", false, user); err != nil {
		return err
	}
	if _, err := c.cmd("PASS", false, password); err != nil {
		return err
	}
	// NOOP to confirm auth succeeded
	return c.noop()
}

func (c *pop3Conn) noop() error {
	_, err := c.cmd("NOOP", false)
	return err
}

// stat returns message count and total size.
func (c *pop3Conn) stat() (count, size int, err error) {
	b, err := c.cmd("STAT", false)
	if err != nil {
		return 0, 0, err
	}
	f := bytes.Fields(b.Bytes())
	if len(f) < 2 {
		return 0, 0, &pop3Error{msg: "malformed STAT reply: " + b.String()}
	}
	count, err1 := strconv.Atoi(string(f[0]))
	size, err2 := strconv.Atoi(string(f[1]))
	if err1 != nil || err2 != nil {
		return 0, 0, &pop3Error{msg: "malformed STAT reply: " + b.String()}
	}
	return count, size, nil
}

// list returns message IDs and sizes. If msgID > 0, only that message.
func (c *pop3Conn) list(msgID int) ([]pop3MessageID, error) {
	var buf *bytes.Buffer
	var err error

	if msgID <= 0 {
		buf, err = c.cmd("LIST", true)
	} else {
		buf, err = c.cmd("LIST", false, msgID)
	}
	if err != nil {
		return nil, err
	}

	var out []pop3MessageID
	for _, l := range bytes.Split(buf.Bytes(), pop3LineBreak) {
		f := bytes.Fields(l)
		if len(f) < 2 {
			continue
		}
		id, _ := strconv.Atoi(string(f[0]))
		sz, _ := strconv.Atoi(string(f[1]))
		out = append(out, pop3MessageID{ID: id, Size: sz})
	}
	return out, nil
}

// uidl returns message IDs and UIDs.
func (c *pop3Conn) uidl(msgID int) ([]pop3MessageID, error) {
	var buf *bytes.Buffer
	var err error

	if msgID <= 0 {
		buf, err = c.cmd("UIDL", true)
	} else {
		buf, err = c.cmd("UIDL", false, msgID)
	}
	if err != nil {
		return nil, err
	}

	var out []pop3MessageID
	for _, l := range bytes.Split(buf.Bytes(), pop3LineBreak) {
		f := bytes.Fields(l)
		if len(f) < 2 {
			continue
		}
		id, _ := strconv.Atoi(string(f[0]))
		out = append(out, pop3MessageID{ID: id, UID: string(f[1])})
	}
	return out, nil
}

// retr downloads a message.
func (c *pop3Conn) retr(msgID int) ([]byte, error) {
	b, err := c.cmd("RETR", true, msgID)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// top retrieves headers + numLines body lines.
func (c *pop3Conn) top(msgID, numLines int) ([]byte, error) {
	b, err := c.cmd("TOP", true, msgID, numLines)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// dele marks a message for deletion.
func (c *pop3Conn) dele(msgID int) error {
	_, err := c.cmd("DELE", false, msgID)
	return err
}

// quit sends QUIT and closes the connection.
func (c *pop3Conn) quit() error {
	_, err := c.cmd("QUIT", false)
	c.conn.Close()
	return err
}

// ---------- response parsing ----------

func parsePOP3Resp(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if bytes.Equal(b, pop3RespOK) {
		return nil, nil
	}
	if bytes.HasPrefix(b, pop3RespOKInfo) {
		return bytes.TrimPrefix(b, pop3RespOKInfo), nil
	}
	if bytes.Equal(b, pop3RespErr) {
		return nil, &pop3Error{msg: "unknown error"}
	}
	if bytes.HasPrefix(b, pop3RespErrInfo) {
		return nil, &pop3Error{msg: string(bytes.TrimPrefix(b, pop3RespErrInfo))}
	}
	return nil, &pop3Error{msg: "unexpected response: " + string(b)}
}
