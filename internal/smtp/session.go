package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"time"
)

// Session states. The greeting banner is written on connect; stateReady is
// the resting state between transactions and the target of HELO/EHLO, RSET,
// and every completed or aborted message.
const (
	stateReady = iota // no transaction in progress
	stateMail         // sender recorded
	stateRcpt         // at least one recipient recorded
	stateData         // reading message content
)

// maxCommandLen bounds a single command line, maxDataLineLen a single body
// line. Both protect against peers that never send a newline.
const (
	maxCommandLen  = 2048
	maxDataLineLen = 1 << 20
)

var errLineTooLong = errors.New("smtp: line too long")

// session is one SMTP client connection. Commands and replies are strictly
// sequential; the only shared resource it touches is the store.
type session struct {
	server  *Server
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	state   int
	from    string
	to      []string
	started time.Time
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server:  server,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		state:   stateReady,
		started: time.Now(),
	}
}

// handle runs the command loop until QUIT, timeout, or an I/O error.
// Protocol violations never terminate the loop; they only produce error
// replies.
func (s *session) handle(ctx context.Context) {
	defer s.conn.Close()
	remote := s.conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			s.server.logger.Error("smtp session panic", "panic", r, "remote", remote, "stack", string(debug.Stack()))
		}
	}()

	s.writeLine("220 %s MailHits ready", s.server.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 %s closing, server shutting down", s.server.hostname)
			return
		default:
		}

		if err := s.conn.SetReadDeadline(s.deadline()); err != nil {
			return
		}
		line, err := s.readLine(maxCommandLen)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				s.writeLine("500 Line too long")
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.server.logger.Debug("smtp read", "error", err, "remote", remote)
			}
			return
		}
		if line == "" {
			continue
		}

		verb, arg := parseCommand(line)
		switch verb {
		case "HELO", "EHLO":
			s.handleHELO(verb, arg)
		case "MAIL":
			s.handleMAIL(arg)
		case "RCPT":
			s.handleRCPT(arg)
		case "DATA":
			if !s.handleDATA(ctx) {
				return
			}
		case "RSET":
			s.resetTransaction()
			s.writeLine("250 OK")
		case "NOOP":
			s.writeLine("250 OK")
		case "QUIT":
			s.writeLine("221 %s closing connection", s.server.hostname)
			return
		default:
			s.writeLine("500 Command not recognized")
		}
	}
}

// handleHELO accepts HELO/EHLO in any state and resets to ready. There is
// nothing to negotiate for a capture tool, so the reply is always success.
func (s *session) handleHELO(verb, arg string) {
	s.resetTransaction()
	client := strings.TrimSpace(arg)
	if client == "" {
		client = "unknown"
	}
	if verb == "EHLO" {
		s.writeLine("250-%s Hello %s", s.server.hostname, client)
		s.writeLine("250-SIZE %d", s.server.maxMessageSize)
		s.writeLine("250 OK")
		return
	}
	s.writeLine("250 %s Hello %s", s.server.hostname, client)
}

func (s *session) handleMAIL(arg string) {
	if s.state != stateReady {
		s.writeLine("503 Bad sequence of commands")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	// The null reverse-path <> is legal; bounce testing needs it.
	s.from = extractAddress(arg[len("FROM:"):])
	s.state = stateMail
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state != stateMail && s.state != stateRcpt {
		s.writeLine("503 Bad sequence of commands")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	addr := extractAddress(arg[len("TO:"):])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}
	s.to = append(s.to, addr)
	s.state = stateRcpt
	s.writeLine("250 OK")
}

// handleDATA accumulates dot-unstuffed body lines until the lone "."
// terminator, then commits the message. A message over the size limit is
// drained to its terminator and discarded; the connection stays usable.
// Returns false only on an I/O error, which ends the session.
func (s *session) handleDATA(ctx context.Context) bool {
	if s.state != stateRcpt {
		s.writeLine("503 Bad sequence of commands")
		return true
	}
	s.state = stateData
	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var buf bytes.Buffer
	overflow := false
	for {
		if err := s.conn.SetReadDeadline(s.deadline()); err != nil {
			return false
		}
		line, err := s.readLine(maxDataLineLen)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				overflow = true
				continue
			}
			s.server.logger.Debug("smtp data read", "error", err)
			return false
		}
		if line == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		if !overflow {
			if int64(buf.Len()+len(line)+2) > s.server.maxMessageSize {
				overflow = true
			} else {
				buf.WriteString(line)
				buf.WriteString("\r\n")
			}
		}
	}

	if overflow {
		s.writeLine("552 Message exceeds maximum size of %d bytes", s.server.maxMessageSize)
		s.resetTransaction()
		return true
	}

	email := decodeEmail(s.from, s.to, buf.Bytes())
	if _, err := s.server.store.Insert(ctx, email); err != nil {
		s.server.logger.Error("store email", "error", err)
		s.writeLine("451 Local error, try again later")
		s.resetTransaction()
		return true
	}
	s.server.logger.Info("email captured",
		"id", email.ID,
		"from", email.From,
		"recipients", len(email.To),
		"size", email.RawSize,
	)
	s.writeLine("250 OK: message accepted")
	s.resetTransaction()
	return true
}

// resetTransaction discards the sender, recipients, and any partial buffer
// and returns the session to the ready state.
func (s *session) resetTransaction() {
	s.from = ""
	s.to = nil
	s.state = stateReady
}

// deadline is the next read deadline: the idle window, clamped to the
// session lifetime limit when one is configured.
func (s *session) deadline() time.Time {
	deadline := time.Now().Add(s.server.readTimeout)
	if s.server.sessionTimeout > 0 {
		if end := s.started.Add(s.server.sessionTimeout); end.Before(deadline) {
			deadline = end
		}
	}
	return deadline
}

// readLine reads one line without its CRLF. Lines over max are consumed to
// their newline and reported as errLineTooLong so the protocol stays in
// sync.
func (s *session) readLine(max int) (string, error) {
	var line []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if err != bufio.ErrBufferFull {
			return "", err
		}
		if len(line) > max {
			for {
				_, err := s.reader.ReadSlice('\n')
				if err == nil {
					return "", errLineTooLong
				}
				if err != bufio.ErrBufferFull {
					return "", err
				}
			}
		}
	}
	if len(line) > max {
		return "", errLineTooLong
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (s *session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.server.logger.Debug("smtp write", "error", err)
	}
}

// parseCommand splits a command line into its uppercase verb and argument.
func parseCommand(line string) (verb, arg string) {
	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// extractAddress pulls the address out of a MAIL FROM / RCPT TO argument,
// accepting both the angle-bracket form and a bare address. Any ESMTP
// parameters after the path are ignored.
func extractAddress(arg string) string {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "<") {
		end := strings.Index(arg, ">")
		if end < 0 {
			return ""
		}
		return strings.TrimSpace(arg[1:end])
	}
	addr, _, _ := strings.Cut(arg, " ")
	return strings.TrimSpace(addr)
}
