/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package smtpconn implements the client side of one outbound SMTP
// session.
//
// The session is driven as a small state machine keyed on the reply code
// of each received line, not through a full-blown SMTP client library:
// every server line advances the machine by at most one command, which
// keeps the wire exchange explicit and easy to test against scripted
// servers. The dialog is
//
//	220 -> EHLO -> 250 (collect capabilities)
//	-> STARTTLS -> 220 -> handshake -> EHLO    (when offered and enabled)
//	-> MAIL FROM -> RCPT TO (one per 250) -> DATA -> 354
//	-> body -> 250 -> QUIT -> 221
//
// with any other (state, code) combination aborting the delivery.
package smtpconn

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gmpassos/mailstack/framework/exterrors"
	"github.com/gmpassos/mailstack/framework/log"
)

// maxReplyLen is the reply line limit from RFC 5321. Longer lines abort
// the session.
const maxReplyLen = 1000

type sessionState int

const (
	stateGreet sessionState = iota
	stateEHLO
	stateTLSWait
	stateAfterMail
	stateAfterDataReq
	stateAfterData
	stateClosing
)

// String names the exchange the state is waiting on, for error messages.
func (s sessionState) String() string {
	switch s {
	case stateGreet:
		return "greeting"
	case stateEHLO:
		return "EHLO"
	case stateTLSWait:
		return "STARTTLS"
	case stateAfterMail:
		return "MAIL FROM/RCPT TO"
	case stateAfterDataReq:
		return "DATA"
	case stateAfterData:
		return "message body"
	case stateClosing:
		return "QUIT"
	}
	return "unknown"
}

// The C object represents one outbound SMTP connection. It cannot be
// reused for multiple sessions.
type C struct {
	// Dialer to use to establish the connection. Set to net.Dialer
	// DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for the initial TCP connection establishment.
	ConnectTimeout time.Duration

	// Timeout applied to each command-reply exchange.
	CommandTimeout time.Duration

	// Hostname sent in the EHLO command. Expected to be encoded in ACE
	// form.
	Hostname string

	// TLS configuration used for the STARTTLS upgrade. Deliveries to
	// arbitrary MX hosts set InsecureSkipVerify: opportunistic TLS cannot
	// authenticate the peer anyway.
	TLSConfig *tls.Config

	// Whether to upgrade the session when the server offers STARTTLS.
	StartTLS bool

	Log log.Logger

	serverName string
	conn       net.Conn
	r          *bufio.Reader
	w          *bufio.Writer
	didTLS     bool
}

// New creates the new instance of the C object, populating the required
// fields with reasonable default values.
func New() *C {
	return &C{
		Dialer:         (&net.Dialer{}).DialContext,
		ConnectTimeout: 30 * time.Second,
		CommandTimeout: 5 * time.Minute,
		TLSConfig:      &tls.Config{},
		Hostname:       "localhost.localdomain",
		StartTLS:       true,
	}
}

// Connect establishes the TCP connection to addr (host:port). The SMTP
// greeting is not consumed here, Deliver starts with it.
func (c *C) Connect(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	defer cancel()

	conn, err := c.Dialer(dialCtx, "tcp", addr)
	if err != nil {
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": addr,
		})
	}

	if host, _, err := net.SplitHostPort(addr); err == nil {
		c.serverName = host
	} else {
		c.serverName = addr
	}
	c.conn = conn
	c.r = bufio.NewReaderSize(conn, maxReplyLen)
	c.w = bufio.NewWriter(conn)
	return nil
}

// Close closes the underlying connection. It is safe to call after a
// failed Connect or a finished Deliver.
func (c *C) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// DidTLS reports whether the session was upgraded via STARTTLS.
func (c *C) DidTLS() bool {
	return c.didTLS
}

// Deliver transmits one message, driving the session from the server
// greeting through QUIT. A nil return means the remote accepted the
// message for all recipients. Any unexpected reply, oversized reply line
// or I/O failure aborts the session with an error.
func (c *C) Deliver(ctx context.Context, from string, rcpts []string, body []byte) error {
	if len(rcpts) == 0 {
		return errors.New("smtpconn: no recipients")
	}

	state := stateGreet
	pending := rcpts
	var caps []string

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		code, cont, line, err := c.readReply()
		if err != nil {
			return c.ioErr(err)
		}

		switch {
		case state == stateGreet && code == 220:
			err = c.writeLine("EHLO " + c.Hostname)
			state = stateEHLO
		case state == stateEHLO && code == 250 && cont:
			caps = append(caps, ehloCap(line))
		case state == stateEHLO && code == 250:
			caps = append(caps, ehloCap(line))
			if c.StartTLS && !c.didTLS && hasCap(caps, "STARTTLS") {
				err = c.writeLine("STARTTLS")
				state = stateTLSWait
			} else {
				err = c.writeLine("MAIL FROM:<" + from + ">")
				state = stateAfterMail
			}
		case state == stateTLSWait && code == 220:
			if err := c.upgradeTLS(ctx); err != nil {
				return err
			}
			// Pre-upgrade capabilities no longer apply.
			caps = nil
			err = c.writeLine("EHLO " + c.Hostname)
			state = stateEHLO
		case state == stateAfterMail && code == 250:
			if len(pending) > 0 {
				err = c.writeLine("RCPT TO:<" + pending[0] + ">")
				pending = pending[1:]
			} else {
				err = c.writeLine("DATA")
				state = stateAfterDataReq
			}
		case state == stateAfterDataReq && code == 354:
			err = c.writeBody(body)
			state = stateAfterData
		case state == stateAfterData && code == 250:
			err = c.writeLine("QUIT")
			state = stateClosing
		case state == stateClosing && code == 221:
			return nil
		default:
			err := fmt.Errorf("smtpconn: unexpected reply to %s: %q", state, line)
			if code >= 400 && code < 600 {
				// Server refusals keep the reply code so callers can tell
				// transient failures from permanent ones.
				return &exterrors.SMTPError{
					Code:         code,
					EnhancedCode: exterrors.EnhancedCode{code / 100, 0, 0},
					Message:      strings.TrimSpace(strings.TrimPrefix(line[3:], "-")),
					Err:          err,
				}
			}
			return err
		}
		if err != nil {
			return c.ioErr(err)
		}
	}
}

func (c *C) ioErr(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"remote_server": c.serverName,
	})
}

// readReply reads one reply line. cont is true for the N- continuation
// form of a multi-line reply.
func (c *C) readReply() (code int, cont bool, line string, err error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.CommandTimeout)); err != nil {
		return 0, false, "", err
	}

	raw, err := c.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return 0, false, "", fmt.Errorf("smtpconn: reply line longer than %d octets", maxReplyLen)
		}
		return 0, false, "", err
	}
	line = strings.TrimRight(string(raw), "\r\n")
	c.Log.Debugf("<<< %s", line)

	if len(line) < 3 {
		return 0, false, line, fmt.Errorf("smtpconn: malformed reply: %q", line)
	}
	for _, ch := range line[:3] {
		if ch < '0' || ch > '9' {
			return 0, false, line, fmt.Errorf("smtpconn: malformed reply: %q", line)
		}
	}
	code = int(line[0]-'0')*100 + int(line[1]-'0')*10 + int(line[2]-'0')
	cont = len(line) > 3 && line[3] == '-'
	return code, cont, line, nil
}

func (c *C) writeLine(line string) error {
	if err := c.conn.SetDeadline(time.Now().Add(c.CommandTimeout)); err != nil {
		return err
	}
	c.Log.Debugf(">>> %s", line)
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// writeBody sends the message body with LF line endings converted to CRLF
// and leading dots doubled, followed by the terminating dot line.
func (c *C) writeBody(body []byte) error {
	if err := c.conn.SetDeadline(time.Now().Add(c.CommandTimeout)); err != nil {
		return err
	}

	lines := bytes.Split(body, []byte{'\n'})
	for i, line := range lines {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if i == len(lines)-1 && len(line) == 0 {
			// The body ended with a newline, not an empty final line.
			break
		}
		if len(line) > 0 && line[0] == '.' {
			if err := c.w.WriteByte('.'); err != nil {
				return err
			}
		}
		if _, err := c.w.Write(line); err != nil {
			return err
		}
		if _, err := c.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	c.Log.Debugf(">>> . (%d octets)", len(body))
	if _, err := c.w.WriteString(".\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// upgradeTLS wraps the connection into a TLS client session and rebuilds
// the line reader and writer on top of it. Anything left in the old read
// buffer is discarded: bytes sent by the server between its 220 reply and
// the handshake do not belong to any protocol exchange.
func (c *C) upgradeTLS(ctx context.Context) error {
	cfg := c.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = c.serverName
	}

	if err := c.conn.SetDeadline(time.Now().Add(c.CommandTimeout)); err != nil {
		return err
	}
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return TLSError{Err: err}
	}

	c.conn = tlsConn
	c.r = bufio.NewReaderSize(tlsConn, maxReplyLen)
	c.w = bufio.NewWriter(tlsConn)
	c.didTLS = true
	return nil
}

// TLSError is returned by Deliver to indicate a failure during the
// STARTTLS handshake.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

// ehloCap extracts the capability text from one EHLO reply line.
func ehloCap(line string) string {
	if len(line) <= 4 {
		return ""
	}
	return strings.TrimSpace(line[4:])
}

func hasCap(caps []string, name string) bool {
	for _, c := range caps {
		keyword, _, _ := strings.Cut(c, " ")
		if strings.EqualFold(keyword, name) {
			return true
		}
	}
	return false
}
