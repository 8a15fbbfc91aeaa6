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

package imap

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gmpassos/mailstack/framework/log"
)

// maxLineLength is the longest command line accepted from the client. IMAP
// commands carry mailbox names and search programs, so the cap is wider
// than the SMTP one.
const maxLineLength = 8192

var errLineTooLong = errors.New("imap: line too long")

type session struct {
	endp *Endpoint

	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	remoteAddr net.Addr
	tls        bool

	authDone bool
	mailbox  string

	log log.Logger
}

func (endp *Endpoint) newSession(conn net.Conn, tlsState bool) *session {
	return &session{
		endp:       endp,
		conn:       conn,
		r:          bufio.NewReaderSize(conn, maxLineLength),
		w:          bufio.NewWriter(conn),
		remoteAddr: conn.RemoteAddr(),
		tls:        tlsState,
		log:        endp.Log,
	}
}

func (s *session) serve() {
	defer s.conn.Close()

	s.log.DebugMsg("session started", "src_ip", s.remoteAddr, "tls", s.tls)
	if !s.reply("* OK [" + s.endp.hostname + "] IMAP4rev1 Ready") {
		return
	}

	for {
		line, err := s.readLine()
		if err != nil {
			if err == errLineTooLong {
				if !s.reply("* BAD Line too long") {
					return
				}
				continue
			}
			s.log.DebugMsg("session ended", "src_ip", s.remoteAddr, "reason", err)
			return
		}

		if !s.command(line) {
			return
		}
	}
}

func (s *session) reply(lines ...string) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.endp.writeTimeout))
	for _, line := range lines {
		if _, err := s.w.WriteString(line + "\r\n"); err != nil {
			s.log.DebugMsg("write error", "src_ip", s.remoteAddr, "reason", err)
			return false
		}
	}
	if err := s.w.Flush(); err != nil {
		s.log.DebugMsg("write error", "src_ip", s.remoteAddr, "reason", err)
		return false
	}
	return true
}

func (s *session) readLine() (string, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.endp.readTimeout))

	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := s.r.ReadSlice('\n')
		if tooLong || len(buf)+len(chunk) > maxLineLength+2 {
			tooLong = true
		} else {
			buf = append(buf, chunk...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}

	line := strings.TrimSuffix(string(buf), "\n")
	line = strings.TrimSuffix(line, "\r")
	if tooLong {
		return "", errLineTooLong
	}
	return strings.TrimRight(line, " \t"), nil
}

// command handles one tagged command line. The returned flag is false when
// the session is over.
func (s *session) command(line string) bool {
	tag, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	if tag == "" || rest == "" {
		return s.reply("* BAD Missing command")
	}

	cmd, args, _ := strings.Cut(rest, " ")
	switch strings.ToUpper(cmd) {
	case "CAPABILITY":
		return s.handleCapability(tag)
	case "NOOP":
		return s.reply(tag + " OK NOOP completed")
	case "STARTTLS":
		return s.handleStartTLS(tag)
	case "LOGIN":
		return s.handleLogin(tag, args)
	case "LOGOUT":
		s.log.DebugMsg("session ended", "src_ip", s.remoteAddr, "reason", "logout")
		s.reply("* BYE Logging out", tag+" OK LOGOUT completed")
		return false
	case "LIST":
		// The folder hierarchy is the same fixed INBOX for everyone, so
		// LIST answers in any session state.
		return s.reply(`* LIST (\HasNoChildren) "/" INBOX`, tag+" OK LIST completed")
	case "SELECT":
		if !s.authDone {
			return s.needAuth(tag)
		}
		return s.handleSelect(tag)
	case "UID":
		if !s.authDone {
			return s.needAuth(tag)
		}
		sub, _, _ := strings.Cut(args, " ")
		switch strings.ToUpper(sub) {
		case "SEARCH":
			return s.handleSearch(tag)
		case "FETCH":
			return s.handleFetch(tag)
		}
		return s.reply(tag + " BAD Unsupported command")
	default:
		return s.reply(tag + " BAD Unsupported command")
	}
}

func (s *session) needAuth(tag string) bool {
	return s.reply(tag + " NO AUTHENTICATIONFAILED Authentication required")
}

func (s *session) handleCapability(tag string) bool {
	caps := "* CAPABILITY IMAP4rev1 UIDPLUS"
	if !s.tls && s.endp.tlsConfig != nil {
		caps += " STARTTLS"
	}
	return s.reply(caps, tag+" OK CAPABILITY completed")
}

func (s *session) handleStartTLS(tag string) bool {
	if s.tls {
		return s.reply(tag + " BAD TLS already active")
	}
	if s.endp.tlsConfig == nil {
		return s.reply(tag + " BAD TLS not available")
	}
	if s.r.Buffered() != 0 {
		// Data pipelined after STARTTLS would be interpreted as part of
		// the handshake by the TLS stack.
		return s.reply(tag + " BAD TLS not available")
	}
	if !s.reply(tag + " OK Begin TLS negotiation") {
		return false
	}

	tlsConn := tls.Server(s.conn, s.endp.tlsConfig)
	tlsConn.SetDeadline(time.Now().Add(s.endp.readTimeout))
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error("TLS handshake failed", err, "src_ip", s.remoteAddr)
		return false
	}

	s.conn = tlsConn
	s.r.Reset(tlsConn)
	s.w.Reset(tlsConn)
	s.tls = true

	// Anything negotiated on the unprotected stream is not trusted
	// anymore.
	s.authDone = false
	s.mailbox = ""

	return true
}

func (s *session) handleLogin(tag, args string) bool {
	if s.authDone {
		return s.reply(tag + " BAD Already authenticated")
	}
	if !s.tls && !s.endp.insecureAuth {
		return s.reply(tag + " NO STARTTLS required before login")
	}

	creds := splitArgs(args)
	if len(creds) != 2 {
		return s.reply(tag + " BAD LOGIN expects a username and a password")
	}

	if err := s.endp.saslAuth.AuthPlain(creds[0], creds[1]); err != nil {
		s.log.Error("authentication failed", err, "username", creds[0], "src_ip", s.remoteAddr)
		return s.reply(tag + " NO LOGIN failed")
	}

	s.authDone = true
	s.mailbox = creds[0]
	s.log.DebugMsg("authenticated", "username", creds[0], "src_ip", s.remoteAddr)
	return s.reply(tag + " OK LOGIN completed")
}

func (s *session) handleSelect(tag string) bool {
	count, err := s.endp.storage.CountUIDs(s.mailbox)
	if err != nil {
		s.log.Error("mailbox count failed", err, "mailbox", s.mailbox)
		return s.reply(tag + " NO SELECT failed")
	}

	return s.reply(
		"* "+strconv.Itoa(count)+" EXISTS",
		`* FLAGS (\Seen)`,
		tag+" OK [READ-WRITE] SELECT completed",
	)
}

func (s *session) handleSearch(tag string) bool {
	uids, err := s.endp.storage.ListUIDs(s.mailbox)
	if err != nil {
		s.log.Error("mailbox list failed", err, "mailbox", s.mailbox)
		return s.reply(tag + " NO SEARCH failed")
	}

	// Messages are numbered by position in append order, the store UID
	// never reaches the wire.
	var b strings.Builder
	b.WriteString("* SEARCH")
	for i := range uids {
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(i + 1))
	}
	return s.reply(b.String(), tag+" OK SEARCH completed")
}

func (s *session) handleFetch(tag string) bool {
	uids, err := s.endp.storage.ListUIDs(s.mailbox)
	if err != nil {
		s.log.Error("mailbox list failed", err, "mailbox", s.mailbox)
		return s.reply(tag + " NO FETCH failed")
	}

	for i, uid := range uids {
		body, err := s.endp.storage.FetchMessage(s.mailbox, uid)
		if err != nil {
			s.log.Error("message fetch failed", err, "mailbox", s.mailbox, "uid", uid)
			return s.reply(tag + " NO FETCH failed")
		}

		// The deadline is per message, large mailboxes should not run
		// into it just for their size.
		s.conn.SetWriteDeadline(time.Now().Add(s.endp.writeTimeout))

		if _, err := fmt.Fprintf(s.w, "* %d FETCH (UID %d RFC822 {%d}\r\n", i+1, i+1, len(body)); err != nil {
			return false
		}
		if _, err := s.w.Write(body); err != nil {
			return false
		}
		if _, err := s.w.WriteString(")\r\n"); err != nil {
			return false
		}
	}
	return s.reply(tag + " OK FETCH completed")
}

// splitArgs splits command arguments on spaces, unwrapping double-quoted
// strings and their backslash escapes.
func splitArgs(s string) []string {
	var (
		args   []string
		cur    strings.Builder
		quoted bool
		got    bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			quoted = !quoted
			got = true
		case ch == '\\' && quoted && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case ch == ' ' && !quoted:
			if got || cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
				got = false
			}
		default:
			cur.WriteByte(ch)
		}
	}
	if got || cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args
}
