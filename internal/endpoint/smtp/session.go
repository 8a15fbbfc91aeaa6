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

package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"golang.org/x/sync/errgroup"

	"github.com/gmpassos/mailstack/framework/address"
	"github.com/gmpassos/mailstack/framework/exterrors"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

// maxLineLength is the longest command line accepted from the client,
// covering the RFC 5321 path limit with a generous margin for extension
// parameters.
const maxLineLength = 4096

var errLineTooLong = errors.New("smtp: line too long")

type session struct {
	endp *Endpoint

	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	remoteAddr net.Addr
	tls        bool

	// In-flight AUTH exchange. saslServer is set while an AUTH PLAIN
	// response is awaited, the wantLogin* pair drives the two AUTH LOGIN
	// prompts.
	saslServer    sasl.Server
	wantLoginUser bool
	wantLoginPass bool
	loginUser     string

	authDone bool
	authUser string

	mailFrom      string
	mailFromSet   bool
	mailFromLocal bool
	rcpts         []string

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

	s.log.DebugMsg("session started", "src_ip", s.remoteAddr)
	if !s.reply("220 " + s.endp.hostname + " ESMTP Ready") {
		return
	}

	for {
		line, err := s.readLine()
		if err != nil {
			if err == errLineTooLong {
				if !s.reply("500 5.5.2 Line too long") {
					return
				}
				continue
			}
			s.abortTransaction()
			s.log.DebugMsg("session ended", "src_ip", s.remoteAddr, "reason", err)
			return
		}

		if s.inAuth() {
			if !s.continueAuth(line) {
				return
			}
			continue
		}

		if !s.command(line) {
			return
		}
	}
}

// reply sends the lines CRLF-terminated in one batch. The returned flag
// is false if the write failed and the session cannot continue.
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

// readLine returns the next command line without the line ending and with
// trailing whitespace removed.
func (s *session) readLine() (string, error) {
	line, err := s.readRaw(maxLineLength)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, " \t"), nil
}

// readRaw reads one LF-terminated line, strips the CRLF or LF ending and
// retains at most keep octets. An overlong line is consumed to its end so
// the stream stays in sync, then reported as errLineTooLong.
func (s *session) readRaw(keep int) (string, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.endp.readTimeout))

	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := s.r.ReadSlice('\n')
		if tooLong || len(buf)+len(chunk) > keep+2 {
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
	if tooLong || len(line) > keep {
		return "", errLineTooLong
	}
	return line, nil
}

// command handles one command line. The returned flag is false when the
// session is over, either because the client asked so or because the
// connection is beyond repair.
func (s *session) command(line string) bool {
	verb := line
	args := ""
	if i := strings.IndexByte(line, ' '); i != -1 {
		verb, args = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch strings.ToUpper(verb) {
	case "EHLO", "HELO":
		return s.handleHello()
	case "STARTTLS":
		return s.handleStartTLS()
	case "AUTH":
		return s.handleAuth(args)
	case "MAIL":
		return s.handleMail(args)
	case "RCPT":
		return s.handleRcpt(args)
	case "DATA":
		return s.handleData()
	case "NOOP":
		return s.reply("250 OK")
	case "RSET":
		s.abortTransaction()
		return s.reply("250 OK")
	case "QUIT":
		s.abortTransaction()
		s.reply("221 Bye")
		return false
	default:
		return s.reply("502 Not implemented")
	}
}

func (s *session) handleHello() bool {
	lines := []string{"250-" + s.endp.hostname}
	if !s.tls && s.endp.tlsConfig != nil {
		lines = append(lines, "250-STARTTLS")
	}
	lines = append(lines, "250-AUTH LOGIN PLAIN", "250 OK")
	return s.reply(lines...)
}

func (s *session) handleStartTLS() bool {
	if s.tls {
		return s.reply("503 TLS already active")
	}
	if s.endp.tlsConfig == nil {
		return s.reply("502 Not implemented")
	}
	if s.r.Buffered() != 0 {
		// Data pipelined after STARTTLS would be interpreted as part of
		// the handshake by the TLS stack.
		return s.reply("502 Not implemented")
	}
	if !s.reply("220 Ready to start TLS") {
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
	s.resetAuth()
	s.abortTransaction()

	return true
}

func (s *session) inAuth() bool {
	return s.saslServer != nil || s.wantLoginUser || s.wantLoginPass
}

func (s *session) resetAuth() {
	s.saslServer = nil
	s.wantLoginUser = false
	s.wantLoginPass = false
	s.loginUser = ""
	s.authDone = false
	s.authUser = ""
}

func (s *session) handleAuth(args string) bool {
	if s.authDone {
		return s.reply("503 Already authenticated")
	}
	if !s.tls && !s.endp.insecureAuth {
		return s.reply("538 5.7.11 Encryption required")
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		return s.reply("502 Not implemented")
	}

	switch strings.ToUpper(fields[0]) {
	case "LOGIN":
		// RFC 4954 permits the username to be sent along with the command.
		if len(fields) >= 2 {
			return s.loginUsername(fields[1])
		}
		s.wantLoginUser = true
		return s.reply("334 VXNlcm5hbWU6")
	case "PLAIN":
		s.saslServer = s.endp.saslAuth.CreateSASL(sasl.Plain, s.remoteAddr, func(username string) error {
			s.authDone = true
			s.authUser = username
			return nil
		})
		if len(fields) >= 2 {
			return s.finishAuthPlain(fields[1])
		}
		challenge, _, err := s.saslServer.Next(nil)
		if err != nil {
			return s.authFailed()
		}
		return s.reply("334 " + base64.StdEncoding.EncodeToString(challenge))
	default:
		return s.reply("502 Not implemented")
	}
}

// continueAuth consumes one line of an in-flight AUTH exchange.
func (s *session) continueAuth(line string) bool {
	switch {
	case s.wantLoginUser:
		s.wantLoginUser = false
		return s.loginUsername(line)

	case s.wantLoginPass:
		s.wantLoginPass = false
		user := s.loginUser
		s.loginUser = ""
		pass, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return s.authFailed()
		}
		if err := s.endp.saslAuth.AuthPlain(user, string(pass)); err != nil {
			s.log.Error("authentication failed", err, "username", user, "src_ip", s.remoteAddr)
			return s.authFailed()
		}
		s.authDone = true
		s.authUser = user
		s.log.DebugMsg("authenticated", "username", user, "src_ip", s.remoteAddr)
		return s.reply("235 2.7.0 Auth OK")

	default:
		return s.finishAuthPlain(line)
	}
}

// loginUsername consumes the username step of an AUTH LOGIN exchange. The
// username is checked before the password is asked for, unknown accounts
// are turned away early.
func (s *session) loginUsername(b64user string) bool {
	user, err := base64.StdEncoding.DecodeString(b64user)
	if err != nil {
		return s.authFailed()
	}
	if !s.endp.auth.HasUser(string(user)) {
		s.log.Msg("authentication failed", "username", string(user), "src_ip", s.remoteAddr)
		return s.authFailed()
	}
	s.loginUser = string(user)
	s.wantLoginPass = true
	return s.reply("334 UGFzc3dvcmQ6")
}

func (s *session) finishAuthPlain(b64resp string) bool {
	srv := s.saslServer
	s.saslServer = nil

	resp, err := base64.StdEncoding.DecodeString(b64resp)
	if err != nil {
		return s.authFailed()
	}
	if _, _, err := srv.Next(resp); err != nil {
		return s.authFailed()
	}
	s.log.DebugMsg("authenticated", "username", s.authUser, "src_ip", s.remoteAddr)
	return s.reply("235 2.7.0 Auth OK")
}

func (s *session) authFailed() bool {
	failedLogins.WithLabelValues(s.endp.name).Inc()
	return s.reply("535 5.7.8 Auth failed")
}

// parseAddr extracts the address argument of MAIL FROM and RCPT TO. Both
// the RFC 5321 bracketed form and a bare address are accepted, anything
// after the closing bracket (ESMTP parameters) is dropped.
func parseAddr(arg string) string {
	arg = strings.TrimSpace(arg)
	arg = strings.TrimPrefix(arg, "<")
	if i := strings.IndexByte(arg, '>'); i != -1 {
		arg = arg[:i]
	}
	return strings.TrimSpace(arg)
}

func (s *session) handleMail(args string) bool {
	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		return s.reply("502 Not implemented")
	}

	from := parseAddr(args[len("FROM:"):])
	local := s.endp.auth.HasUser(from)
	if local && !s.authDone {
		failedCmds.WithLabelValues(s.endp.name, "MAIL", "530").Inc()
		return s.reply("530 5.7.0 Authentication required")
	}

	s.mailFrom = from
	s.mailFromLocal = local
	s.mailFromSet = true
	startedSMTPTransactions.WithLabelValues(s.endp.name).Inc()
	return s.reply("250 OK")
}

func (s *session) handleRcpt(args string) bool {
	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		return s.reply("502 Not implemented")
	}
	if !s.mailFromSet {
		failedCmds.WithLabelValues(s.endp.name, "RCPT", "503").Inc()
		return s.reply("503 Bad sequence of commands")
	}

	to := parseAddr(args[len("TO:"):])
	if s.endp.auth.HasUser(to) {
		s.rcpts = append(s.rcpts, to)
		return s.reply("250 OK")
	}

	if !s.authDone || !s.mailFromLocal {
		failedCmds.WithLabelValues(s.endp.name, "RCPT", "530").Inc()
		return s.reply("530 5.7.0 Authentication required")
	}

	// The address is recorded anyway: an authenticated local sender gets
	// it relayed after DATA even though it is not deliverable here.
	s.rcpts = append(s.rcpts, to)
	failedCmds.WithLabelValues(s.endp.name, "RCPT", "550").Inc()
	return s.reply("550 5.1.1 User unknown")
}

func (s *session) handleData() bool {
	if !s.mailFromSet || len(s.rcpts) == 0 {
		failedCmds.WithLabelValues(s.endp.name, "DATA", "503").Inc()
		return s.reply("503 Bad sequence of commands")
	}
	if !s.reply("354 End with <CRLF>.<CRLF>") {
		return false
	}

	var (
		data      bytes.Buffer
		oversized bool
	)
	for {
		keep := int(s.endp.maxMessageSize) - data.Len() + 2
		if oversized || keep < maxLineLength {
			keep = maxLineLength
		}

		line, err := s.readRaw(keep)
		if err == errLineTooLong {
			oversized = true
			continue
		}
		if err != nil {
			s.abortTransaction()
			s.log.DebugMsg("session ended", "src_ip", s.remoteAddr, "reason", err)
			return false
		}

		if line == "." {
			break
		}
		line = strings.TrimPrefix(line, ".")

		if oversized || int64(data.Len())+int64(len(line))+1 > s.endp.maxMessageSize {
			oversized = true
			continue
		}
		data.WriteString(line)
		data.WriteByte('\n')
	}

	if oversized {
		failedCmds.WithLabelValues(s.endp.name, "DATA", "552").Inc()
		s.abortTransaction()
		return s.reply("552 5.3.4 Message size exceeds fixed maximum")
	}

	ok := s.dispatchMessage(s.mailFrom, s.rcpts, data.Bytes())
	s.clearEnvelope()
	if !ok {
		failedCmds.WithLabelValues(s.endp.name, "DATA", "451").Inc()
		return s.reply("451 4.3.0 Storage failure, try again later")
	}

	completedSMTPTransactions.WithLabelValues(s.endp.name).Inc()
	return s.reply("250 OK")
}

// dispatchMessage stores the message for local recipients and relays it
// for external ones when the authenticated sender may do so. The returned
// flag is false only when every local delivery failed.
func (s *session) dispatchMessage(from string, rcpts []string, body []byte) bool {
	msgID, err := module.GenerateMsgID()
	if err != nil {
		s.log.Error("msg id generation failed", err)
	}

	fromLocal := s.endp.auth.HasUser(from)
	locals := s.endp.auth.ExistingUsers(rcpts)

	if fromLocal && len(locals) == 0 && (!s.authDone || from != s.authUser) {
		// A local sender that did not authenticate (or authenticated as
		// somebody else) does not get to use this server as a relay. The
		// message is dropped without telling the client.
		s.log.Msg("relay attempt dropped", "msg_id", msgID, "src_ip", s.remoteAddr, "sender", from, "rcpts", len(rcpts))
		abortedSMTPTransactions.WithLabelValues(s.endp.name).Inc()
		return true
	}

	s.log.Msg("incoming message", "msg_id", msgID, "src_ip", s.remoteAddr, "sender", from, "rcpts", len(rcpts), "local_rcpts", len(locals))

	if len(locals) != 0 {
		// Stores persist the payload verbatim, the envelope summary is
		// part of the stored octets.
		composed := make([]byte, 0, len(body)+64)
		composed = append(composed, "From: "+from+"\nTo: "+strings.Join(rcpts, ", ")+"\n"...)
		composed = append(composed, body...)

		stored, err := s.endp.storage.Store(from, rcpts, composed)
		if err != nil {
			s.log.Error("store failed", err, "msg_id", msgID, "sender", from)
			return false
		}
		s.log.DebugMsg("stored", "msg_id", msgID, "mailboxes", len(stored))
	}

	if len(locals) == len(rcpts) || !fromLocal || !s.authDone || from != s.authUser {
		return true
	}
	if s.endp.relay == nil {
		s.log.Msg("external recipients dropped, no relay target configured", "msg_id", msgID, "rcpts", len(rcpts)-len(locals))
		return true
	}

	s.relayMessage(msgID, from, subtract(rcpts, locals), body)
	return true
}

// relayMessage forwards the message to every external recipient domain.
// Domains are delivered to concurrently, a failure for one does not stop
// the others and none of them change the reply the submitter sees.
func (s *session) relayMessage(msgID, from string, rcpts []string, body []byte) {
	groups := map[string][]string{}
	for _, rcpt := range rcpts {
		_, domain, err := address.Split(rcpt)
		if err != nil || domain == "" {
			s.log.Msg("malformed relay recipient", "msg_id", msgID, "recipient", rcpt)
			continue
		}
		groups[domain] = append(groups[domain], rcpt)
	}

	ctx := context.Background()
	var eg errgroup.Group
	for domain, group := range groups {
		// Split the group into local and external parts once more, the
		// envelope may name a local account under an external-looking
		// alias or carry duplicates.
		if locals := s.endp.auth.ExistingUsers(group); len(locals) != 0 {
			group = subtract(group, locals)
		}
		if len(group) == 0 {
			continue
		}

		domain, group := domain, group
		eg.Go(func() error {
			if err := s.endp.relay.Deliver(ctx, domain, from, group, body); err != nil {
				s.log.Error("relay failed", err, "msg_id", msgID, "domain", domain,
					"rcpts", len(group), "temporary", exterrors.IsTemporary(err))
				return err
			}
			relayedMessages.WithLabelValues(s.endp.name).Inc()
			s.log.Msg("relayed", "msg_id", msgID, "domain", domain, "rcpts", len(group))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		s.log.DebugMsg("relay incomplete", "msg_id", msgID)
	}
}

// subtract returns the elements of rcpts that are not in locals,
// preserving order.
func subtract(rcpts, locals []string) []string {
	drop := make(map[string]struct{}, len(locals))
	for _, l := range locals {
		drop[l] = struct{}{}
	}

	left := make([]string, 0, len(rcpts)-len(locals))
	for _, rcpt := range rcpts {
		if _, ok := drop[rcpt]; !ok {
			left = append(left, rcpt)
		}
	}
	return left
}

func (s *session) clearEnvelope() {
	s.mailFrom = ""
	s.mailFromSet = false
	s.mailFromLocal = false
	s.rcpts = nil
}

func (s *session) abortTransaction() {
	if s.mailFromSet {
		abortedSMTPTransactions.WithLabelValues(s.endp.name).Inc()
		s.log.DebugMsg("transaction aborted", "src_ip", s.remoteAddr, "sender", s.mailFrom)
	}
	s.clearEnvelope()
}
