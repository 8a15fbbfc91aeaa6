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

package mailstack

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	parser "github.com/gmpassos/mailstack/framework/cfgparser"
	"github.com/gmpassos/mailstack/framework/hooks"
)

func listenAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func boot(t *testing.T, cfgText string) error {
	t.Helper()

	cfg, err := parser.Read(strings.NewReader(cfgText), "mailstack.conf")
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}

	globals, modBlocks, err := ReadGlobals(cfg)
	if err != nil {
		return err
	}
	endpoints, mods, err := RegisterModules(globals, modBlocks)
	if err != nil {
		return err
	}
	err = InitModules(globals, endpoints, mods)
	t.Cleanup(func() { hooks.RunHooks(hooks.EventShutdown) })
	return err
}

// TestFullStack boots the complete server from configuration text, hands a
// message to the smtp endpoint the way a remote MTA would and reads it back
// over IMAP.
func TestFullStack(t *testing.T) {
	smtpAddr := listenAddr(t)
	imapAddr := listenAddr(t)

	cfgText := fmt.Sprintf(`hostname example.org
tls off

auth.static local_users {
	user alice@example.org password123
	user bob@example.org bobpass
}

storage.memory local_mailboxes {
	auth &local_users
}

smtp tcp://%s {
	insecure_auth on
	auth &local_users
	storage &local_mailboxes
}

imap tcp://%s {
	insecure_auth on
	auth &local_users
	storage &local_mailboxes
}
`, smtpAddr, imapAddr)

	if err := boot(t, cfgText); err != nil {
		t.Fatalf("boot failed: %v", err)
	}

	cl, err := smtp.Dial(smtpAddr)
	if err != nil {
		t.Fatalf("smtp dial: %v", err)
	}
	defer cl.Close()
	if err := cl.Hello("mta.external.org"); err != nil {
		t.Fatalf("EHLO: %v", err)
	}
	if err := cl.Mail("stranger@external.org", nil); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := cl.Rcpt("bob@example.org", nil); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	w, err := cl.Data()
	if err != nil {
		t.Fatalf("DATA: %v", err)
	}
	if _, err := io.WriteString(w, "Subject: Greetings\r\n\r\nHello Bob\r\n"); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("end of DATA: %v", err)
	}
	if err := cl.Quit(); err != nil {
		t.Fatalf("QUIT: %v", err)
	}

	imapCl, err := imapclient.Dial(imapAddr)
	if err != nil {
		t.Fatalf("imap dial: %v", err)
	}
	defer imapCl.Logout()
	if err := imapCl.Login("bob@example.org", "bobpass"); err != nil {
		t.Fatalf("LOGIN: %v", err)
	}

	mbox, err := imapCl.Select("INBOX", false)
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if mbox.Messages != 1 {
		t.Fatalf("expected 1 message, got %d", mbox.Messages)
	}

	seqset, err := imap.ParseSeqSet("1:*")
	if err != nil {
		t.Fatalf("seqset: %v", err)
	}
	ch := make(chan *imap.Message, 4)
	if err := imapCl.UidFetch(seqset, []imap.FetchItem{imap.FetchRFC822}, ch); err != nil {
		t.Fatalf("UID FETCH: %v", err)
	}

	var bodies []string
	for msg := range ch {
		for _, lit := range msg.Body {
			body, err := io.ReadAll(lit)
			if err != nil {
				t.Fatalf("read literal: %v", err)
			}
			bodies = append(bodies, string(body))
		}
	}
	if len(bodies) != 1 {
		t.Fatalf("expected 1 message body, got %v", bodies)
	}

	// The stored message is the received one with the envelope summary
	// prepended as From/To headers, so it reads back as a plain RFC 822
	// message.
	br := bufio.NewReader(strings.NewReader(bodies[0]))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		t.Fatalf("parse stored message header: %v", err)
	}
	if v := header.Get("From"); v != "stranger@external.org" {
		t.Errorf("wrong From header: %q", v)
	}
	if v := header.Get("To"); v != "bob@example.org" {
		t.Errorf("wrong To header: %q", v)
	}
	if v := header.Get("Subject"); v != "Greetings" {
		t.Errorf("wrong Subject header: %q", v)
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("read stored message body: %v", err)
	}
	if string(rest) != "Hello Bob\n" {
		t.Errorf("wrong body after headers: %q", rest)
	}
}

func TestBootUnknownModule(t *testing.T) {
	err := boot(t, "frobnicate tcp://127.0.0.1:0\n")
	if err == nil || !strings.Contains(err.Error(), "unknown module") {
		t.Fatalf("expected unknown module error, got %v", err)
	}
}

func TestBootRequiresEndpoint(t *testing.T) {
	err := boot(t, `auth.static lonely_users {
	user alice@example.org password123
}
`)
	if err == nil || !strings.Contains(err.Error(), "at least one endpoint") {
		t.Fatalf("expected missing endpoint error, got %v", err)
	}
}

func TestBootReportsUnusedBlock(t *testing.T) {
	omAddr := listenAddr(t)
	err := boot(t, fmt.Sprintf(`auth.static stray_users {
	user alice@example.org password123
}

openmetrics tcp://%s
`, omAddr))
	if err == nil || !strings.Contains(err.Error(), "unused configuration block") {
		t.Fatalf("expected unused block error, got %v", err)
	}
}

func TestReadGlobals(t *testing.T) {
	cfg, err := parser.Read(strings.NewReader(`hostname mx.example.org
auth.static whatever {
	user alice@example.org password123
}
`), "mailstack.conf")
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}

	globals, unknown, err := ReadGlobals(cfg)
	if err != nil {
		t.Fatalf("ReadGlobals: %v", err)
	}
	if globals["hostname"] != "mx.example.org" {
		t.Errorf("expected hostname to be set, got %v", globals["hostname"])
	}
	if len(unknown) != 1 || unknown[0].Name != "auth.static" {
		t.Errorf("expected the module block to be left for later, got %v", unknown)
	}
}
