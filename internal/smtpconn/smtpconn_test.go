package smtpconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/gmpassos/mailstack/framework/exterrors"
	"github.com/gmpassos/mailstack/internal/testutils"
)

// exchange is one server turn: read the expected client lines, then send
// the scripted reply lines. starttls upgrades the server side of the
// connection after the reply is written.
type exchange struct {
	expect   []string
	reply    []string
	starttls bool
}

func scriptedServer(t *testing.T, tlsCfg *tls.Config, script []exchange) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		for _, ex := range script {
			for _, want := range ex.expect {
				line, err := r.ReadString('\n')
				if err != nil {
					t.Errorf("server: read (want %q): %v", want, err)
					return
				}
				if line := strings.TrimRight(line, "\r\n"); line != want {
					t.Errorf("server: got %q, want %q", line, want)
					return
				}
			}
			for _, reply := range ex.reply {
				if _, err := conn.Write([]byte(reply + "\r\n")); err != nil {
					t.Errorf("server: write: %v", err)
					return
				}
			}
			if ex.starttls {
				tlsConn := tls.Server(conn, tlsCfg)
				if err := tlsConn.Handshake(); err != nil {
					t.Errorf("server: TLS handshake: %v", err)
					return
				}
				conn = tlsConn
				r = bufio.NewReader(conn)
			}
		}
	}()

	return l.Addr().String()
}

func testConn(t *testing.T, addr string) *C {
	t.Helper()

	c := New()
	c.Hostname = "mail.example.org"
	c.Log = testutils.Logger(t, "smtpconn")
	if err := c.Connect(context.Background(), addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDeliver(t *testing.T) {
	addr := scriptedServer(t, nil, []exchange{
		{reply: []string{"220 mx.example.com ESMTP"}},
		{
			expect: []string{"EHLO mail.example.org"},
			reply:  []string{"250-mx.example.com", "250 8BITMIME"},
		},
		{
			expect: []string{"MAIL FROM:<alice@example.org>"},
			reply:  []string{"250 2.1.0 OK"},
		},
		{
			expect: []string{"RCPT TO:<bob@example.com>"},
			reply:  []string{"250 2.1.5 OK"},
		},
		{
			expect: []string{"DATA"},
			reply:  []string{"354 End data with <CR><LF>.<CR><LF>"},
		},
		{
			expect: []string{"Subject: test", "", "Hello Bob", "."},
			reply:  []string{"250 2.0.0 OK: queued"},
		},
		{
			expect: []string{"QUIT"},
			reply:  []string{"221 2.0.0 Bye"},
		},
	})

	c := testConn(t, addr)
	err := c.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@example.com"}, []byte("Subject: test\n\nHello Bob\n"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if c.DidTLS() {
		t.Error("DidTLS = true on a plaintext session")
	}
}

func TestDeliverSTARTTLS(t *testing.T) {
	serverCfg, clientCfg := testutils.TLSConfigs(t)

	addr := scriptedServer(t, serverCfg, []exchange{
		{reply: []string{"220 mx.example.com ESMTP"}},
		{
			expect: []string{"EHLO mail.example.org"},
			reply:  []string{"250-mx.example.com", "250-SIZE 35882577", "250-STARTTLS", "250 OK"},
		},
		{
			expect:   []string{"STARTTLS"},
			reply:    []string{"220 Ready to start TLS"},
			starttls: true,
		},
		{
			expect: []string{"EHLO mail.example.org"},
			reply:  []string{"250 mx.example.com"},
		},
		{
			expect: []string{"MAIL FROM:<alice@example.org>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"RCPT TO:<bob@example.com>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"DATA"},
			reply:  []string{"354 go ahead"},
		},
		{
			expect: []string{"Hello Bob", "."},
			reply:  []string{"250 OK: queued"},
		},
		{
			expect: []string{"QUIT"},
			reply:  []string{"221 Bye"},
		},
	})

	c := testConn(t, addr)
	c.TLSConfig = clientCfg
	err := c.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@example.com"}, []byte("Hello Bob\n"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !c.DidTLS() {
		t.Error("DidTLS = false after STARTTLS")
	}
}

func TestDeliverStartTLSDisabled(t *testing.T) {
	addr := scriptedServer(t, nil, []exchange{
		{reply: []string{"220 mx.example.com ESMTP"}},
		{
			expect: []string{"EHLO mail.example.org"},
			reply:  []string{"250-mx.example.com", "250-STARTTLS", "250 OK"},
		},
		{
			expect: []string{"MAIL FROM:<alice@example.org>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"RCPT TO:<bob@example.com>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"DATA"},
			reply:  []string{"354 go ahead"},
		},
		{
			expect: []string{"hi", "."},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"QUIT"},
			reply:  []string{"221 Bye"},
		},
	})

	c := testConn(t, addr)
	c.StartTLS = false
	err := c.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@example.com"}, []byte("hi\n"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestDeliverMultipleRcpts(t *testing.T) {
	addr := scriptedServer(t, nil, []exchange{
		{reply: []string{"220 mx.example.com ESMTP"}},
		{
			expect: []string{"EHLO mail.example.org"},
			reply:  []string{"250 mx.example.com"},
		},
		{
			expect: []string{"MAIL FROM:<alice@example.org>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"RCPT TO:<bob@example.com>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"RCPT TO:<carol@example.com>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"DATA"},
			reply:  []string{"354 go ahead"},
		},
		{
			expect: []string{"hi", "."},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"QUIT"},
			reply:  []string{"221 Bye"},
		},
	})

	c := testConn(t, addr)
	err := c.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@example.com", "carol@example.com"}, []byte("hi\n"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestDeliverDotStuffing(t *testing.T) {
	addr := scriptedServer(t, nil, []exchange{
		{reply: []string{"220 mx.example.com ESMTP"}},
		{
			expect: []string{"EHLO mail.example.org"},
			reply:  []string{"250 mx.example.com"},
		},
		{
			expect: []string{"MAIL FROM:<alice@example.org>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"RCPT TO:<bob@example.com>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"DATA"},
			reply:  []string{"354 go ahead"},
		},
		{
			expect: []string{"..hidden", "...double", "plain", "."},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"QUIT"},
			reply:  []string{"221 Bye"},
		},
	})

	c := testConn(t, addr)
	err := c.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@example.com"}, []byte(".hidden\n..double\nplain"))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestDeliverRcptRejected(t *testing.T) {
	addr := scriptedServer(t, nil, []exchange{
		{reply: []string{"220 mx.example.com ESMTP"}},
		{
			expect: []string{"EHLO mail.example.org"},
			reply:  []string{"250 mx.example.com"},
		},
		{
			expect: []string{"MAIL FROM:<alice@example.org>"},
			reply:  []string{"250 OK"},
		},
		{
			expect: []string{"RCPT TO:<bob@example.com>"},
			reply:  []string{"550 5.1.1 no such user"},
		},
	})

	c := testConn(t, addr)
	err := c.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@example.com"}, []byte("hi\n"))
	if err == nil {
		t.Fatal("Deliver succeeded despite rejected recipient")
	}
	if !strings.Contains(err.Error(), "550") {
		t.Errorf("error does not mention the reply: %v", err)
	}

	var smtpErr *exterrors.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("error does not carry the reply code: %v", err)
	}
	if smtpErr.Code != 550 {
		t.Errorf("Code = %d, want 550", smtpErr.Code)
	}
	if smtpErr.Temporary() {
		t.Error("550 reply classified as temporary")
	}
}

func TestDeliverTemporaryRejection(t *testing.T) {
	addr := scriptedServer(t, nil, []exchange{
		{reply: []string{"220 mx.example.com ESMTP"}},
		{
			expect: []string{"EHLO mail.example.org"},
			reply:  []string{"250 mx.example.com"},
		},
		{
			expect: []string{"MAIL FROM:<alice@example.org>"},
			reply:  []string{"451 4.7.1 try again later"},
		},
	})

	c := testConn(t, addr)
	err := c.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@example.com"}, []byte("hi\n"))
	if err == nil {
		t.Fatal("Deliver succeeded despite deferred sender")
	}
	if !exterrors.IsTemporary(err) {
		t.Errorf("451 reply not classified as temporary: %v", err)
	}
}

func TestDeliverBadGreeting(t *testing.T) {
	addr := scriptedServer(t, nil, []exchange{
		{reply: []string{"554 go away"}},
	})

	c := testConn(t, addr)
	err := c.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@example.com"}, []byte("hi\n"))
	if err == nil {
		t.Fatal("Deliver succeeded despite 554 greeting")
	}
}

func TestDeliverReplyTooLong(t *testing.T) {
	addr := scriptedServer(t, nil, []exchange{
		{reply: []string{"220 " + strings.Repeat("x", 1500)}},
	})

	c := testConn(t, addr)
	err := c.Deliver(context.Background(), "alice@example.org",
		[]string{"bob@example.com"}, []byte("hi\n"))
	if err == nil {
		t.Fatal("Deliver succeeded despite oversized reply line")
	}
}

func TestDeliverNoRecipients(t *testing.T) {
	c := New()
	if err := c.Deliver(context.Background(), "alice@example.org", nil, []byte("hi")); err == nil {
		t.Fatal("Deliver succeeded with no recipients")
	}
}
