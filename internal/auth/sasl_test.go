package auth

import (
	"net"
	"testing"

	"github.com/emersion/go-sasl"

	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

type staticCreds map[string]string

func (s staticCreds) AuthPlain(username, password string) error {
	stored, ok := s[username]
	if !ok || stored != password {
		return module.ErrUnknownCredentials
	}
	return nil
}

func TestAuthPlainOrder(t *testing.T) {
	s := SASLAuth{
		Log: log.Logger{Name: "sasl"},
		Plain: []module.PlainAuth{
			staticCreds{"alice@example.org": "secret"},
			staticCreds{"bob@example.org": "hunter2"},
		},
	}

	if err := s.AuthPlain("alice@example.org", "secret"); err != nil {
		t.Errorf("first provider creds rejected: %v", err)
	}
	if err := s.AuthPlain("bob@example.org", "hunter2"); err != nil {
		t.Errorf("second provider creds rejected: %v", err)
	}
	if err := s.AuthPlain("alice@example.org", "hunter2"); err == nil {
		t.Error("mixed-up creds accepted")
	}

	empty := SASLAuth{Log: log.Logger{Name: "sasl"}}
	if err := empty.AuthPlain("alice@example.org", "secret"); err == nil {
		t.Error("SASLAuth without providers accepted creds")
	}
}

func TestCreateSASLPlain(t *testing.T) {
	s := SASLAuth{
		Log:   log.Logger{Name: "sasl"},
		Plain: []module.PlainAuth{staticCreds{"alice@example.org": "secret"}},
	}

	run := func(response string) (string, error) {
		var authenticated string
		srv := s.CreateSASL(sasl.Plain, &net.TCPAddr{}, func(username string) error {
			authenticated = username
			return nil
		})
		if _, done, err := srv.Next(nil); done || err != nil {
			return "", err
		}
		_, _, err := srv.Next([]byte(response))
		return authenticated, err
	}

	user, err := run("\x00alice@example.org\x00secret")
	if err != nil {
		t.Errorf("valid creds rejected: %v", err)
	}
	if user != "alice@example.org" {
		t.Errorf("wrong authenticated username: %q", user)
	}

	if _, err := run("\x00alice@example.org\x00wrong"); err == nil {
		t.Error("wrong password accepted")
	}
	if _, err := run("bob@example.org\x00alice@example.org\x00secret"); err == nil {
		t.Error("foreign authorization identity accepted")
	}
}

func TestCreateSASLUnsupported(t *testing.T) {
	s := SASLAuth{Log: log.Logger{Name: "sasl"}}

	srv := s.CreateSASL("CRAM-MD5", &net.TCPAddr{}, func(string) error { return nil })
	if _, _, err := srv.Next(nil); err == nil {
		t.Error("unsupported mechanism did not fail")
	}
}
