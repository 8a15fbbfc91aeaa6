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

package static

import (
	"os"
	"reflect"
	"strings"
	"testing"

	parser "github.com/gmpassos/mailstack/framework/cfgparser"
	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/module"
)

func testAuth(t *testing.T, cfg string) *Auth {
	t.Helper()

	mod, err := New("auth.static", "test", nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a := mod.(*Auth)

	nodes, err := parser.Read(strings.NewReader(cfg), "test")
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}
	if err := a.Init(config.NewMap(nil, config.Node{Children: nodes})); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return a
}

func TestAuthPlain(t *testing.T) {
	a := testAuth(t, `
		user alice@example.org secret
		user bob@example.org hunter2
	`)

	if err := a.AuthPlain("alice@example.org", "secret"); err != nil {
		t.Errorf("AuthPlain with correct password failed: %v", err)
	}
	if err := a.AuthPlain("ALICE@EXAMPLE.ORG", "secret"); err != nil {
		t.Errorf("AuthPlain is not case-insensitive: %v", err)
	}
	if err := a.AuthPlain("alice@example.org", "wrong"); err != module.ErrUnknownCredentials {
		t.Errorf("AuthPlain with wrong password: want ErrUnknownCredentials, got %v", err)
	}
	if err := a.AuthPlain("nobody@example.org", "secret"); err != module.ErrUnknownCredentials {
		t.Errorf("AuthPlain with unknown user: want ErrUnknownCredentials, got %v", err)
	}
	if err := a.AuthPlain("nobody@example.org", ""); err != module.ErrUnknownCredentials {
		t.Errorf("AuthPlain with unknown user and empty password: want ErrUnknownCredentials, got %v", err)
	}
}

func TestHasUser(t *testing.T) {
	a := testAuth(t, `user alice@example.org secret`)

	if !a.HasUser("alice@example.org") {
		t.Error("HasUser(alice@example.org) = false")
	}
	if !a.HasUser("Alice@Example.ORG") {
		t.Error("HasUser is not case-insensitive")
	}
	if a.HasUser("bob@example.org") {
		t.Error("HasUser(bob@example.org) = true")
	}
	if a.HasUser("") {
		t.Error("HasUser(\"\") = true")
	}
}

func TestExistingUsers(t *testing.T) {
	a := testAuth(t, `
		user alice@example.org secret
		user bob@example.org hunter2
	`)

	got := a.ExistingUsers([]string{
		"carol@example.org",
		"bob@example.org",
		"dave@example.org",
		"alice@example.org",
	})
	want := []string{"bob@example.org", "alice@example.org"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExistingUsers: got %v, want %v", got, want)
	}

	if got := a.ExistingUsers(nil); len(got) != 0 {
		t.Errorf("ExistingUsers(nil): got %v, want empty", got)
	}
}

func TestEnvPassword(t *testing.T) {
	os.Setenv("STATIC_AUTH_TEST_PASSWORD", "from-env")
	defer os.Unsetenv("STATIC_AUTH_TEST_PASSWORD")

	a := testAuth(t, `user alice@example.org {env:STATIC_AUTH_TEST_PASSWORD}`)

	if err := a.AuthPlain("alice@example.org", "from-env"); err != nil {
		t.Errorf("AuthPlain with env-expanded password failed: %v", err)
	}
}

func TestDuplicateUser(t *testing.T) {
	mod, err := New("auth.static", "test", nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a := mod.(*Auth)

	nodes, err := parser.Read(strings.NewReader(`
		user alice@example.org secret
		user Alice@example.org other
	`), "test")
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}
	if err := a.Init(config.NewMap(nil, config.Node{Children: nodes})); err == nil {
		t.Error("Init with duplicate user succeeded, want error")
	}
}
