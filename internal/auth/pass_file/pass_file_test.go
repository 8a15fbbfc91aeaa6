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

package pass_file

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/module"
)

// fastOpts keeps hashing cheap enough for tests.
var fastOpts = HashOpts{
	BcryptCost:    bcrypt.MinCost,
	Argon2Time:    1,
	Argon2Memory:  8 * 1024,
	Argon2Threads: 1,
}

func writeCreds(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "passwd")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testAuth(t *testing.T, contents string) *Auth {
	t.Helper()

	mod, err := New("auth.pass_file", "test", nil, []string{writeCreds(t, contents)})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a := mod.(*Auth)
	if err := a.Init(config.NewMap(nil, config.Node{})); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return a
}

func TestAuthPlain(t *testing.T) {
	bcryptHash, err := HashCompute[HashBcrypt](fastOpts, "secret")
	if err != nil {
		t.Fatal(err)
	}
	argonHash, err := HashCompute[HashArgon2](fastOpts, "hunter2")
	if err != nil {
		t.Fatal(err)
	}

	a := testAuth(t, `# test credentials
alice@example.org:bcrypt:`+bcryptHash+`

bob@example.org:argon2:`+argonHash+`
`)

	if err := a.AuthPlain("alice@example.org", "secret"); err != nil {
		t.Errorf("AuthPlain bcrypt entry failed: %v", err)
	}
	if err := a.AuthPlain("ALICE@example.org", "secret"); err != nil {
		t.Errorf("AuthPlain is not case-insensitive: %v", err)
	}
	if err := a.AuthPlain("bob@example.org", "hunter2"); err != nil {
		t.Errorf("AuthPlain argon2 entry failed: %v", err)
	}
	if err := a.AuthPlain("alice@example.org", "wrong"); err == nil {
		t.Error("AuthPlain with wrong password succeeded")
	}
	if err := a.AuthPlain("nobody@example.org", "secret"); err != module.ErrUnknownCredentials {
		t.Errorf("AuthPlain with unknown user: want ErrUnknownCredentials, got %v", err)
	}
}

func TestUserSet(t *testing.T) {
	bcryptHash, err := HashCompute[HashBcrypt](fastOpts, "secret")
	if err != nil {
		t.Fatal(err)
	}

	a := testAuth(t, "alice@example.org:bcrypt:"+bcryptHash+"\nbob@example.org:bcrypt:"+bcryptHash+"\n")

	if !a.HasUser("alice@example.org") {
		t.Error("HasUser(alice@example.org) = false")
	}
	if a.HasUser("carol@example.org") {
		t.Error("HasUser(carol@example.org) = true")
	}

	got := a.ExistingUsers([]string{"bob@example.org", "carol@example.org", "alice@example.org"})
	if len(got) != 2 || got[0] != "bob@example.org" || got[1] != "alice@example.org" {
		t.Errorf("ExistingUsers: got %v", got)
	}
}

func TestMalformedFile(t *testing.T) {
	mod, err := New("auth.pass_file", "test", nil, []string{writeCreds(t, "not a credentials line\n")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := mod.Init(config.NewMap(nil, config.Node{})); err == nil {
		t.Error("Init with malformed file succeeded, want error")
	}
}

func TestMissingFile(t *testing.T) {
	mod, err := New("auth.pass_file", "test", nil, []string{filepath.Join(t.TempDir(), "nonexistent")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := mod.Init(config.NewMap(nil, config.Node{})); err == nil {
		t.Error("Init with missing file succeeded, want error")
	}
}
