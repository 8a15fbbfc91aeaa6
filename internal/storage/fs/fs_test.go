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

package fs

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	parser "github.com/gmpassos/mailstack/framework/cfgparser"
	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/module"
	"github.com/gmpassos/mailstack/internal/testutils"

	_ "github.com/gmpassos/mailstack/internal/auth/static"
)

const authBlock = `
	auth static {
		user alice@example.com pass123
	}
`

func testStore(t *testing.T, root string) *Store {
	t.Helper()

	mod, err := New("storage.fs", "test", nil, []string{root})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st := mod.(*Store)
	st.Log = testutils.Logger(t, "storage.fs")

	nodes, err := parser.Read(strings.NewReader(authBlock), "test")
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}
	if err := st.Init(config.NewMap(nil, config.Node{Children: nodes})); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return st
}

func TestStoreContract(t *testing.T) {
	st := testStore(t, t.TempDir())
	testutils.CheckStore(t, st, "alice@example.com", "mallory@example.com")
}

func TestRootMustExist(t *testing.T) {
	mod, err := New("storage.fs", "test", nil, []string{filepath.Join(t.TempDir(), "missing")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	nodes, err := parser.Read(strings.NewReader(authBlock), "test")
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}
	if err := mod.Init(config.NewMap(nil, config.Node{Children: nodes})); err == nil {
		t.Error("Init succeeded with a missing root directory")
	}
}

func TestLayout(t *testing.T) {
	root := t.TempDir()
	st := testStore(t, root)

	if _, err := st.Store("sender@example.org", []string{"Alice@EXAMPLE.com"}, []byte("laid out")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	dir := filepath.Join(root, "example.com", "alice")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("mailbox directory missing: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasSuffix(name, ".eml") {
		t.Fatalf("unexpected file name %q", name)
	}
	uid := strings.TrimSuffix(name, ".eml")
	if _, err := strconv.ParseInt(uid, 10, 64); err != nil {
		t.Fatalf("UID %q is not an integer: %v", uid, err)
	}

	uids, err := st.ListUIDs("alice@example.com")
	if err != nil {
		t.Fatalf("ListUIDs: %v", err)
	}
	if !reflect.DeepEqual(uids, []string{uid}) {
		t.Fatalf("ListUIDs = %v, want [%s]", uids, uid)
	}
	body, err := st.FetchMessage("alice@example.com", uid)
	if err != nil {
		t.Fatalf("FetchMessage: %v", err)
	}
	if string(body) != "laid out" {
		t.Fatalf("FetchMessage = %q", body)
	}
}

func TestEnumeration(t *testing.T) {
	root := t.TempDir()
	st := testStore(t, root)

	dir := filepath.Join(root, "example.com", "alice")
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{
		"100.eml":     "hundred",
		"5.eml":       "five",
		"junk.eml":    "stem does not parse",
		"notmail.txt": "ignored",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0666); err != nil {
			t.Fatal(err)
		}
	}

	uids, err := st.ListUIDs("alice@example.com")
	if err != nil {
		t.Fatalf("ListUIDs: %v", err)
	}
	if !reflect.DeepEqual(uids, []string{"junk", "5", "100"}) {
		t.Fatalf("ListUIDs = %v, want [junk 5 100]", uids)
	}
	count, err := st.CountUIDs("alice@example.com")
	if err != nil || count != 3 {
		t.Fatalf("CountUIDs = %d, %v; want 3", count, err)
	}

	// The UID is used verbatim as the file stem.
	body, err := st.FetchMessage("alice@example.com", "junk")
	if err != nil {
		t.Fatalf("FetchMessage(junk): %v", err)
	}
	if string(body) != "stem does not parse" {
		t.Fatalf("FetchMessage(junk) = %q", body)
	}
}

func TestFetchMessageEscape(t *testing.T) {
	root := t.TempDir()
	st := testStore(t, root)

	outside := filepath.Join(root, "secret.eml")
	if err := os.WriteFile(outside, []byte("not yours"), 0666); err != nil {
		t.Fatal(err)
	}

	for _, uid := range []string{"../secret", "..", "", `..\secret`} {
		if _, err := st.FetchMessage("alice@example.com", uid); !errors.Is(err, module.ErrNoSuchMsg) {
			t.Errorf("FetchMessage(%q) error = %v, want ErrNoSuchMsg", uid, err)
		}
	}
}
