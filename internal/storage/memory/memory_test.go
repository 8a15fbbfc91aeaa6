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

package memory

import (
	"reflect"
	"strings"
	"testing"

	parser "github.com/gmpassos/mailstack/framework/cfgparser"
	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/internal/testutils"

	_ "github.com/gmpassos/mailstack/internal/auth/static"
)

func testStore(t *testing.T, cfg string) *Store {
	t.Helper()

	mod, err := New("storage.memory", "test", nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st := mod.(*Store)
	st.Log = testutils.Logger(t, "storage.memory")

	nodes, err := parser.Read(strings.NewReader(cfg), "test")
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}
	if err := st.Init(config.NewMap(nil, config.Node{Children: nodes})); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return st
}

func TestStoreContract(t *testing.T) {
	st := testStore(t, `
		auth static {
			user alice@example.com pass123
		}
	`)

	testutils.CheckStore(t, st, "alice@example.com", "mallory@example.com")
}

func TestInsertionIndexUIDs(t *testing.T) {
	st := testStore(t, `
		auth static {
			user alice@example.com pass123
		}
	`)

	stored, err := st.Store("sender@example.org", []string{"alice@example.com"}, []byte("Hello World"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !reflect.DeepEqual(stored, []string{"alice@example.com"}) {
		t.Fatalf("Store = %v", stored)
	}

	count, err := st.CountUIDs("alice@example.com")
	if err != nil || count != 1 {
		t.Fatalf("CountUIDs = %d, %v; want 1", count, err)
	}
	uids, err := st.ListUIDs("alice@example.com")
	if err != nil {
		t.Fatalf("ListUIDs: %v", err)
	}
	if !reflect.DeepEqual(uids, []string{"0"}) {
		t.Fatalf("ListUIDs = %v, want [0]", uids)
	}
	msg, err := st.FetchMessage("alice@example.com", "0")
	if err != nil {
		t.Fatalf("FetchMessage: %v", err)
	}
	if string(msg) != "Hello World" {
		t.Fatalf("FetchMessage = %q, want %q", msg, "Hello World")
	}

	if _, err := st.Store("sender@example.org", []string{"alice@example.com"}, []byte("second")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	uids, _ = st.ListUIDs("alice@example.com")
	if !reflect.DeepEqual(uids, []string{"0", "1"}) {
		t.Fatalf("ListUIDs = %v, want [0 1]", uids)
	}
}

func TestMailboxFolding(t *testing.T) {
	st := testStore(t, `
		auth static {
			user alice@example.com pass123
		}
	`)

	// The cased form is recognized by the auth provider and must land in
	// the same mailbox as the plain address.
	stored, err := st.Store("sender@example.org", []string{"Alice@EXAMPLE.com"}, []byte("folded"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("Store = %v", stored)
	}

	count, err := st.CountUIDs("alice@example.com")
	if err != nil || count != 1 {
		t.Fatalf("CountUIDs(alice@example.com) = %d, %v; want 1", count, err)
	}
	msg, err := st.FetchMessage("alice@example.com", "0")
	if err != nil {
		t.Fatalf("FetchMessage: %v", err)
	}
	if string(msg) != "folded" {
		t.Fatalf("FetchMessage = %q", msg)
	}
}

func TestMultipleRecipients(t *testing.T) {
	st := testStore(t, `
		auth static {
			user alice@example.com pass123
			user bob@example.com hunter2
		}
	`)

	stored, err := st.Store("sender@example.org", []string{"alice@example.com", "bob@example.com"}, []byte("fan out"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("Store = %v, want both recipients", stored)
	}

	for _, mbox := range []string{"alice@example.com", "bob@example.com"} {
		count, err := st.CountUIDs(mbox)
		if err != nil || count != 1 {
			t.Fatalf("CountUIDs(%s) = %d, %v; want 1", mbox, count, err)
		}
	}
}
