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

package testutils

import (
	"errors"
	"testing"

	"github.com/gmpassos/mailstack/framework/module"
)

// CheckStore runs the mailbox store contract checks against st.
//
// knownRcpt must be an address the store's auth provider recognizes and
// its mailbox must be empty when CheckStore is called; unknownRcpt must
// not be recognized.
func CheckStore(t *testing.T, st module.Storage, knownRcpt, unknownRcpt string) {
	t.Helper()

	// Unknown mailboxes are empty, not errors.
	uids, err := st.ListUIDs("nosuchbox@example.invalid")
	if err != nil {
		t.Fatalf("ListUIDs(unknown mailbox): %v", err)
	}
	if len(uids) != 0 {
		t.Fatalf("ListUIDs(unknown mailbox) = %v, want empty", uids)
	}
	count, err := st.CountUIDs("nosuchbox@example.invalid")
	if err != nil {
		t.Fatalf("CountUIDs(unknown mailbox): %v", err)
	}
	if count != 0 {
		t.Fatalf("CountUIDs(unknown mailbox) = %d, want 0", count)
	}
	if _, err := st.FetchMessage("nosuchbox@example.invalid", "1"); !errors.Is(err, module.ErrNoSuchMsg) {
		t.Fatalf("FetchMessage(unknown mailbox) error = %v, want ErrNoSuchMsg", err)
	}

	resolved := st.ResolveMailboxes([]string{knownRcpt, unknownRcpt})
	if len(resolved) != 1 || resolved[0] != knownRcpt {
		t.Fatalf("ResolveMailboxes = %v, want [%s]", resolved, knownRcpt)
	}

	// Unknown recipients are skipped without an error.
	stored, err := st.Store("sender@example.org", []string{unknownRcpt}, []byte("dropped"))
	if err != nil {
		t.Fatalf("Store(unknown rcpt): %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("Store(unknown rcpt) = %v, want empty", stored)
	}

	// Identical bodies must still produce distinct UIDs and the listing
	// must come back append-ordered with the octets stored verbatim.
	bodies := [][]byte{
		[]byte("Hello World"),
		[]byte("Hello World"),
		[]byte("Subject: test\r\n\r\nthird message\r\n"),
	}
	for i, body := range bodies {
		stored, err := st.Store("sender@example.org", []string{knownRcpt, unknownRcpt}, body)
		if err != nil {
			t.Fatalf("Store #%d: %v", i, err)
		}
		if len(stored) != 1 || stored[0] != knownRcpt {
			t.Fatalf("Store #%d = %v, want [%s]", i, stored, knownRcpt)
		}
	}

	count, err = st.CountUIDs(knownRcpt)
	if err != nil {
		t.Fatalf("CountUIDs: %v", err)
	}
	if count != len(bodies) {
		t.Fatalf("CountUIDs = %d, want %d", count, len(bodies))
	}

	uids, err = st.ListUIDs(knownRcpt)
	if err != nil {
		t.Fatalf("ListUIDs: %v", err)
	}
	if len(uids) != len(bodies) {
		t.Fatalf("ListUIDs = %v, want %d UIDs", uids, len(bodies))
	}

	seen := make(map[string]struct{}, len(uids))
	for i, uid := range uids {
		if _, ok := seen[uid]; ok {
			t.Fatalf("duplicate UID %q", uid)
		}
		seen[uid] = struct{}{}

		msg, err := st.FetchMessage(knownRcpt, uid)
		if err != nil {
			t.Fatalf("FetchMessage(%q): %v", uid, err)
		}
		if string(msg) != string(bodies[i]) {
			t.Fatalf("message %d:\ngot  %q\nwant %q", i, msg, bodies[i])
		}
	}

	if _, err := st.FetchMessage(knownRcpt, "nonexistent"); !errors.Is(err, module.ErrNoSuchMsg) {
		t.Fatalf("FetchMessage(bad UID) error = %v, want ErrNoSuchMsg", err)
	}
}
