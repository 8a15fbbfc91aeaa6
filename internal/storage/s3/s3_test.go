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

package s3

import (
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/internal/testutils"

	_ "github.com/gmpassos/mailstack/internal/auth/static"
)

func testStore(t *testing.T, endpoint, prefix string) *Store {
	t.Helper()

	mod, err := New("storage.s3", "test", nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	st := mod.(*Store)
	st.Log = testutils.Logger(t, "storage.s3")

	err = st.Init(config.NewMap(nil, config.Node{
		Children: []config.Node{
			{Name: "endpoint", Args: []string{endpoint}},
			{Name: "secure", Args: []string{"false"}},
			{Name: "access_key", Args: []string{"access-key"}},
			{Name: "secret_key", Args: []string{"secret-key"}},
			{Name: "bucket", Args: []string{"mailstack-test"}},
			{Name: "object_prefix", Args: []string{prefix}},
			{
				Name: "auth", Args: []string{"static"},
				Children: []config.Node{
					{Name: "user", Args: []string{"alice@example.com", "pass123"}},
				},
			},
		},
	}))
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return st
}

func fakeS3(t *testing.T) string {
	t.Helper()

	backend := s3mem.New()
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	if err := backend.CreateBucket("mailstack-test"); err != nil {
		t.Fatal(err)
	}
	return ts.Listener.Addr().String()
}

func TestStoreContract(t *testing.T) {
	endpoint := fakeS3(t)
	st := testStore(t, endpoint, "")
	testutils.CheckStore(t, st, "alice@example.com", "mallory@example.com")
}

func TestObjectPrefixIsolation(t *testing.T) {
	endpoint := fakeS3(t)
	stA := testStore(t, endpoint, "node-a/")
	stB := testStore(t, endpoint, "node-b/")

	if _, err := stA.Store("sender@example.org", []string{"alice@example.com"}, []byte("for node A")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	uidsA, err := stA.ListUIDs("alice@example.com")
	if err != nil {
		t.Fatalf("ListUIDs(A): %v", err)
	}
	if len(uidsA) != 1 {
		t.Fatalf("ListUIDs(A) = %v, want one UID", uidsA)
	}
	body, err := stA.FetchMessage("alice@example.com", uidsA[0])
	if err != nil {
		t.Fatalf("FetchMessage(A): %v", err)
	}
	if string(body) != "for node A" {
		t.Fatalf("FetchMessage(A) = %q", body)
	}

	uidsB, err := stB.ListUIDs("alice@example.com")
	if err != nil {
		t.Fatalf("ListUIDs(B): %v", err)
	}
	if len(uidsB) != 0 {
		t.Fatalf("ListUIDs(B) = %v, want empty", uidsB)
	}
}
