package address

import (
	"testing"
)

func TestMailboxKey(t *testing.T) {
	test := func(addr, wantUser, wantDomain string) {
		t.Helper()

		user, domain := MailboxKey(addr)
		if user != wantUser || domain != wantDomain {
			t.Errorf("%q: got (%q, %q), want (%q, %q)", addr, user, domain, wantUser, wantDomain)
		}

		// The key must come out unchanged when passed through again.
		again := user
		if domain != "" {
			again += "@" + domain
		}
		user2, domain2 := MailboxKey(again)
		if user2 != user || domain2 != domain {
			t.Errorf("%q: not idempotent: (%q, %q) became (%q, %q)", addr, user, domain, user2, domain2)
		}
	}

	test("Ålice+test@domain.com", "alice", "domain.com")
	test("simple@example.org", "simple", "example.org")
	test("Bob.Smith+lists@EXAMPLE.com", "bobsmith", "example.com")
	test("weird local!@ex ample.org", "weird_local_", "ex_ample.org")
	test("user@.hidden.example", "user", "hidden.example")
	test("postmaster", "postmaster", "")
	test(" padded @example.org", "padded", "example.org")
	test("café@münchen.de", "cafe", "munchen.de")
	test("under_score@a_b.example", "under_score", "a_b.example")
}
