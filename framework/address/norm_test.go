package address

import (
	"testing"
)

func TestNormalize(t *testing.T) {
	test := func(in, wantOut string, fail bool) {
		t.Helper()

		out, err := Normalize(in)
		if err == nil && fail {
			t.Errorf("%q: expected failure, got none", in)
		}
		if err != nil && !fail {
			t.Errorf("%q: unexpected error: %v", in, err)
		}
		if out != wantOut {
			t.Errorf("%q: wrong result: want %q, got %q", in, wantOut, out)
		}
	}

	test("test@example.org", "test@example.org", false)
	test("TEST@Example.ORG", "test@example.org", false)
	test("É@example.org", "é@example.org", false)
	test("test@xn--e1aybc.example.org", "test@тест.example.org", false)
	test("postmaster", "postmaster", false)
	test("POSTMASTER", "postmaster", false)

	// Errors return the input untouched.
	test("white space@example.org", "white space@example.org", true)
	test("TEST@xn--99999999999.example.org", "TEST@xn--99999999999.example.org", true)
	test("@example.org", "@example.org", true)
	test("tESt@", "tESt@", true)
}
