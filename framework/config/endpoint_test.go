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

package config

import (
	"reflect"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	for _, expected := range []Endpoint{
		{Original: "tcp://0.0.0.0:10025", Scheme: "tcp", Host: "0.0.0.0", Port: "10025"},
		{Original: "tcp://[::]:10025", Scheme: "tcp", Host: "::", Port: "10025"},
		{Original: "tcp:127.0.0.1:10025", Scheme: "tcp", Host: "127.0.0.1", Port: "10025"},
		{Original: "unix://path", Scheme: "unix", Host: "", Path: "path", Port: ""},
		{Original: "unix:path", Scheme: "unix", Host: "", Path: "path", Port: ""},
		{Original: "unix:/path", Scheme: "unix", Host: "", Path: "/path", Port: ""},
		{Original: "unix:///path", Scheme: "unix", Host: "", Path: "/path", Port: ""},
		{Original: "tls://0.0.0.0:10993", Scheme: "tls", Host: "0.0.0.0", Port: "10993"},
		{Original: "tls:0.0.0.0:10993", Scheme: "tls", Host: "0.0.0.0", Port: "10993"},
	} {
		actual, err := ParseEndpoint(expected.Original)
		if err != nil {
			t.Errorf("unexpected failure for %s: %v", expected.Original, err)
			return
		}

		if !reflect.DeepEqual(expected, actual) {
			t.Errorf("didn't parse %q correctly\ngot %#v\nwant %#v", expected.Original, actual, expected)
			continue
		}

		if actual.String() != expected.Original {
			t.Errorf("actual.String() = %s, want %s", actual.String(), expected.Original)
		}
	}
}

func TestParseEndpoint_Invalid(t *testing.T) {
	for _, input := range []string{
		"tcp://0.0.0.0",    // missing port
		"smtp://0.0.0.0:1", // unknown scheme
		"unix://",          // missing path
	} {
		if _, err := ParseEndpoint(input); err == nil {
			t.Errorf("ParseEndpoint(%q) succeeded, expected failure", input)
		}
	}
}

func TestEndpointIsTLS(t *testing.T) {
	tlsEndp, err := ParseEndpoint("tls://127.0.0.1:10993")
	if err != nil {
		t.Fatal(err)
	}
	if !tlsEndp.IsTLS() {
		t.Error("tls:// endpoint not reported as TLS")
	}

	tcpEndp, err := ParseEndpoint("tcp://127.0.0.1:10143")
	if err != nil {
		t.Fatal(err)
	}
	if tcpEndp.IsTLS() {
		t.Error("tcp:// endpoint reported as TLS")
	}
}
