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

package mx

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/miekg/dns"

	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/module"
)

// dohUpstream serves canned answers: records[qtype][name] = data strings.
func dohUpstream(t *testing.T, records map[string]map[string][]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "application/dns-json" {
			t.Errorf("wrong Accept header: %q", accept)
		}
		name := r.URL.Query().Get("name")
		qtype := r.URL.Query().Get("type")

		var answers []dohAnswer
		for _, data := range records[qtype][name] {
			answers = append(answers, dohAnswer{
				Name: name,
				Type: dns.StringToType[qtype],
				TTL:  300,
				Data: data,
			})
		}
		if err := json.NewEncoder(w).Encode(dohResponse{Status: 0, Answer: answers}); err != nil {
			t.Error(err)
		}
	}))
}

func testDoH(t *testing.T, upstream string) *DoH {
	t.Helper()

	mod, err := NewDoH("mx.doh", "test", nil, []string{upstream})
	if err != nil {
		t.Fatalf("NewDoH failed: %v", err)
	}
	d := mod.(*DoH)
	if err := d.Init(config.NewMap(nil, config.Node{})); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return d
}

func TestDoHResolveMX(t *testing.T) {
	srv := dohUpstream(t, map[string]map[string][]string{
		"MX": {
			"example.org": {"20 backup.example.org.", "10 mail.example.org."},
		},
		"A": {
			"mail.example.org":   {"192.0.2.10"},
			"backup.example.org": {"192.0.2.20"},
		},
		"AAAA": {
			"mail.example.org": {"2001:db8::10"},
		},
	})
	defer srv.Close()

	d := testDoH(t, srv.URL)
	res := d.ResolveMX(context.Background(), "example.org")

	want := []module.MX{
		{Pref: 10, Addr: net.ParseIP("192.0.2.10")},
		{Pref: 10, Addr: net.ParseIP("2001:db8::10")},
		{Pref: 20, Addr: net.ParseIP("192.0.2.20")},
	}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("ResolveMX: got %v, want %v", res, want)
	}
}

func TestDoHMalformedRRs(t *testing.T) {
	srv := dohUpstream(t, map[string]map[string][]string{
		"MX": {
			"example.org": {
				"not-a-pref mail.example.org.",
				"15",
				"10 .",
				"70000 mail.example.org.",
				"10 mail.example.org.",
			},
		},
		"A": {
			"mail.example.org": {"192.0.2.10"},
		},
	})
	defer srv.Close()

	d := testDoH(t, srv.URL)
	res := d.ResolveMX(context.Background(), "example.org")

	want := []module.MX{{Pref: 10, Addr: net.ParseIP("192.0.2.10")}}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("ResolveMX: got %v, want %v", res, want)
	}
}

func TestDoHUnresolvableHost(t *testing.T) {
	srv := dohUpstream(t, map[string]map[string][]string{
		"MX": {
			"example.org": {"10 ghost.example.org.", "20 mail.example.org."},
		},
		"A": {
			"mail.example.org": {"192.0.2.10"},
		},
	})
	defer srv.Close()

	d := testDoH(t, srv.URL)
	res := d.ResolveMX(context.Background(), "example.org")

	want := []module.MX{{Pref: 20, Addr: net.ParseIP("192.0.2.10")}}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("ResolveMX: got %v, want %v", res, want)
	}
}

func TestDoHUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	d := testDoH(t, srv.URL)
	if res := d.ResolveMX(context.Background(), "example.org"); len(res) != 0 {
		t.Errorf("ResolveMX after HTTP 500: got %v, want empty", res)
	}

	// Connection refused must behave the same.
	srv.Close()
	if res := d.ResolveMX(context.Background(), "example.org"); len(res) != 0 {
		t.Errorf("ResolveMX after connection refused: got %v, want empty", res)
	}
}
