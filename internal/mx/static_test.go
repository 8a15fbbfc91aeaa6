package mx

import (
	"context"
	"net"
	"reflect"
	"strings"
	"testing"

	parser "github.com/gmpassos/mailstack/framework/cfgparser"
	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/module"
)

func testStatic(t *testing.T, cfg string) *Static {
	t.Helper()

	mod, err := NewStatic("mx.static", "test", nil, nil)
	if err != nil {
		t.Fatalf("NewStatic failed: %v", err)
	}
	s := mod.(*Static)

	nodes, err := parser.Read(strings.NewReader(cfg), "test")
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}
	if err := s.Init(config.NewMap(nil, config.Node{Children: nodes})); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

func TestStaticResolveMX(t *testing.T) {
	s := testStatic(t, `
		mx example.org 20 192.0.2.20
		mx example.org 10 192.0.2.10
		mx other.example 5 2001:db8::1
	`)

	res := s.ResolveMX(context.Background(), "example.org")
	want := []module.MX{
		{Pref: 10, Addr: net.ParseIP("192.0.2.10")},
		{Pref: 20, Addr: net.ParseIP("192.0.2.20")},
	}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("ResolveMX: got %v, want %v", res, want)
	}

	// Domain lookups are case-insensitive.
	if res := s.ResolveMX(context.Background(), "EXAMPLE.ORG"); !reflect.DeepEqual(res, want) {
		t.Errorf("ResolveMX (folded): got %v, want %v", res, want)
	}

	if res := s.ResolveMX(context.Background(), "unknown.example"); len(res) != 0 {
		t.Errorf("ResolveMX without fallback: got %v, want empty", res)
	}
}

func TestStaticFallback(t *testing.T) {
	s := testStatic(t, `
		mx example.org 10 192.0.2.10
		fallback 192.0.2.1
	`)

	res := s.ResolveMX(context.Background(), "unknown.example")
	want := []module.MX{{Pref: 0, Addr: net.ParseIP("192.0.2.1")}}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("ResolveMX fallback: got %v, want %v", res, want)
	}
}

func TestStaticBadConfig(t *testing.T) {
	test := func(cfg string) {
		t.Helper()

		mod, err := NewStatic("mx.static", "test", nil, nil)
		if err != nil {
			t.Fatalf("NewStatic failed: %v", err)
		}
		nodes, err := parser.Read(strings.NewReader(cfg), "test")
		if err != nil {
			t.Fatalf("config parse failed: %v", err)
		}
		if err := mod.Init(config.NewMap(nil, config.Node{Children: nodes})); err == nil {
			t.Errorf("Init(%q) succeeded, want error", cfg)
		}
	}

	test(`mx example.org ten 192.0.2.10`)
	test(`mx example.org 10 not-an-ip`)
	test(`mx example.org 70000 192.0.2.10`)
	test(`mx example.org`)
	test(`fallback not-an-ip`)
}
