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

package modconfig

import (
	"strings"
	"testing"

	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/module"
)

func TestModuleFromNodeInline(t *testing.T) {
	var auth module.PlainAuth
	node := config.Node{Name: "auth", Args: []string{"dummy"}}
	if err := ModuleFromNode("auth", node.Args, node, nil, &auth); err != nil {
		t.Fatalf("ModuleFromNode failed: %v", err)
	}
	if err := auth.AuthPlain("someone", "anything"); err != nil {
		t.Errorf("resolved dummy module refused credentials: %v", err)
	}
}

// Short names are resolved in the preferred namespace first and then in the
// global one. "dummy" is only registered globally.
func TestModuleFromNodeNamespaceFallback(t *testing.T) {
	var db module.UserDB
	node := config.Node{Name: "auth", Args: []string{"dummy"}}
	if err := ModuleFromNode("auth", node.Args, node, nil, &db); err != nil {
		t.Fatalf("ModuleFromNode failed: %v", err)
	}
	if !db.HasUser("anyone@example.org") {
		t.Error("resolved dummy module does not know the user")
	}
}

func TestModuleFromNodeUnknown(t *testing.T) {
	var db module.UserDB
	node := config.Node{Name: "auth", Args: []string{"nonexistent"}}
	err := ModuleFromNode("auth", node.Args, node, nil, &db)
	if err == nil {
		t.Fatal("ModuleFromNode with unknown module succeeded")
	}
	if !strings.Contains(err.Error(), "unknown module") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestModuleFromNodeNoArgs(t *testing.T) {
	var db module.UserDB
	if err := ModuleFromNode("auth", nil, config.Node{}, nil, &db); err == nil {
		t.Fatal("ModuleFromNode without arguments succeeded")
	}
}

func TestModuleFromNodeWrongInterface(t *testing.T) {
	// Dummy does not resolve MX records.
	var resolver module.MXResolver
	node := config.Node{Name: "mx", Args: []string{"dummy"}}
	if err := ModuleFromNode("mx", node.Args, node, nil, &resolver); err == nil {
		t.Fatal("ModuleFromNode resolved a module that lacks the needed interface")
	}
}

func TestModuleFromNodeReference(t *testing.T) {
	mod, err := module.Get("dummy")("dummy", "dummy_ref_test", nil, nil)
	if err != nil {
		t.Fatalf("constructing dummy failed: %v", err)
	}
	module.RegisterInstance(mod, config.NewMap(nil, config.Node{}))

	var db module.UserDB
	node := config.Node{Name: "auth", Args: []string{"&dummy_ref_test"}}
	if err := ModuleFromNode("auth", node.Args, node, nil, &db); err != nil {
		t.Fatalf("ModuleFromNode failed: %v", err)
	}
	if !db.HasUser("anyone@example.org") {
		t.Error("referenced instance does not know the user")
	}

	// References cannot carry a configuration block of their own.
	node = config.Node{
		Name:     "auth",
		Args:     []string{"&dummy_ref_test"},
		Children: []config.Node{{Name: "debug"}},
	}
	if err := ModuleFromNode("auth", node.Args, node, nil, &db); err == nil {
		t.Error("ModuleFromNode accepted a reference with a config block")
	}
}
