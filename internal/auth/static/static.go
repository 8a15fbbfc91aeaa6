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

// Package static implements an authentication module with the user set
// defined in the configuration file.
//
//	auth.static {
//	    user alice@example.org secret
//	    user bob@example.org {env:BOB_PASSWORD}
//	}
//
// Passwords are compared in constant time. The {env:VAR} form is expanded
// by the configuration parser, so secrets can be kept out of the file.
package static

import (
	"crypto/subtle"

	"github.com/gmpassos/mailstack/framework/address"
	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

type Auth struct {
	modName  string
	instName string

	// users maps the normalized address to the plaintext password.
	users map[string]string

	Log log.Logger
}

func New(modName, instName string, _, _ []string) (module.Module, error) {
	return &Auth{
		modName:  modName,
		instName: instName,
		users:    map[string]string{},
		Log:      log.Logger{Name: modName},
	}, nil
}

func (a *Auth) Name() string {
	return a.modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &a.Log.Debug)
	cfg.Callback("user", func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 2 {
			return config.NodeErr(node, "expected 2 arguments: <address> <password>")
		}
		addr, err := address.Normalize(node.Args[0])
		if err != nil {
			return config.NodeErr(node, "invalid address %s: %v", node.Args[0], err)
		}
		if _, ok := a.users[addr]; ok {
			return config.NodeErr(node, "duplicate user: %s", addr)
		}
		a.users[addr] = node.Args[1]
		return nil
	})
	_, err := cfg.Process()
	return err
}

func (a *Auth) AuthPlain(username, password string) error {
	key, err := address.Normalize(username)
	if err != nil {
		return module.ErrUnknownCredentials
	}

	stored, ok := a.users[key]
	// Run the comparison even for unknown users so the timing does not
	// reveal whether the account exists.
	match := subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
	if !ok || !match {
		return module.ErrUnknownCredentials
	}
	return nil
}

func (a *Auth) HasUser(username string) bool {
	key, err := address.Normalize(username)
	if err != nil {
		return false
	}
	_, ok := a.users[key]
	return ok
}

func (a *Auth) ExistingUsers(addrs []string) []string {
	existing := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if a.HasUser(addr) {
			existing = append(existing, addr)
		}
	}
	return existing
}

func init() {
	module.Register("auth.static", New)
}

var _ module.UserDB = (*Auth)(nil)
