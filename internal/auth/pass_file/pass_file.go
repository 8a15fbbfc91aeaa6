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

// Package pass_file implements an authentication module that reads
// credentials from a flat file, one entry per line:
//
//	<address>:<hash>
//
// where <hash> is in the tag:params form produced by the 'mailstack hash'
// command (bcrypt and argon2 tags are understood). Empty lines and lines
// starting with # are skipped. The file is read once at initialization.
package pass_file

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/gmpassos/mailstack/framework/address"
	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

type Auth struct {
	modName  string
	instName string
	path     string

	// users maps the normalized address to the tag:params hash string.
	users map[string]string

	Log log.Logger
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	a := &Auth{
		modName:  modName,
		instName: instName,
		users:    map[string]string{},
		Log:      log.Logger{Name: modName},
	}

	switch len(inlineArgs) {
	case 0:
	case 1:
		a.path = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: at most one argument is accepted: the credentials file path", modName)
	}
	return a, nil
}

func (a *Auth) Name() string {
	return a.modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &a.Log.Debug)
	cfg.String("file", false, false, a.path, &a.path)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if a.path == "" {
		return fmt.Errorf("%s: the credentials file path is required", a.modName)
	}
	return a.load()
}

func (a *Auth) load() error {
	f, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("%s: %w", a.modName, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		addr, hash, ok := strings.Cut(line, ":")
		if !ok {
			return fmt.Errorf("%s: %s:%d: malformed line, want <address>:<hash>", a.modName, a.path, lineNum)
		}
		key, err := address.Normalize(addr)
		if err != nil {
			return fmt.Errorf("%s: %s:%d: %w", a.modName, a.path, lineNum, err)
		}
		a.users[key] = hash
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: %w", a.modName, err)
	}

	a.Log.Debugf("loaded %d entries from %s", len(a.users), a.path)
	return nil
}

func (a *Auth) AuthPlain(username, password string) error {
	key, err := address.Normalize(username)
	if err != nil {
		return module.ErrUnknownCredentials
	}

	hash, ok := a.users[key]
	if !ok {
		return module.ErrUnknownCredentials
	}

	tag, params, ok := strings.Cut(hash, ":")
	if !ok {
		return fmt.Errorf("%s: no hash tag for %s", a.modName, key)
	}
	verify := HashVerify[tag]
	if verify == nil {
		return fmt.Errorf("%s: unknown hash: %s", a.modName, tag)
	}
	return verify(password, params)
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
	module.Register("auth.pass_file", New)
}

var _ module.UserDB = (*Auth)(nil)
