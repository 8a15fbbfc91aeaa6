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

// Package ldap implements an authentication module that validates
// credentials by binding against an LDAP directory.
//
// The user entry is located either by substituting the username into
// dn_template or by running a search with base_dn + filter and then the
// found DN is bound with the supplied password. The directory connection
// is established lazily on first use and re-established when it closes.
package ldap

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

const modName = "auth.ldap"

type Auth struct {
	instName string

	urls           []string
	readBind       func(*ldap.Conn) error
	startls        bool
	dialer         *net.Dialer
	requestTimeout time.Duration

	dnTemplate string
	// or
	baseDN         string
	filterTemplate string

	conn     *ldap.Conn
	connLock sync.Mutex

	log log.Logger
}

func New(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	return &Auth{
		instName: instName,
		log:      log.Logger{Name: modName},
		urls:     inlineArgs,
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	a.dialer = &net.Dialer{}

	cfg.Bool("debug", true, false, &a.log.Debug)
	cfg.Callback("urls", func(_ *config.Map, node config.Node) error {
		a.urls = append(a.urls, node.Args...)
		return nil
	})
	cfg.Custom("bind", false, false, func() (interface{}, error) {
		return func(*ldap.Conn) error {
			return nil
		}, nil
	}, readBindDirective, &a.readBind)
	cfg.Bool("starttls", false, false, &a.startls)
	cfg.Duration("connect_timeout", false, false, time.Minute, &a.dialer.Timeout)
	cfg.Duration("request_timeout", false, false, time.Minute, &a.requestTimeout)
	cfg.String("dn_template", false, false, "", &a.dnTemplate)
	cfg.String("base_dn", false, false, "", &a.baseDN)
	cfg.String("filter", false, false, "", &a.filterTemplate)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if len(a.urls) == 0 {
		return fmt.Errorf("%s: at least one directory server URL is required", modName)
	}
	if a.dnTemplate == "" {
		if a.baseDN == "" {
			return fmt.Errorf("%s: base_dn not set", modName)
		}
		if a.filterTemplate == "" {
			return fmt.Errorf("%s: filter not set", modName)
		}
	} else if a.baseDN != "" || a.filterTemplate != "" {
		return fmt.Errorf("%s: search directives set when dn_template is used", modName)
	}

	return nil
}

func readBindDirective(_ *config.Map, n config.Node) (interface{}, error) {
	if len(n.Args) == 0 {
		return nil, fmt.Errorf("%s: bind expects at least one argument", modName)
	}
	switch n.Args[0] {
	case "off":
		return func(*ldap.Conn) error { return nil }, nil
	case "unauth":
		if len(n.Args) == 2 {
			return func(c *ldap.Conn) error {
				return c.UnauthenticatedBind(n.Args[1])
			}, nil
		}
		return func(c *ldap.Conn) error {
			return c.UnauthenticatedBind("")
		}, nil
	case "plain":
		if len(n.Args) != 3 {
			return nil, fmt.Errorf("%s: username and password expected for plaintext bind", modName)
		}
		return func(c *ldap.Conn) error {
			return c.Bind(n.Args[1], n.Args[2])
		}, nil
	case "external":
		return (*ldap.Conn).ExternalBind, nil
	}
	return nil, fmt.Errorf("%s: unknown bind authentication: %v", modName, n.Args[0])
}

func (a *Auth) Name() string {
	return modName
}

func (a *Auth) InstanceName() string {
	return a.instName
}

func (a *Auth) newConn() (*ldap.Conn, error) {
	var conn *ldap.Conn
	for _, u := range a.urls {
		var err error
		conn, err = ldap.DialURL(u, ldap.DialWithDialer(a.dialer))
		if err != nil {
			a.log.Error("cannot contact directory server", err, "url", u)
			continue
		}
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("%s: all directory servers are unreachable", modName)
	}

	if a.requestTimeout != 0 {
		conn.SetTimeout(a.requestTimeout)
	}

	if a.startls {
		if err := conn.StartTLS(&tls.Config{}); err != nil {
			return nil, fmt.Errorf("%s: %w", modName, err)
		}
	}

	if err := a.readBind(conn); err != nil {
		return nil, fmt.Errorf("%s: %w", modName, err)
	}

	return conn, nil
}

func (a *Auth) getConn() (*ldap.Conn, error) {
	a.connLock.Lock()
	if a.conn == nil || a.conn.IsClosing() {
		if a.conn != nil {
			a.conn.Close()
		}
		conn, err := a.newConn()
		if err != nil {
			a.connLock.Unlock()
			return nil, err
		}
		a.conn = conn
	}
	return a.conn, nil
}

// returnConn releases the connection taken via getConn. The lock is held
// from getConn until here, directory operations are serialized.
func (a *Auth) returnConn(conn *ldap.Conn) {
	defer a.connLock.Unlock()
	// The connection is bound as the checked user now, restore the
	// configured bind for the next operation.
	if err := a.readBind(conn); err != nil {
		a.log.Error("failed to rebind for reading", err)
		conn.Close()
		a.conn = nil
		return
	}
	a.conn = conn
}

func (a *Auth) lookupDN(conn *ldap.Conn, username string) (string, error) {
	req := ldap.NewSearchRequest(
		a.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		strings.ReplaceAll(a.filterTemplate, "{username}", ldap.EscapeFilter(username)),
		[]string{"dn"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		return "", fmt.Errorf("%s: search: %w", modName, err)
	}
	if len(res.Entries) > 1 {
		return "", fmt.Errorf("%s: too many entries returned (%d)", modName, len(res.Entries))
	}
	if len(res.Entries) == 0 {
		return "", nil
	}
	return res.Entries[0].DN, nil
}

func (a *Auth) AuthPlain(username, password string) error {
	conn, err := a.getConn()
	if err != nil {
		return err
	}
	defer a.returnConn(conn)

	var userDN string
	if a.dnTemplate != "" {
		userDN = strings.ReplaceAll(a.dnTemplate, "{username}", username)
	} else {
		userDN, err = a.lookupDN(conn, username)
		if err != nil {
			return err
		}
		if userDN == "" {
			return module.ErrUnknownCredentials
		}
	}

	if err := conn.Bind(userDN, password); err != nil {
		return module.ErrUnknownCredentials
	}

	return nil
}

// HasUser runs the configured search for the username. It requires the
// base_dn + filter configuration; with dn_template there is no way to ask
// the directory whether an account exists, so HasUser reports false.
func (a *Auth) HasUser(username string) bool {
	if a.dnTemplate != "" {
		a.log.Msg("dn_template cannot answer membership queries, configure base_dn + filter", "username", username)
		return false
	}

	conn, err := a.getConn()
	if err != nil {
		a.log.Error("membership query failed", err, "username", username)
		return false
	}
	defer a.returnConn(conn)

	userDN, err := a.lookupDN(conn, username)
	if err != nil {
		a.log.Error("membership query failed", err, "username", username)
		return false
	}
	return userDN != ""
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

func (a *Auth) Close() error {
	a.connLock.Lock()
	defer a.connLock.Unlock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	return nil
}

func init() {
	module.Register(modName, New)
}

var _ module.UserDB = (*Auth)(nil)
