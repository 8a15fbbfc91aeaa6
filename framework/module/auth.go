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

package module

import "errors"

// ErrUnknownCredentials should be returned by an auth. provider if supplied
// credentials are valid for it but are not recognized (e.g. not found in
// the used DB).
var ErrUnknownCredentials = errors.New("unknown credentials")

// PlainAuth is the interface implemented by modules providing
// authentication using username:password pairs.
//
// Modules implementing this interface should be registered with the "auth."
// prefix in name.
type PlainAuth interface {
	// AuthPlain returns nil if the given credentials are valid. Any other
	// result is a refusal; ErrUnknownCredentials means the username is not
	// known to the provider.
	AuthPlain(username, password string) error
}

// UserDB is an authentication provider that also knows the set of accounts
// it manages. Endpoints use it to tell local addresses apart from external
// ones.
type UserDB interface {
	PlainAuth

	// HasUser reports whether the address belongs to a known account.
	// Unknown addresses are not an error, they simply report false.
	HasUser(username string) bool

	// ExistingUsers filters addrs down to the ones that belong to known
	// accounts, preserving the original order.
	ExistingUsers(addrs []string) []string
}
