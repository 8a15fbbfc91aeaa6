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

import (
	"context"
	"net"
)

// MX is one candidate host for outbound delivery, already resolved to an
// IP address.
type MX struct {
	// Pref is the MX record preference, lower is tried first.
	Pref uint16
	// Addr is the resolved address of the exchanger.
	Addr net.IP
}

// MXResolver resolves a recipient domain into candidate delivery hosts.
//
// Modules implementing this interface should be registered with the "mx."
// prefix in name.
type MXResolver interface {
	// ResolveMX returns candidate hosts for the domain. Lookup failures
	// yield an empty list; callers treat an empty list as the domain being
	// undeliverable.
	ResolveMX(ctx context.Context, domain string) []MX
}
