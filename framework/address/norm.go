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

package address

import (
	"fmt"

	"golang.org/x/text/secure/precis"

	"github.com/gmpassos/mailstack/framework/dns"
)

// Normalize brings the address to the canonical form used for exact
// comparisons, most notably credential lookups in auth modules.
//
// The local part is folded according to the PRECIS UsernameCaseMapped
// profile, the domain part is converted to its Unicode form (U-labels) and
// case-folded. Plain ASCII addresses are unchanged except for case folding.
//
// If Normalize(addr1) == Normalize(addr2), the addresses are considered to
// refer to the same mailbox.
func Normalize(addr string) (string, error) {
	mbox, domain, err := Split(addr)
	if err != nil {
		return addr, err
	}

	mbox, err = precis.UsernameCaseMapped.CompareKey(mbox)
	if err != nil {
		return addr, fmt.Errorf("address: normalize: %w", err)
	}

	if domain == "" {
		return mbox, nil
	}

	domain, err = dns.ForLookup(domain)
	if err != nil {
		return addr, fmt.Errorf("address: normalize: %w", err)
	}

	return mbox + "@" + domain, nil
}
