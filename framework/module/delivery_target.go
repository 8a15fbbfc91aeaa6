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
)

// DeliveryTarget represents a component that can be used as a final
// destination for a message, typically a remote MTA reached over SMTP.
//
// Modules implementing this interface should be registered with the
// "target." prefix in name.
type DeliveryTarget interface {
	// Deliver sends one message to all recipients of a single domain.
	// A nil return means the remote side accepted the message for every
	// recipient. The domain is the recipient domain used for MX lookup;
	// rcpts carry full addresses.
	Deliver(ctx context.Context, domain, from string, rcpts []string, body []byte) error
}
