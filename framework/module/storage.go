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

// ErrNoSuchMsg is returned by Storage.FetchMessage for UIDs that do not
// exist in the mailbox.
var ErrNoSuchMsg = errors.New("storage: no such message")

// Storage is a mailbox store. One mailbox holds the messages of one
// account, append-only, identified by string UIDs unique within the
// mailbox.
//
// Modules implementing this interface should be registered with the
// "storage." prefix in name.
type Storage interface {
	// ResolveMailboxes filters the recipient list down to addresses that
	// can be delivered to locally. Membership is decided by the auth
	// provider the store is configured with.
	ResolveMailboxes(rcpts []string) []string

	// Store appends body, verbatim, to the mailbox of every known
	// recipient and returns the subset that was actually persisted.
	// Unknown recipients are skipped silently; per-recipient persistence
	// failures are logged and the recipient omitted. An error is returned
	// only if no recipient could be persisted despite at least one being
	// known. from is not part of the stored octets, it only identifies
	// the message in logs.
	Store(from string, rcpts []string, body []byte) ([]string, error)

	// ListUIDs returns the UIDs of all messages in the mailbox in append
	// order. An unknown mailbox yields an empty list, not an error.
	ListUIDs(mailbox string) ([]string, error)

	// CountUIDs returns the amount of messages in the mailbox.
	CountUIDs(mailbox string) (int, error)

	// FetchMessage returns the full stored payload of one message.
	// ErrNoSuchMsg is returned for unknown UIDs.
	FetchMessage(mailbox, uid string) ([]byte, error)
}
