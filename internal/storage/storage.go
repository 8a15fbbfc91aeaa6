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

// Package storage contains helpers shared by the mailbox store modules in
// its subdirectories. All stores persist message octets verbatim and
// address mailboxes by the folded form of the account address, so a
// message accepted for Ålice+work@example.org is later visible to an IMAP
// session logged in as alice@example.org.
package storage

import (
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gmpassos/mailstack/framework/address"
	"github.com/gmpassos/mailstack/framework/log"
)

// StoreEach runs persist for each recipient and returns the subset it
// succeeded for. Failures are logged and the recipient dropped from the
// result; an error is returned only if persist failed for every recipient.
func StoreEach(l log.Logger, rcpts []string, persist func(rcpt string) error) ([]string, error) {
	stored := make([]string, 0, len(rcpts))
	var lastErr error
	for _, rcpt := range rcpts {
		if err := persist(rcpt); err != nil {
			l.Error("cannot store message", err, "rcpt", rcpt)
			lastErr = err
			continue
		}
		stored = append(stored, rcpt)
	}
	if len(stored) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return stored, nil
}

// MailboxName returns the canonical mailbox name for an address: the
// folded local part and domain joined by '@'.
func MailboxName(addr string) string {
	local, domain := address.MailboxKey(addr)
	if domain == "" {
		return local
	}
	return local + "@" + domain
}

// MailboxPath returns the slash-separated mailbox directory for an
// address: "<domainDir>/<userDir>", or just "<userDir>" for addresses
// without a domain part.
func MailboxPath(addr string) string {
	local, domain := address.MailboxKey(addr)
	if domain == "" {
		return local
	}
	return domain + "/" + local
}

var uidSeq uint32

// NextUID returns a time-ordered message UID: milliseconds since the Unix
// epoch concatenated with a three-digit process-wide sequence number. The
// sequence wraps at 1000, which keeps UIDs unique as long as fewer than a
// thousand messages are stored within one millisecond.
func NextUID() string {
	seq := atomic.AddUint32(&uidSeq, 1) % 1000
	return fmt.Sprintf("%d%03d", time.Now().UnixMilli(), seq)
}

// SortUIDs orders message UIDs by their integer value, oldest first. UIDs
// that do not parse as integers sort as zero, keeping their relative
// order.
func SortUIDs(uids []string) {
	sort.SliceStable(uids, func(i, j int) bool {
		return uidValue(uids[i]) < uidValue(uids[j])
	})
}

func uidValue(uid string) int64 {
	val, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		return 0
	}
	return val
}
