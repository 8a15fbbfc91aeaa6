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
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MailboxKey derives the normalized mailbox key for addr: a pair of strings
// safe to use as path elements by filesystem-backed stores.
//
// Both parts have diacritics stripped and are lowercased and trimmed. The
// local part additionally loses dots and everything from the first '+' on,
// with any remaining non-word character replaced by '_'. The domain part
// keeps dots, replaces other non-word characters with '_' and loses leading
// dots.
//
// The mapping is lossy: distinct addresses may share a key and therefore a
// mailbox directory. It is deterministic and idempotent, so a key passed
// through it again comes out unchanged.
func MailboxKey(addr string) (userDir, domainDir string) {
	local, domain := addr, ""
	if indx := strings.LastIndexByte(addr, '@'); indx != -1 {
		local, domain = addr[:indx], addr[indx+1:]
	}

	local = foldForKey(local)
	local = strings.ReplaceAll(local, ".", "")
	if indx := strings.IndexByte(local, '+'); indx != -1 {
		local = local[:indx]
	}
	userDir = mapNonWord(local, false)

	domain = foldForKey(domain)
	domainDir = strings.TrimLeft(mapNonWord(domain, true), ".")
	return userDir, domainDir
}

// foldForKey strips combining marks (so "Å" becomes "A"), lowercases and
// trims the string.
func foldForKey(s string) string {
	// The chained transformer carries internal buffers and cannot be
	// shared between concurrent sessions, construct it per call.
	strip := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(strip, s)
	if err != nil {
		folded = s
	}
	return strings.TrimSpace(strings.ToLower(folded))
}

// mapNonWord replaces every character outside [a-z0-9_] with '_'.
// keepDots additionally preserves dots, for domain parts.
func mapNonWord(s string, keepDots bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '_':
			b.WriteRune(ch)
		case keepDots && ch == '.':
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
