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

// Package memory implements a mailbox store that keeps all messages in
// process memory. Nothing survives a restart, which makes it useful for
// tests and throwaway setups only.
//
//	storage.memory {
//	    auth &local_users
//	}
//
// UIDs are the decimal insertion index of the message within its mailbox,
// starting at 0.
package memory

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/gmpassos/mailstack/framework/config"
	modconfig "github.com/gmpassos/mailstack/framework/config/module"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
	"github.com/gmpassos/mailstack/internal/storage"
)

const modName = "storage.memory"

type Store struct {
	instName string
	auth     module.UserDB

	mu        sync.RWMutex
	mailboxes map[string][][]byte

	Log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments are accepted", modName)
	}
	return &Store{
		instName:  instName,
		mailboxes: map[string][][]byte{},
		Log:       log.Logger{Name: modName},
	}, nil
}

func (s *Store) Name() string {
	return modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

func (s *Store) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &s.Log.Debug)
	cfg.Custom("auth", false, true, nil, modconfig.AuthDirective, &s.auth)
	_, err := cfg.Process()
	return err
}

func (s *Store) ResolveMailboxes(rcpts []string) []string {
	return s.auth.ExistingUsers(rcpts)
}

func (s *Store) Store(from string, rcpts []string, body []byte) ([]string, error) {
	known := s.ResolveMailboxes(rcpts)
	if len(known) == 0 {
		return nil, nil
	}

	return storage.StoreEach(s.Log, known, func(rcpt string) error {
		name := storage.MailboxName(rcpt)

		// The caller may reuse the body buffer after Store returns.
		msg := append([]byte(nil), body...)

		s.mu.Lock()
		s.mailboxes[name] = append(s.mailboxes[name], msg)
		uid := len(s.mailboxes[name]) - 1
		s.mu.Unlock()

		s.Log.DebugMsg("message stored", "mailbox", name, "uid", uid, "from", from)
		return nil
	})
}

func (s *Store) ListUIDs(mailbox string) ([]string, error) {
	s.mu.RLock()
	count := len(s.mailboxes[storage.MailboxName(mailbox)])
	s.mu.RUnlock()

	uids := make([]string, count)
	for i := range uids {
		uids[i] = strconv.Itoa(i)
	}
	return uids, nil
}

func (s *Store) CountUIDs(mailbox string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mailboxes[storage.MailboxName(mailbox)]), nil
}

func (s *Store) FetchMessage(mailbox, uid string) ([]byte, error) {
	idx, err := strconv.Atoi(uid)
	if err != nil || idx < 0 {
		return nil, module.ErrNoSuchMsg
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.mailboxes[storage.MailboxName(mailbox)]
	if idx >= len(msgs) {
		return nil, module.ErrNoSuchMsg
	}
	return msgs[idx], nil
}

func init() {
	module.Register(modName, New)
}

var _ module.Storage = (*Store)(nil)
