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

// Package fs implements a mailbox store backed by a directory tree.
//
//	storage.fs /var/lib/mailstack/messages {
//	    auth &local_users
//	}
//
// Messages for u@d are stored as <root>/<d>/<u>/<uid>.eml with both path
// elements folded by the address rules (case, dots and +tags in the local
// part). The root directory must exist; per-mailbox directories are
// created on first store. UIDs are the Unix timestamp in milliseconds
// concatenated with a three-digit process-wide sequence number, so the
// lexicographic-by-integer order of file stems is the append order.
package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gmpassos/mailstack/framework/config"
	modconfig "github.com/gmpassos/mailstack/framework/config/module"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
	"github.com/gmpassos/mailstack/internal/storage"
)

const modName = "storage.fs"

type Store struct {
	instName string
	root     string
	auth     module.UserDB

	Log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	s := &Store{
		instName: instName,
		Log:      log.Logger{Name: modName},
	}
	switch len(inlineArgs) {
	case 0:
	case 1:
		s.root = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: at most one argument is accepted", modName)
	}
	return s, nil
}

func (s *Store) Name() string {
	return modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

func (s *Store) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &s.Log.Debug)
	cfg.String("root", false, false, s.root, &s.root)
	cfg.Custom("auth", false, true, nil, modconfig.AuthDirective, &s.auth)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if s.root == "" {
		return fmt.Errorf("%s: root directory not set", modName)
	}
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %s is not a directory", modName, s.root)
	}
	return nil
}

func (s *Store) mailboxDir(addr string) string {
	return filepath.Join(s.root, filepath.FromSlash(storage.MailboxPath(addr)))
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
		dir := s.mailboxDir(rcpt)
		if err := os.MkdirAll(dir, os.ModeDir|os.ModePerm); err != nil {
			return err
		}

		uid := storage.NextUID()
		if err := os.WriteFile(filepath.Join(dir, uid+".eml"), body, 0666); err != nil {
			return err
		}

		s.Log.DebugMsg("message stored", "dir", dir, "uid", uid, "from", from)
		return nil
	})
}

func (s *Store) ListUIDs(mailbox string) ([]string, error) {
	entries, err := os.ReadDir(s.mailboxDir(mailbox))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %w", modName, err)
	}

	uids := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".eml") {
			continue
		}
		uids = append(uids, strings.TrimSuffix(ent.Name(), ".eml"))
	}
	storage.SortUIDs(uids)
	return uids, nil
}

func (s *Store) CountUIDs(mailbox string) (int, error) {
	uids, err := s.ListUIDs(mailbox)
	if err != nil {
		return 0, err
	}
	return len(uids), nil
}

func (s *Store) FetchMessage(mailbox, uid string) ([]byte, error) {
	// The UID doubles as the file stem, make sure it cannot escape the
	// mailbox directory.
	if uid == "" || uid == "." || uid == ".." || strings.ContainsAny(uid, `/\`) {
		return nil, module.ErrNoSuchMsg
	}

	body, err := os.ReadFile(filepath.Join(s.mailboxDir(mailbox), uid+".eml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, module.ErrNoSuchMsg
		}
		return nil, fmt.Errorf("%s: %w", modName, err)
	}
	return body, nil
}

func init() {
	module.Register(modName, New)
}

var _ module.Storage = (*Store)(nil)
