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

// Package sql implements a mailbox store on top of database/sql.
//
//	storage.sql sqlite mail.db {
//	    auth &local_users
//	}
//
// Supported drivers are the ones whose packages are linked in: sqlite
// (modernc.org/sqlite, pure Go), postgres (lib/pq) and mysql
// (go-sql-driver/mysql). Messages land in the mailstack_messages table,
// one row per (mailbox, message); UIDs are per-mailbox decimal counters
// assigned as MAX(uid)+1 inside the insert transaction.
package sql

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gmpassos/mailstack/framework/config"
	modconfig "github.com/gmpassos/mailstack/framework/config/module"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
	"github.com/gmpassos/mailstack/internal/storage"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const modName = "storage.sql"

type Store struct {
	instName string
	driver   string
	dsn      []string
	auth     module.UserDB

	db *sql.DB

	Log log.Logger
}

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	s := &Store{
		instName: instName,
		Log:      log.Logger{Name: modName},
	}
	if len(inlineArgs) != 0 {
		if len(inlineArgs) == 1 {
			return nil, fmt.Errorf("%s: expected at least 2 arguments", modName)
		}
		s.driver = inlineArgs[0]
		s.dsn = inlineArgs[1:]
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
	cfg.String("driver", false, false, s.driver, &s.driver)
	cfg.StringList("dsn", false, false, s.dsn, &s.dsn)
	cfg.Custom("auth", false, true, nil, modconfig.AuthDirective, &s.auth)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if s.driver == "" {
		return fmt.Errorf("%s: driver is required", modName)
	}
	if len(s.dsn) == 0 {
		return fmt.Errorf("%s: dsn is required", modName)
	}

	db, err := sql.Open(s.driver, strings.Join(s.dsn, " "))
	if err != nil {
		return fmt.Errorf("%s: %w", modName, err)
	}
	s.db = db

	return s.initSchema()
}

func (s *Store) initSchema() error {
	blobType := "LONGBLOB"
	switch s.driver {
	case "postgres":
		blobType = "BYTEA"
	case "sqlite", "sqlite3":
		blobType = "BLOB"
	}

	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS mailstack_messages (
		mailbox TEXT NOT NULL,
		uid BIGINT NOT NULL,
		body ` + blobType + ` NOT NULL,
		PRIMARY KEY (mailbox, uid)
	)`)
	if err != nil {
		return fmt.Errorf("%s: schema: %w", modName, err)
	}
	return nil
}

// rebind converts ?-style placeholders to the $N form lib/pq expects.
// sqlite and mysql take ? as is.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func (s *Store) Close() error {
	return s.db.Close()
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

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		var uid int64
		row := tx.QueryRow(s.rebind(
			`SELECT COALESCE(MAX(uid)+1, 0) FROM mailstack_messages WHERE mailbox = ?`), name)
		if err := row.Scan(&uid); err != nil {
			return err
		}
		if _, err := tx.Exec(s.rebind(
			`INSERT INTO mailstack_messages (mailbox, uid, body) VALUES (?, ?, ?)`), name, uid, body); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		s.Log.DebugMsg("message stored", "mailbox", name, "uid", uid, "from", from)
		return nil
	})
}

func (s *Store) ListUIDs(mailbox string) ([]string, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT uid FROM mailstack_messages WHERE mailbox = ? ORDER BY uid`), storage.MailboxName(mailbox))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modName, err)
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("%s: %w", modName, err)
		}
		uids = append(uids, strconv.FormatInt(uid, 10))
	}
	return uids, rows.Err()
}

func (s *Store) CountUIDs(mailbox string) (int, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT COUNT(*) FROM mailstack_messages WHERE mailbox = ?`), storage.MailboxName(mailbox))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", modName, err)
	}
	return count, nil
}

func (s *Store) FetchMessage(mailbox, uid string) ([]byte, error) {
	uidVal, err := strconv.ParseInt(uid, 10, 64)
	if err != nil {
		return nil, module.ErrNoSuchMsg
	}

	row := s.db.QueryRow(s.rebind(
		`SELECT body FROM mailstack_messages WHERE mailbox = ? AND uid = ?`), storage.MailboxName(mailbox), uidVal)
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
