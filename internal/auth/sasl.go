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

// Package auth provides the glue between endpoint sessions and
// authentication providers configured for them.
package auth

import (
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"

	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

var ErrUnsupportedMech = errors.New("unsupported SASL mechanism")

// SASLAuth initializes sasl.Server instances using the authentication
// providers configured for an endpoint.
//
// Providers are tried in the order they are configured, the first one to
// accept the credentials wins.
type SASLAuth struct {
	Log log.Logger

	Plain []module.PlainAuth
}

// AuthPlain tries the credentials against all providers in order.
func (s *SASLAuth) AuthPlain(username, password string) error {
	if len(s.Plain) == 0 {
		return ErrUnsupportedMech
	}

	var lastErr error
	for _, p := range s.Plain {
		lastErr = p.AuthPlain(username, password)
		if lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("no auth. provider accepted creds, last err: %w", lastErr)
}

// CreateSASL creates the sasl.Server instance for the corresponding
// mechanism.
//
// successCb is called with the authenticated username. If it fails,
// authentication fails too.
//
// LOGIN is not done through here: its server-side flow rejects unknown
// accounts before the password step, which sasl.NewLoginServer cannot
// express.
func (s *SASLAuth) CreateSASL(mech string, remoteAddr net.Addr, successCb func(username string) error) sasl.Server {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				s.Log.Msg("rejected authorization identity", "username", username, "identity", identity, "src_ip", remoteAddr)
				return errors.New("auth: invalid credentials")
			}
			if err := s.AuthPlain(username, password); err != nil {
				s.Log.Error("authentication failed", err, "username", username, "src_ip", remoteAddr)
				return errors.New("auth: invalid credentials")
			}
			return successCb(username)
		})
	}
	return FailingSASLServ{Err: ErrUnsupportedMech}
}

// FailingSASLServ is a sasl.Server that always fails with Err.
type FailingSASLServ struct{ Err error }

func (s FailingSASLServ) Next([]byte) ([]byte, bool, error) {
	return nil, true, s.Err
}
