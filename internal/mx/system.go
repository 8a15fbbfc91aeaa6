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

package mx

import (
	"context"
	"fmt"

	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/dns"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

// System is the simple resolver: it does not look up MX records at all and
// instead uses the A/AAAA addresses of the recipient domain itself, all at
// preference 0. Useful for direct-to-host deliveries and local testing.
type System struct {
	modName  string
	instName string

	resolver dns.Resolver

	log log.Logger
}

func NewSystem(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments are accepted", modName)
	}
	return &System{
		modName:  modName,
		instName: instName,
		log:      log.Logger{Name: modName},
	}, nil
}

func (s *System) Name() string {
	return s.modName
}

func (s *System) InstanceName() string {
	return s.instName
}

func (s *System) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &s.log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if s.resolver == nil {
		s.resolver = dns.DefaultResolver()
	}
	return nil
}

func (s *System) ResolveMX(ctx context.Context, domain string) []module.MX {
	addrs, err := s.resolver.LookupIPAddr(ctx, domain)
	if err != nil {
		s.log.Error("address lookup failed", err, "domain", domain)
		return nil
	}

	res := make([]module.MX, 0, len(addrs))
	for _, addr := range addrs {
		res = append(res, module.MX{Pref: 0, Addr: addr.IP})
	}
	return res
}

func init() {
	module.Register("mx.system", NewSystem)
}

var _ module.MXResolver = (*System)(nil)
