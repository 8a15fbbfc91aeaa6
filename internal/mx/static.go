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
	"net"
	"sort"
	"strconv"

	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/dns"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

// Static serves a fixed MX table from the configuration:
//
//	mx.static {
//	    mx example.org 10 192.0.2.10
//	    mx example.org 20 192.0.2.20
//	    fallback 192.0.2.1
//	}
//
// fallback records are returned for domains the table does not mention.
// Intended for tests and fully static deployments.
type Static struct {
	modName  string
	instName string

	entries  map[string][]module.MX
	fallback []module.MX

	log log.Logger
}

func NewStatic(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: no arguments are accepted", modName)
	}
	return &Static{
		modName:  modName,
		instName: instName,
		entries:  map[string][]module.MX{},
		log:      log.Logger{Name: modName},
	}, nil
}

func (s *Static) Name() string {
	return s.modName
}

func (s *Static) InstanceName() string {
	return s.instName
}

func (s *Static) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &s.log.Debug)
	cfg.Callback("mx", func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 3 {
			return config.NodeErr(node, "expected 3 arguments: <domain> <preference> <ip>")
		}
		domain, err := dns.ForLookup(node.Args[0])
		if err != nil {
			return config.NodeErr(node, "invalid domain %s: %v", node.Args[0], err)
		}
		pref, err := strconv.ParseUint(node.Args[1], 10, 16)
		if err != nil {
			return config.NodeErr(node, "invalid preference %s", node.Args[1])
		}
		ip := net.ParseIP(node.Args[2])
		if ip == nil {
			return config.NodeErr(node, "invalid IP address %s", node.Args[2])
		}
		s.entries[domain] = append(s.entries[domain], module.MX{Pref: uint16(pref), Addr: ip})
		return nil
	})
	cfg.Callback("fallback", func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 1 {
			return config.NodeErr(node, "expected 1 argument: <ip>")
		}
		ip := net.ParseIP(node.Args[0])
		if ip == nil {
			return config.NodeErr(node, "invalid IP address %s", node.Args[0])
		}
		s.fallback = append(s.fallback, module.MX{Pref: 0, Addr: ip})
		return nil
	})
	if _, err := cfg.Process(); err != nil {
		return err
	}

	for _, recs := range s.entries {
		sort.SliceStable(recs, func(i, j int) bool {
			return recs[i].Pref < recs[j].Pref
		})
	}
	return nil
}

func (s *Static) ResolveMX(_ context.Context, domain string) []module.MX {
	key, _ := dns.ForLookup(domain)
	if recs := s.entries[key]; len(recs) != 0 {
		return recs
	}
	return s.fallback
}

func init() {
	module.Register("mx.static", NewStatic)
}

var _ module.MXResolver = (*Static)(nil)
