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

// Package mx provides the resolver modules used to locate the mail
// exchangers of a recipient domain.
//
// All resolvers report failures as an empty record list: for delivery
// purposes a domain that cannot be resolved and a domain without usable
// MX hosts are the same thing.
package mx

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

const defaultDoHUpstream = "https://cloudflare-dns.com/dns-query"

// DoH queries MX records through a DNS-over-HTTPS resolver speaking the
// application/dns-json protocol (Cloudflare, Google and dnscrypt-proxy all
// do).
type DoH struct {
	modName  string
	instName string

	upstream string
	timeout  time.Duration
	client   *http.Client

	log log.Logger
}

func NewDoH(modName, instName string, _, inlineArgs []string) (module.Module, error) {
	d := &DoH{
		modName:  modName,
		instName: instName,
		log:      log.Logger{Name: modName},
	}

	switch len(inlineArgs) {
	case 0:
	case 1:
		d.upstream = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: at most one argument is accepted: the resolver URL", modName)
	}
	return d, nil
}

func (d *DoH) Name() string {
	return d.modName
}

func (d *DoH) InstanceName() string {
	return d.instName
}

func (d *DoH) Init(cfg *config.Map) error {
	defaultUpstream := d.upstream
	if defaultUpstream == "" {
		defaultUpstream = defaultDoHUpstream
	}

	cfg.Bool("debug", true, false, &d.log.Debug)
	cfg.String("upstream", false, false, defaultUpstream, &d.upstream)
	cfg.Duration("timeout", false, false, 10*time.Second, &d.timeout)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	d.client = &http.Client{Timeout: d.timeout}
	return nil
}

// dohAnswer is one resource record of the application/dns-json answer
// section.
type dohAnswer struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

type dohResponse struct {
	Status int         `json:"Status"`
	Answer []dohAnswer `json:"Answer"`
}

func (d *DoH) query(ctx context.Context, name string, qtype uint16) ([]dohAnswer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.upstream, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("name", name)
	q.Set("type", dns.TypeToString[qtype])
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", "application/dns-json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d from %s", d.modName, resp.StatusCode, d.upstream)
	}

	var parsed dohResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Answer, nil
}

// ResolveMX returns one record per (exchanger, address) pair, sorted by
// ascending preference. Malformed RRs are skipped, transport errors yield
// an empty list.
func (d *DoH) ResolveMX(ctx context.Context, domain string) []module.MX {
	answers, err := d.query(ctx, domain, dns.TypeMX)
	if err != nil {
		d.log.Error("MX query failed", err, "domain", domain)
		return nil
	}

	var res []module.MX
	for _, ans := range answers {
		if ans.Type != dns.TypeMX {
			continue
		}

		// data is "<preference> <exchanger.>".
		fields := strings.Fields(ans.Data)
		if len(fields) < 2 {
			d.log.Debugf("skipping malformed MX RR %q for %s", ans.Data, domain)
			continue
		}
		pref, err := strconv.ParseUint(fields[0], 10, 16)
		if err != nil {
			d.log.Debugf("skipping malformed MX RR %q for %s", ans.Data, domain)
			continue
		}
		host := strings.TrimSuffix(fields[1], ".")
		if host == "" {
			d.log.Debugf("skipping malformed MX RR %q for %s", ans.Data, domain)
			continue
		}

		addrs := d.resolveHost(ctx, host)
		if len(addrs) == 0 {
			d.log.Msg("no usable addresses for MX host", "domain", domain, "host", host)
			continue
		}
		for _, ip := range addrs {
			res = append(res, module.MX{Pref: uint16(pref), Addr: ip})
		}
	}

	sort.SliceStable(res, func(i, j int) bool {
		return res[i].Pref < res[j].Pref
	})
	return res
}

func (d *DoH) resolveHost(ctx context.Context, host string) []net.IP {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := d.query(ctx, host, qtype)
		if err != nil {
			d.log.Error("address query failed", err, "host", host, "type", dns.TypeToString[qtype])
			continue
		}
		for _, ans := range answers {
			if ans.Type != qtype {
				continue
			}
			ip := net.ParseIP(ans.Data)
			if ip == nil {
				continue
			}
			ips = append(ips, ip)
		}
	}
	return ips
}

func init() {
	module.Register("mx.doh", NewDoH)
}

var _ module.MXResolver = (*DoH)(nil)
