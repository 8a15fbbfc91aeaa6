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

// Package remote implements the module which does outgoing message
// delivery to the recipient domain's mail exchanger.
//
// One Deliver call makes exactly one attempt against one exchanger: the
// MX resolver is asked for candidate hosts, the lowest-preference host is
// picked (ties broken uniformly at random) and the session is driven by
// smtpconn. There is no failover to other exchangers and no queue; a
// failed attempt is reported to the caller and that is it.
//
// Implemented interfaces:
// - module.DeliveryTarget
package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/gmpassos/mailstack/framework/config"
	modconfig "github.com/gmpassos/mailstack/framework/config/module"
	"github.com/gmpassos/mailstack/framework/exterrors"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
	"github.com/gmpassos/mailstack/internal/smtpconn"
	"golang.org/x/net/idna"
)

const modName = "target.remote"

// Change smtpPort to 2525 to debug deliveries on a non-privileged port.
var smtpPort = "25"

func moduleError(err error) error {
	return exterrors.WithFields(err, map[string]interface{}{
		"target": "remote",
	})
}

type Target struct {
	instName string

	hostname string
	port     string
	starttls bool

	resolver module.MXResolver
	dialer   func(ctx context.Context, network, addr string) (net.Conn, error)

	connectTimeout time.Duration
	commandTimeout time.Duration

	Log log.Logger
}

var _ module.DeliveryTarget = (*Target)(nil)

func New(_, instName string, _, inlineArgs []string) (module.Module, error) {
	if len(inlineArgs) != 0 {
		return nil, fmt.Errorf("%s: inline arguments are not used", modName)
	}
	return &Target{
		instName: instName,
		dialer:   (&net.Dialer{}).DialContext,
		Log:      log.Logger{Name: modName},
	}, nil
}

func (rt *Target) Name() string {
	return modName
}

func (rt *Target) InstanceName() string {
	return rt.instName
}

func (rt *Target) Init(cfg *config.Map) error {
	cfg.String("hostname", true, true, "", &rt.hostname)
	cfg.String("port", false, false, smtpPort, &rt.port)
	cfg.Bool("starttls", false, true, &rt.starttls)
	cfg.Custom("mx", false, false, func() (interface{}, error) {
		return modconfig.MXResolver(cfg.Globals, []string{"system"}, config.Node{})
	}, modconfig.MXResolverDirective, &rt.resolver)
	cfg.Duration("connect_timeout", false, false, 30*time.Second, &rt.connectTimeout)
	cfg.Duration("command_timeout", false, false, 5*time.Minute, &rt.commandTimeout)
	cfg.Bool("debug", true, false, &rt.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	var err error
	rt.hostname, err = idna.ToASCII(rt.hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", modName, err)
	}

	return nil
}

func (rt *Target) Deliver(ctx context.Context, domain, from string, rcpts []string, body []byte) error {
	records := rt.resolver.ResolveMX(ctx, domain)
	if len(records) == 0 {
		failedDeliveries.WithLabelValues(rt.label()).Inc()
		return moduleError(exterrors.WithFields(
			fmt.Errorf("no usable MX records for %s", domain),
			map[string]interface{}{"domain": domain},
		))
	}

	mx := pickExchanger(records)
	addr := net.JoinHostPort(mx.Addr.String(), rt.port)
	rt.Log.DebugMsg("delivery attempt", "domain", domain, "remote_server", addr,
		"mx_preference", mx.Pref, "rcpts", len(rcpts))

	conn := smtpconn.New()
	conn.Dialer = rt.dialer
	conn.ConnectTimeout = rt.connectTimeout
	conn.CommandTimeout = rt.commandTimeout
	conn.Hostname = rt.hostname
	// Opportunistic TLS to an arbitrary exchanger cannot authenticate the
	// peer, so any certificate is accepted.
	conn.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	conn.StartTLS = rt.starttls
	conn.Log = rt.Log

	if err := conn.Connect(ctx, addr); err != nil {
		failedDeliveries.WithLabelValues(rt.label()).Inc()
		return moduleError(err)
	}
	defer conn.Close()

	if err := conn.Deliver(ctx, from, rcpts, body); err != nil {
		failedDeliveries.WithLabelValues(rt.label()).Inc()
		return moduleError(err)
	}

	deliveredMessages.WithLabelValues(rt.label()).Inc()
	rt.Log.Msg("delivered", "domain", domain, "remote_server", addr,
		"rcpts", len(rcpts), "tls", conn.DidTLS())
	return nil
}

func (rt *Target) label() string {
	if rt.instName != "" {
		return rt.instName
	}
	return modName
}

// pickExchanger chooses the host for the delivery attempt: the minimal
// preference value wins, ties are broken uniformly at random.
func pickExchanger(records []module.MX) module.MX {
	minPref := records[0].Pref
	for _, r := range records[1:] {
		if r.Pref < minPref {
			minPref = r.Pref
		}
	}

	tied := make([]module.MX, 0, len(records))
	for _, r := range records {
		if r.Pref == minPref {
			tied = append(tied, r)
		}
	}
	return tied[rand.Intn(len(tied))]
}

func init() {
	module.Register(modName, New)
}
