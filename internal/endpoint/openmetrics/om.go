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

// Package openmetrics exposes the process metrics registry for Prometheus
// scraping at the /metrics path.
package openmetrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
)

const modName = "openmetrics"

type Endpoint struct {
	addrs []string

	serv http.Server
	mux  *http.ServeMux

	listenersWg sync.WaitGroup

	Log log.Logger
}

func New(_ string, addrs []string) (module.Module, error) {
	return &Endpoint{
		addrs: addrs,
		Log:   log.Logger{Name: modName},
	}, nil
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	cfg.Bool("debug", false, false, &endp.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	endp.mux = http.NewServeMux()
	endp.mux.Handle("/metrics", promhttp.Handler())
	endp.serv.Handler = endp.mux

	for _, a := range endp.addrs {
		a := a
		addr, err := config.ParseEndpoint(a)
		if err != nil {
			return fmt.Errorf("%s: invalid address: %s", modName, a)
		}
		if addr.IsTLS() {
			return fmt.Errorf("%s: TLS is not supported", modName)
		}

		l, err := net.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("%s: %w", modName, err)
		}
		endp.Log.Printf("listening on %v", addr)

		endp.listenersWg.Add(1)
		go func() {
			err := endp.serv.Serve(l)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				endp.Log.Error("serve failed", err, "endpoint", a)
			}
			endp.listenersWg.Done()
		}()
	}

	return nil
}

func (endp *Endpoint) Name() string {
	return modName
}

func (endp *Endpoint) InstanceName() string {
	return ""
}

func (endp *Endpoint) Close() error {
	if err := endp.serv.Close(); err != nil {
		return err
	}
	endp.listenersWg.Wait()
	return nil
}

func init() {
	module.RegisterEndpoint(modName, New)
}
