package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gmpassos/mailstack/framework/config"
	modconfig "github.com/gmpassos/mailstack/framework/config/module"
	tls2 "github.com/gmpassos/mailstack/framework/config/tls"
	"github.com/gmpassos/mailstack/framework/log"
	"github.com/gmpassos/mailstack/framework/module"
	"github.com/gmpassos/mailstack/internal/auth"
	"github.com/gmpassos/mailstack/internal/proxy_protocol"
	"golang.org/x/net/idna"
)

type Endpoint struct {
	name  string
	addrs []string

	hostname       string
	tlsConfig      *tls.Config
	auth           module.UserDB
	storage        module.Storage
	relay          module.DeliveryTarget
	insecureAuth   bool
	maxMessageSize int64
	readTimeout    time.Duration
	writeTimeout   time.Duration
	proxyProtocol  *proxy_protocol.ProxyProtocol

	saslAuth auth.SASLAuth

	listeners   []net.Listener
	listenersWg sync.WaitGroup

	Log log.Logger
}

func (endp *Endpoint) Name() string {
	return endp.name
}

func (endp *Endpoint) InstanceName() string {
	return endp.name
}

func New(modName string, addrs []string) (module.Module, error) {
	endp := &Endpoint{
		name:  modName,
		addrs: addrs,
		Log:   log.Logger{Name: modName},
		saslAuth: auth.SASLAuth{
			Log: log.Logger{Name: modName + "/sasl"},
		},
	}
	return endp, nil
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	if err := endp.setConfig(cfg); err != nil {
		return err
	}

	addresses := make([]config.Endpoint, 0, len(endp.addrs))
	for _, addr := range endp.addrs {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("%s: invalid address: %s", endp.name, addr)
		}

		addresses = append(addresses, saddr)
	}

	if err := endp.setupListeners(addresses); err != nil {
		for _, l := range endp.listeners {
			l.Close()
		}
		return err
	}

	if endp.insecureAuth {
		endp.Log.Println("authentication over unencrypted connections is allowed, this is insecure configuration and should be used only for testing!")
	}
	if endp.tlsConfig == nil {
		endp.Log.Println("TLS is disabled, this is insecure configuration and should be used only for testing!")
	}

	return nil
}

func (endp *Endpoint) setConfig(cfg *config.Map) error {
	var err error

	cfg.String("hostname", true, true, "", &endp.hostname)
	cfg.Custom("tls", true, true, nil, tls2.TLSDirective, &endp.tlsConfig)
	cfg.Custom("auth", false, true, nil, modconfig.AuthDirective, &endp.auth)
	cfg.Custom("storage", false, true, nil, modconfig.StorageDirective, &endp.storage)
	cfg.Custom("relay", false, false, nil, modconfig.DeliveryDirective, &endp.relay)
	cfg.Bool("insecure_auth", false, false, &endp.insecureAuth)
	cfg.DataSize("max_message_size", false, false, 32*1024*1024, &endp.maxMessageSize)
	cfg.Duration("read_timeout", false, false, 10*time.Minute, &endp.readTimeout)
	cfg.Duration("write_timeout", false, false, 1*time.Minute, &endp.writeTimeout)
	cfg.Custom("proxy_protocol", false, false, nil, proxy_protocol.ProxyProtocolDirective, &endp.proxyProtocol)
	cfg.Bool("debug", true, false, &endp.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	endp.saslAuth.Log.Debug = endp.Log.Debug
	endp.saslAuth.Plain = append(endp.saslAuth.Plain, endp.auth)

	// INTERNATIONALIZATION: See RFC 6531 Section 3.3.
	endp.hostname, err = idna.ToASCII(endp.hostname)
	if err != nil {
		return fmt.Errorf("%s: cannot represent the hostname as an A-label name: %w", endp.name, err)
	}

	return nil
}

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	for _, addr := range addresses {
		var l net.Listener
		var err error
		l, err = net.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("%s: %w", endp.name, err)
		}
		endp.Log.Printf("listening on %v", addr)

		if addr.IsTLS() {
			if endp.tlsConfig == nil {
				l.Close()
				return fmt.Errorf("%s: can't bind on SMTPS endpoint without TLS configuration", endp.name)
			}
			l = tls.NewListener(l, endp.tlsConfig)
		}

		if endp.proxyProtocol != nil {
			l = proxy_protocol.NewListener(l, endp.proxyProtocol, endp.Log)
		}

		endp.listeners = append(endp.listeners, l)

		endp.listenersWg.Add(1)
		addr := addr
		go func() {
			if err := endp.serve(l, addr.IsTLS()); err != nil && !strings.HasSuffix(err.Error(), "use of closed network connection") {
				endp.Log.Printf("failed to serve %s: %s", addr, err)
			}
			endp.listenersWg.Done()
		}()
	}

	return nil
}

func (endp *Endpoint) serve(l net.Listener, tlsSocket bool) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}

		go func() {
			tlsState := tlsSocket
			if _, ok := conn.(*tls.Conn); ok {
				tlsState = true
			}
			endp.newSession(conn, tlsState).serve()
		}()
	}
}

func (endp *Endpoint) Close() error {
	for _, l := range endp.listeners {
		l.Close()
	}
	endp.listenersWg.Wait()
	return nil
}

func init() {
	module.RegisterEndpoint("smtp", New)
}
