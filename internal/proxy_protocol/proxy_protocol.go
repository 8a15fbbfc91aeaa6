package proxy_protocol

import (
	"crypto/tls"
	"net"
	"strings"

	"github.com/c0va23/go-proxyprotocol"
	"github.com/gmpassos/mailstack/framework/config"
	tls2 "github.com/gmpassos/mailstack/framework/config/tls"
	"github.com/gmpassos/mailstack/framework/log"
)

// ProxyProtocol holds the parsed proxy_protocol endpoint directive: the
// subnets allowed to send a PROXY header and the TLS configuration to use
// for the wrapped connections, if any.
type ProxyProtocol struct {
	trust     []net.IPNet
	tlsConfig *tls.Config
}

func ProxyProtocolDirective(_ *config.Map, node config.Node) (interface{}, error) {
	p := ProxyProtocol{}

	childM := config.NewMap(nil, node)
	var trustList []string

	childM.StringList("trust", false, false, nil, &trustList)
	childM.Custom("tls", true, false, nil, tls2.TLSDirective, &p.tlsConfig)

	if _, err := childM.Process(); err != nil {
		return nil, err
	}

	trustList = append(trustList, node.Args...)

	for _, trust := range trustList {
		if !strings.Contains(trust, "/") {
			// Bare address, treat it as a single-host subnet.
			if strings.Contains(trust, ":") {
				trust += "/128"
			} else {
				trust += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(trust)
		if err != nil {
			return nil, config.NodeErr(node, "invalid trusted subnet %s: %v", trust, err)
		}
		p.trust = append(p.trust, *ipNet)
	}

	return &p, nil
}

// trusted reports whether a PROXY header received from upstream is honored.
// An empty trust list trusts everyone. UNIX socket peers are always local
// and therefore always trusted.
func (p *ProxyProtocol) trusted(upstream net.Addr) bool {
	switch addr := upstream.(type) {
	case *net.TCPAddr:
		if len(p.trust) == 0 {
			return true
		}
		for _, trusted := range p.trust {
			if trusted.Contains(addr.IP) {
				return true
			}
		}
	case *net.UnixAddr:
		return true
	}
	return false
}

// NewListener wraps inner so that accepted connections carry the address
// from the PROXY header instead of the load balancer one.
func NewListener(inner net.Listener, p *ProxyProtocol, logger log.Logger) net.Listener {
	var listener net.Listener = proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(func(upstream net.Addr) (bool, error) {
			if p.trusted(upstream) {
				return true, nil
			}
			logger.Printf("proxy_protocol: connection from untrusted source %s", upstream)
			return false, nil
		})

	if p.tlsConfig != nil {
		listener = tls.NewListener(listener, p.tlsConfig)
	}

	return listener
}
