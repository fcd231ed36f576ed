package launch

import (
	"net"
	"net/url"
	"strings"

	"github.com/p-arndt/agenthub/internal/apperr"
)

const dockerHostGateway = "host.docker.internal"

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ContainerURL rewrites a loopback host in raw to the bridge host so the URL
// can be reached from inside a session container. Other hosts are kept.
func (r *Resolver) ContainerURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", apperr.Config("invalid callback url %q", raw)
	}
	if !isLoopbackHost(u.Hostname()) {
		return raw, nil
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(r.bridgeHost, port)
	} else {
		u.Host = r.bridgeHost
	}
	return u.String(), nil
}

// ExtraHosts maps the docker gateway name when it is the bridge host, which
// plain Linux engines do not provide by default.
func (r *Resolver) ExtraHosts() []string {
	if r.bridgeHost == dockerHostGateway {
		return []string{dockerHostGateway + ":host-gateway"}
	}
	return nil
}
