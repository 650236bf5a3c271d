package comm

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"
)

const resolveTimeout = 5 * time.Second

// GetAddr turns an IPv4 literal or a host name into an address. Names are
// resolved through the system resolver and the first IPv4 result is used.
func GetAddr(host string, port uint16) (netip.AddrPort, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		if !ip.Is4() && !ip.Is4In6() {
			return netip.AddrPort{}, newError(ErrAddrResolve, err, "only IPv4 is supported: "+host)
		}
		return netip.AddrPortFrom(ip.Unmap(), port), nil
	}
	if host == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), port), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.AddrPort{}, newError(ErrAddrResolve, err, "resolve "+host)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, newError(ErrAddrResolve, nil, "no IPv4 address for "+host)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), port), nil
}

// SplitAddr parses "host:port".
func SplitAddr(hostport string) (string, uint16, error) {
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, newError(ErrInvalidArg, err, "split "+hostport)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, newError(ErrInvalidArg, err, "port "+p)
	}
	return host, uint16(port), nil
}
