// Package safehttp builds HTTP clients for calls to user-configured URLs.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// SafeTransport rejects connections to private, loopback and link-local
// addresses. The check runs on the dialed address so DNS answers that
// point inside the network are caught too.
var SafeTransport = &http.Transport{
	DialContext:         safeDial,
	TLSHandshakeTimeout: 5 * time.Second,
	MaxIdleConns:        10,
	IdleConnTimeout:     90 * time.Second,
}

func safeDial(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	if ip == nil {
		conn.Close()
		return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
	}
	if !Allowed(ip) {
		conn.Close()
		return nil, fmt.Errorf("access to private IP %s is denied", ip)
	}
	return conn, nil
}

// Allowed reports whether ip may be reached by SafeTransport.
func Allowed(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified())
}

// Client returns a client with timeout. Unless allowPrivate is set it uses
// SafeTransport.
func Client(timeout time.Duration, allowPrivate bool) *http.Client {
	c := &http.Client{Timeout: timeout}
	if !allowPrivate {
		c.Transport = SafeTransport
	}
	return c
}
