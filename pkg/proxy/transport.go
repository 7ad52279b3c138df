package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// URL returns the proxy URL for addr under scheme ("http" if empty).
func URL(scheme, addr string) string {
	if scheme == "" {
		scheme = "http"
	}
	return strings.ToLower(scheme) + "://" + addr
}

// NewTransport returns an http.Transport that routes every request through
// proxyURL. http and https proxies use CONNECT/absolute-form requests;
// socks5 proxies are dialed with golang.org/x/net/proxy.
func NewTransport(proxyURL string, dialTimeout time.Duration) (*http.Transport, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: dialTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		DisableKeepAlives:     false,
	}

	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
		t.DialContext = dialer.DialContext
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pass}
		}
		socks, err := xproxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		if cd, ok := socks.(xproxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return socks.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	return t, nil
}
