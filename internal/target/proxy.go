package target

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/alvmarrod/web-shuttle/internal/faults"
)

// Scheme is the proxy protocol
type Scheme string

const (
	SchemeHTTP   Scheme = "http"
	SchemeSOCKS5 Scheme = "socks5"
)

// Proxy is a parsed proxy endpoint
type Proxy struct {
	Scheme   Scheme
	Host     string
	Port     int
	Username string
	Password string
}

// ParseProxy parses "scheme://[user[:pass]@]host:port".
// http and https map to an HTTP proxy, socks and socks5 to SOCKS5.
func ParseProxy(raw string) (Proxy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Proxy{}, faults.Configf("empty proxy descriptor")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Proxy{}, faults.Wrap(faults.KindConfig, err, "unparseable proxy "+strconv.Quote(raw))
	}

	var scheme Scheme
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		scheme = SchemeHTTP
	case "socks", "socks5":
		scheme = SchemeSOCKS5
	default:
		return Proxy{}, faults.Configf("unsupported proxy scheme %q in %q", u.Scheme, raw)
	}

	host := u.Hostname()
	if host == "" {
		return Proxy{}, faults.Configf("proxy %q has no host", raw)
	}

	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return Proxy{}, faults.Configf("proxy %q has an invalid port", raw)
	}

	p := Proxy{Scheme: scheme, Host: host, Port: port}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// Addr returns host:port
func (p Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// URL returns the proxy as a URL with credentials in the userinfo
func (p Proxy) URL() *url.URL {
	u := &url.URL{Scheme: string(p.Scheme), Host: p.Addr()}
	switch {
	case p.Username != "" && p.Password != "":
		u.User = url.UserPassword(p.Username, p.Password)
	case p.Username != "":
		u.User = url.User(p.Username)
	}
	return u
}

// String renders the canonical descriptor accepted by ParseProxy.
func (p Proxy) String() string {
	if p.Scheme == "" {
		return ""
	}
	return p.URL().String()
}

// Redacted renders the descriptor with the password masked, for logs.
func (p Proxy) Redacted() string {
	if p.Scheme == "" {
		return ""
	}
	return p.URL().Redacted()
}
