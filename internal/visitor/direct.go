package visitor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/faults"
	"github.com/alvmarrod/web-shuttle/internal/target"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/proxy"
)

// Direct fetches pages in-process with a fresh colly collector per visit
type Direct struct {
	timeout time.Duration
}

// NewDirect creates a direct visitor; timeout bounds each request
func NewDirect(timeout time.Duration) *Direct {
	return &Direct{timeout: timeout}
}

// Visit fetches req.URL. Any non-2xx status or transport error is a failure.
// Certificate errors are ignored.
func (d *Direct) Visit(ctx context.Context, req Request) (*Result, error) {
	transport, err := newTransport(req.Proxy, d.timeout)
	if err != nil {
		return nil, err
	}
	defer transport.CloseIdleConnections()

	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	}
	if req.UserAgent != "" {
		opts = append(opts, colly.UserAgent(req.UserAgent))
	}

	c := colly.NewCollector(opts...)
	c.WithTransport(transport)
	c.SetRequestTimeout(d.timeout)

	var result *Result
	c.OnResponse(func(r *colly.Response) {
		result = &Result{
			StatusCode: r.StatusCode,
			Headers:    flattenHeaders(r.Headers),
			Content:    string(r.Body),
		}
	})

	if err := c.Visit(req.URL); err != nil {
		if isTimeout(err) {
			return nil, faults.Visitf("response timeout expired")
		}
		return nil, faults.Wrap(faults.KindVisit, err, "")
	}

	if result == nil {
		return nil, faults.Visitf("no response received")
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return nil, faults.Visitf("unexpected response code: %d", result.StatusCode)
	}
	return result, nil
}

// newTransport builds a transport that ignores certificate errors and routes
// through p when set.
func newTransport(p *target.Proxy, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          1,
		DisableKeepAlives:     true,
	}

	if p == nil {
		return transport, nil
	}

	switch p.Scheme {
	case target.SchemeHTTP:
		transport.Proxy = http.ProxyURL(p.URL())
	case target.SchemeSOCKS5:
		var auth *proxy.Auth
		if p.Username != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		socks, err := proxy.SOCKS5("tcp", p.Addr(), auth, dialer)
		if err != nil {
			return nil, faults.Wrap(faults.KindVisit, err, "failed to create SOCKS5 dialer")
		}
		contextDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, faults.Visitf("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = contextDialer.DialContext
	default:
		return nil, faults.Visitf("unsupported proxy scheme %q", p.Scheme)
	}
	return transport, nil
}

func flattenHeaders(h *http.Header) map[string]string {
	headers := make(map[string]string)
	if h == nil {
		return headers
	}
	for k, v := range *h {
		headers[k] = strings.Join(v, ", ")
	}
	return headers
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout")
}

func (d *Direct) String() string {
	return fmt.Sprintf("direct(timeout=%s)", d.timeout)
}
