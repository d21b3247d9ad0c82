package target

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/alvmarrod/web-shuttle/internal/faults"
)

// ParseLink validates an absolute http(s) URL and returns its canonical form
func ParseLink(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", faults.Configf("empty link")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", faults.Wrap(faults.KindConfig, err, "unparseable link "+strconv.Quote(raw))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", faults.Configf("link %q must use http or https", raw)
	}
	if u.Hostname() == "" {
		return "", faults.Configf("link %q has no host", raw)
	}
	u.Host = strings.ToLower(u.Host)

	return u.String(), nil
}

// Host extracts the lowercase hostname from a link
func Host(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
