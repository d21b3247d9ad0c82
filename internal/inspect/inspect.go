package inspect

import (
	"net"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ProbeHost is the page whose content reveals the caller's public address
const ProbeHost = "www.ipchicken.com"

const maxTitle = 60

var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

// Title returns the trimmed <title> of an HTML document, or "" if absent.
func Title(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if r := []rune(title); len(r) > maxTitle {
		title = string(r[:maxTitle])
	}
	return title
}

// ExitIP extracts the public address reported by the probe page. The
// address is printed in bold text; the first valid IPv4 found there wins,
// falling back to the whole body.
func ExitIP(html string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false
	}

	var found string
	doc.Find("b").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if ip := firstIPv4(s.Text()); ip != "" {
			found = ip
			return false
		}
		return true
	})
	if found == "" {
		found = firstIPv4(doc.Find("body").Text())
	}
	return found, found != ""
}

// IsProbe reports whether host serves the exit address probe
func IsProbe(host string) bool {
	host = strings.ToLower(host)
	return host == ProbeHost || host == strings.TrimPrefix(ProbeHost, "www.")
}

func firstIPv4(text string) string {
	for _, candidate := range ipv4Pattern.FindAllString(text, -1) {
		if ip := net.ParseIP(candidate); ip != nil && ip.To4() != nil {
			return candidate
		}
	}
	return ""
}
