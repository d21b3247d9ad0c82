package target

import (
	"bufio"
	"io"
	"strings"
)

// Rejected is an input line that failed to parse
type Rejected struct {
	Line   int
	Text   string
	Reason error
}

// ReadLines splits text into trimmed lines, skipping blanks and # comments.
// Returned line numbers are 1-based.
func ReadLines(r io.Reader) ([]string, []int, error) {
	var lines []string
	var numbers []int

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
		numbers = append(numbers, n)
	}
	return lines, numbers, scanner.Err()
}

// ParseLinks validates and deduplicates links, preserving first-seen order.
func ParseLinks(lines []string) ([]string, []Rejected) {
	seen := make(map[string]bool, len(lines))
	var links []string
	var rejected []Rejected

	for i, line := range lines {
		link, err := ParseLink(line)
		if err != nil {
			rejected = append(rejected, Rejected{Line: i + 1, Text: line, Reason: err})
			continue
		}
		if seen[link] {
			continue
		}
		seen[link] = true
		links = append(links, link)
	}
	return links, rejected
}

// ParseProxies validates and deduplicates proxy descriptors.
func ParseProxies(lines []string) ([]Proxy, []Rejected) {
	seen := make(map[string]bool, len(lines))
	var proxies []Proxy
	var rejected []Rejected

	for i, line := range lines {
		p, err := ParseProxy(line)
		if err != nil {
			rejected = append(rejected, Rejected{Line: i + 1, Text: line, Reason: err})
			continue
		}
		key := p.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		proxies = append(proxies, p)
	}
	return proxies, rejected
}

// FormatLinks renders links one per line
func FormatLinks(links []string) string {
	if len(links) == 0 {
		return ""
	}
	return strings.Join(links, "\n") + "\n"
}

// FormatProxies renders proxies one per line in canonical form
func FormatProxies(proxies []Proxy) string {
	var b strings.Builder
	for _, p := range proxies {
		b.WriteString(p.String())
		b.WriteByte('\n')
	}
	return b.String()
}
