// Package agent validates User-Agent header values against the RFC 9110 grammar:
//
//	User-Agent = product *( RWS ( product / comment ) )
//	product    = token [ "/" token ]
//	comment    = "(" *( ctext / quoted-pair / comment ) ")"
package agent

import (
	"github.com/alvmarrod/web-shuttle/internal/faults"
)

// MaxCommentDepth bounds comment nesting
const MaxCommentDepth = 64

// Validate returns a config error locating the first byte that breaks the grammar.
func Validate(ua string) error {
	p := parser{s: ua}
	if err := p.userAgent(); err != nil {
		return err
	}
	return nil
}

// Valid reports whether ua is a well-formed User-Agent value
func Valid(ua string) bool {
	return Validate(ua) == nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) fail(what string) error {
	if p.pos >= len(p.s) {
		return faults.Configf("invalid user agent: %s at end of input", what)
	}
	return faults.Configf("invalid user agent: %s at offset %d (%q)", what, p.pos, p.s[p.pos])
}

func (p *parser) userAgent() error {
	if err := p.product(); err != nil {
		return err
	}
	for p.pos < len(p.s) {
		if !p.rws() {
			return p.fail("expected whitespace")
		}
		if p.pos >= len(p.s) {
			return p.fail("trailing whitespace")
		}
		var err error
		if p.s[p.pos] == '(' {
			err = p.comment()
		} else {
			err = p.product()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) product() error {
	if !p.token() {
		return p.fail("expected product token")
	}
	if p.pos < len(p.s) && p.s[p.pos] == '/' {
		p.pos++
		if !p.token() {
			return p.fail("expected product version")
		}
	}
	return nil
}

func (p *parser) token() bool {
	start := p.pos
	for p.pos < len(p.s) && isTchar(p.s[p.pos]) {
		p.pos++
	}
	return p.pos > start
}

func (p *parser) rws() bool {
	start := p.pos
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
	return p.pos > start
}

// comment consumes a parenthesised comment, tracking nesting with a counter.
func (p *parser) comment() error {
	depth := 0
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		switch {
		case c == '(':
			depth++
			if depth > MaxCommentDepth {
				return p.fail("comment nested too deeply")
			}
			p.pos++
		case c == ')':
			depth--
			p.pos++
			if depth == 0 {
				return nil
			}
		case c == '\\':
			p.pos++
			if p.pos >= len(p.s) || !isQuotable(p.s[p.pos]) {
				return p.fail("invalid quoted pair")
			}
			p.pos++
		case isCtext(c):
			p.pos++
		default:
			return p.fail("invalid comment character")
		}
	}
	return p.fail("unterminated comment")
}

func isTchar(c byte) bool {
	switch {
	case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func isCtext(c byte) bool {
	return c == '\t' || c == ' ' ||
		(c >= 0x21 && c <= 0x27) ||
		(c >= 0x2A && c <= 0x5B) ||
		(c >= 0x5D && c <= 0x7E) ||
		c >= 0x80
}

func isQuotable(c byte) bool {
	return c == '\t' || c == ' ' || (c >= 0x21 && c <= 0x7E) || c >= 0x80
}
