package visitor

import (
	"context"

	"github.com/alvmarrod/web-shuttle/internal/target"
)

// Request describes one page visit
type Request struct {
	URL       string
	Proxy     *target.Proxy
	UserAgent string
}

// Result is what a successful visit returns
type Result struct {
	StatusCode int
	Headers    map[string]string
	Content    string
}

// Visitor fetches a URL. Implementations must be safe for concurrent use and
// must bound their own duration; failures are reported as faults.KindVisit.
type Visitor interface {
	Visit(ctx context.Context, req Request) (*Result, error)
}

// Strategy names a Visitor implementation
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyDelegated Strategy = "delegated"
)
