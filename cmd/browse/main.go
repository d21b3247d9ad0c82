// Command browse fetches one page and prints the result as a JSON envelope.
// It is the helper run by the delegated visit strategy:
//
//	browse <url> [-p proxy] [-a agent]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/agent"
	"github.com/alvmarrod/web-shuttle/internal/faults"
	"github.com/alvmarrod/web-shuttle/internal/target"
	"github.com/alvmarrod/web-shuttle/internal/visitor"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("browse", flag.ContinueOnError)
	fs.SetOutput(stderr)
	proxyArg := fs.String("p", "", "proxy as scheme://[user[:pass]@]host:port")
	agentArg := fs.String("a", "", "User-Agent header")
	timeout := fs.Duration("t", 30*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: browse <url> [-p proxy] [-a agent] [-t timeout]")
		fs.PrintDefaults()
	}

	// Flags may appear on either side of the URL
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return exitUsage
	}
	rawURL := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return exitUsage
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return exitUsage
	}

	env := visitor.Envelope{
		Params: visitor.EnvelopeParams{URL: rawURL, Proxy: *proxyArg, Agent: *agentArg},
	}

	req, err := buildRequest(rawURL, *proxyArg, *agentArg)
	if err != nil {
		env.Error = faults.Message(err)
		writeEnvelope(stdout, env)
		return exitFail
	}

	res, err := visitor.NewDirect(*timeout).Visit(context.Background(), req)
	if err != nil {
		env.Error = faults.Message(err)
		writeEnvelope(stdout, env)
		return exitFail
	}

	env.Headers = res.Headers
	env.Content = &res.Content
	writeEnvelope(stdout, env)
	return exitOK
}

func buildRequest(rawURL, rawProxy, ua string) (visitor.Request, error) {
	link, err := target.ParseLink(rawURL)
	if err != nil {
		return visitor.Request{}, err
	}
	req := visitor.Request{URL: link, UserAgent: ua}
	if rawProxy != "" {
		p, err := target.ParseProxy(rawProxy)
		if err != nil {
			return visitor.Request{}, err
		}
		req.Proxy = &p
	}
	if ua != "" {
		if err := agent.Validate(ua); err != nil {
			return visitor.Request{}, err
		}
	}
	return req, nil
}

func writeEnvelope(w io.Writer, env visitor.Envelope) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(env)
}
