package visitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/faults"
)

// Failure messages reported for a misbehaving browser process
const (
	MsgBrowserCrashed  = "browser crashed"
	MsgBrowserTimedOut = "browser timed out"
	MsgWrongResponse   = "wrong browser response"
	MsgWrongCall       = "wrong browser call"
)

// EnvelopeParams echoes the arguments the browser was called with
type EnvelopeParams struct {
	URL   string `json:"url"`
	Proxy string `json:"proxy"`
	Agent string `json:"agent"`
}

// Envelope is the JSON document a browser process prints on stdout
type Envelope struct {
	Params  EnvelopeParams    `json:"params"`
	Headers map[string]string `json:"headers"`
	Content *string           `json:"content,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Delegated visits a page by running an external browser executable:
//
//	<path> [args...] <url> [-p <proxy>] [-a <agent>]
type Delegated struct {
	path    string
	args    []string
	timeout time.Duration
}

// NewDelegated creates a delegated visitor. args are passed before the URL.
func NewDelegated(path string, timeout time.Duration, args ...string) *Delegated {
	return &Delegated{path: path, args: args, timeout: timeout}
}

// Visit runs the browser once and interprets its exit status and envelope.
func (d *Delegated) Visit(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.path, d.commandArgs(req)...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.WaitDelay = time.Second

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, faults.Visitf(MsgBrowserTimedOut)
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		env, err := decodeEnvelope(stdout.Bytes())
		// a present content key is success, even when empty
		if err != nil || env.Content == nil {
			return nil, faults.Visitf(MsgWrongResponse)
		}
		headers := env.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		return &Result{StatusCode: 200, Headers: headers, Content: *env.Content}, nil

	case errors.As(runErr, &exitErr):
		if !exitErr.Exited() {
			return nil, faults.Visitf(MsgBrowserCrashed)
		}
		if env, err := decodeEnvelope(stdout.Bytes()); err == nil && env.Error != "" {
			return nil, faults.Visitf("%s", env.Error)
		}
		return nil, faults.Visitf(MsgWrongCall)

	default:
		return nil, faults.Wrap(faults.KindVisit, runErr, MsgBrowserCrashed)
	}
}

func (d *Delegated) commandArgs(req Request) []string {
	args := append([]string{}, d.args...)
	args = append(args, req.URL)
	if req.Proxy != nil {
		args = append(args, "-p", req.Proxy.String())
	}
	if req.UserAgent != "" {
		args = append(args, "-a", req.UserAgent)
	}
	return args
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty output")
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse browser output: %w", err)
	}
	return &env, nil
}

func (d *Delegated) String() string {
	return fmt.Sprintf("delegated(%s, timeout=%s)", d.path, d.timeout)
}
