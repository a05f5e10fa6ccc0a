// Package nativemsg turns the request/response exchange with a native
// messaging host into a single-shot call with typed outcomes.
//
// A call either fails at the transport (the host could not be reached or
// its answer could not be read) or it delivers a response. A delivered
// response with status "panic" is an application failure and is reported
// by Call, never by the transport.
package nativemsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/glinharesb/yubihsm-enroll/internal/fault"
	"github.com/glinharesb/yubihsm-enroll/internal/hostproto"
)

// Transport delivers one encoded request to the named host and returns
// the host's encoded answer. Implementations must not retry.
type Transport interface {
	RoundTrip(ctx context.Context, host string, request []byte) ([]byte, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, host string, request []byte) ([]byte, error)

func (f TransportFunc) RoundTrip(ctx context.Context, host string, request []byte) ([]byte, error) {
	return f(ctx, host, request)
}

// Client sends requests over a Transport with a caller-side timeout.
type Client struct {
	transport Transport
	timeout   time.Duration
	log       *slog.Logger
	calls     atomic.Uint64
}

type Option func(*Client)

// WithTimeout bounds every call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{transport: t, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calls reports how many host invocations were attempted.
func (c *Client) Calls() uint64 {
	return c.calls.Load()
}

// Send performs exactly one host invocation and returns the raw response.
// Only transport and timeout failures are returned as errors.
func (c *Client) Send(ctx context.Context, host string, req any) (*hostproto.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fault.New(fault.OpHostCall, fault.KindTransport, "malformed request: %v", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.calls.Inc()
	start := time.Now()
	raw, err := c.transport.RoundTrip(ctx, host, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.log.Warn("native host call timed out", "host", host, "duration", time.Since(start))
			return nil, &fault.Error{Op: fault.OpHostCall, Kind: fault.KindTimeout, Msg: fmt.Sprintf("host %s did not answer in time", host), Err: err}
		}
		c.log.Warn("native host call failed", "host", host, "error", err)
		return nil, fault.Wrap(fault.OpHostCall, fault.KindTransport, err)
	}

	var resp hostproto.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fault.New(fault.OpHostCall, fault.KindTransport, "malformed response from %s: %v", host, err)
	}
	c.log.Debug("native host call", "host", host, "status", resp.Status, "duration", time.Since(start))
	return &resp, nil
}

// Call sends req and decodes a successful payload into T. A non-ok status
// is returned as an application fault carrying the host's message.
func Call[T any](ctx context.Context, c *Client, host string, req any) (T, error) {
	var out T

	resp, err := c.Send(ctx, host, req)
	if err != nil {
		return out, err
	}
	if resp.Status != hostproto.StatusOK {
		if resp.File != "" {
			c.log.Debug("native host panic", "host", host, "file", resp.File, "line", resp.Line)
		}
		return out, &fault.Error{Op: fault.OpHostCall, Kind: fault.KindApplication, Msg: resp.PanicMessage()}
	}
	if err := json.Unmarshal(resp.Payload, &out); err != nil {
		return out, fault.New(fault.OpHostCall, fault.KindTransport, "unexpected payload shape: %v", err)
	}
	return out, nil
}
