// Package peertest provides an in-memory connection pool whose peer answers
// are scripted by a Handler.
package peertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/filedistribution/internal/peer"
)

// Handler decides how the fake peer answers a request.
type Handler interface {
	Respond(ctx context.Context, req *peer.Request) (*peer.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *peer.Request) (*peer.Response, error)

func (f HandlerFunc) Respond(ctx context.Context, req *peer.Request) (*peer.Response, error) {
	return f(ctx, req)
}

// Acknowledge accepts every serve request.
func Acknowledge() Handler {
	return Reply(peer.StatusOK, "OK")
}

// Reject answers every request with a non-zero status.
func Reject(code int32, message string) Handler {
	return Reply(code, message)
}

// Reply answers every request with the given status and message.
func Reply(code int32, message string) Handler {
	return HandlerFunc(func(context.Context, *peer.Request) (*peer.Response, error) {
		return &peer.Response{Status: code, Message: message}, nil
	})
}

// Delay waits d, or until ctx is done, before delegating to next.
func Delay(d time.Duration, next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *peer.Request) (*peer.Response, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return next.Respond(ctx, req)
	})
}

// Fail simulates a transport failure.
func Fail(err error) Handler {
	return HandlerFunc(func(context.Context, *peer.Request) (*peer.Response, error) {
		return nil, err
	})
}

// Block never answers until ctx is done.
func Block() Handler {
	return HandlerFunc(func(ctx context.Context, _ *peer.Request) (*peer.Response, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})
}

// Pool is a single-connection peer.ConnectionPool that is also its own connection.
type Pool struct {
	mu        sync.Mutex
	handler   Handler
	requests  []*peer.Request
	errors    int
	successes int

	calls atomic.Int64
}

var (
	_ peer.ConnectionPool = (*Pool)(nil)
	_ peer.Connection     = (*Pool)(nil)
)

// NewPool returns a pool answering with h, or Acknowledge when h is nil.
func NewPool(h Handler) *Pool {
	if h == nil {
		h = Acknowledge()
	}

	return &Pool{handler: h}
}

// SetHandler replaces the handler for subsequent requests.
func (p *Pool) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handler = h
}

// Calls returns how many requests reached the peer.
func (p *Pool) Calls() int {
	return int(p.calls.Load())
}

// CallsFor returns how many requests for method and first parameter reached the peer.
func (p *Pool) CallsFor(method, param string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0

	for _, r := range p.requests {
		if r.Method == method && len(r.Params) > 0 && r.Params[0] == param {
			n++
		}
	}

	return n
}

// Health returns the number of reported errors and successes.
func (p *Pool) Health() (errs, successes int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.errors, p.successes
}

func (p *Pool) Current() peer.Connection { return p }

func (p *Pool) ReportError(peer.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.errors++
}

func (p *Pool) ReportSuccess(peer.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.successes++
}

func (p *Pool) Size() int { return 1 }

func (p *Pool) Address() string { return "mock" }

func (p *Pool) InvokeSync(ctx context.Context, req *peer.Request, timeout time.Duration) (*peer.Response, error) {
	p.calls.Add(1)

	p.mu.Lock()
	p.requests = append(p.requests, req)
	h := p.handler
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := h.Respond(ctx, req)
	if err == nil && resp == nil {
		return nil, errors.New("handler returned no response")
	}

	return resp, err
}

func (p *Pool) InvokeAsync(ctx context.Context, req *peer.Request, timeout time.Duration, waiter peer.Waiter) {
	go func() {
		waiter(p.InvokeSync(ctx, req, timeout))
	}()
}
