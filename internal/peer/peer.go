package peer

import (
	"context"
	"time"

	"github.com/italolelis/filedistribution/internal/fileref"
)

// ServeFileMethod asks a peer to push the content of a file reference back to us.
const ServeFileMethod = "filedistribution.serveFile"

// StatusOK is the status a peer returns when it accepts a serve request.
const StatusOK int32 = 0

// Request is an RPC invocation.
type Request struct {
	Method string
	Params []string
}

// NewServeFileRequest builds the request asking a peer to serve ref.
func NewServeFileRequest(ref fileref.Reference) *Request {
	return &Request{Method: ServeFileMethod, Params: []string{ref.String()}}
}

// Response carries the return values of a serve request.
type Response struct {
	Status  int32
	Message string
}

// Waiter receives the outcome of an asynchronous invocation. It is called exactly once.
type Waiter func(resp *Response, err error)

// Connection is a transport to a single peer.
type Connection interface {
	Address() string
	// InvokeSync performs req and waits at most timeout for the response.
	InvokeSync(ctx context.Context, req *Request, timeout time.Duration) (*Response, error)
	// InvokeAsync performs req in the background and hands the result to waiter.
	InvokeAsync(ctx context.Context, req *Request, timeout time.Duration, waiter Waiter)
}

// ConnectionPool hands out connections and tracks their health. Which peer is
// current and when to move to another is the pool's business.
type ConnectionPool interface {
	Current() Connection
	ReportError(conn Connection, err error)
	ReportSuccess(conn Connection)
	Size() int
}
