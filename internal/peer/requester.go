package peer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/filedistribution/internal/fileref"
	"github.com/italolelis/filedistribution/internal/logctx"
	"github.com/italolelis/filedistribution/internal/telemetry"
)

const defaultRPCTimeout = 10 * time.Second

// Requester asks peers to push file references to this node.
type Requester struct {
	pool      ConnectionPool
	timeout   time.Duration
	telemetry *telemetry.Telemetry
}

// NewRequester returns a Requester whose serve requests get rpcTimeout as
// their RPC budget. tel may be nil.
func NewRequester(pool ConnectionPool, rpcTimeout time.Duration, tel *telemetry.Telemetry) *Requester {
	if rpcTimeout <= 0 {
		rpcTimeout = defaultRPCTimeout
	}

	return &Requester{
		pool:      pool,
		timeout:   rpcTimeout,
		telemetry: tel,
	}
}

// Timeout returns the RPC budget of a serve request.
func (r *Requester) Timeout() time.Duration {
	return r.timeout
}

// RequestServe asks the current peer to start serving ref. A nil error means
// the peer acknowledged and will push the content. Otherwise the error is a
// *RejectionError or a *TransportError; neither is retried here.
func (r *Requester) RequestServe(ctx context.Context, ref fileref.Reference) error {
	logger := logctx.LoggerFromContext(ctx)

	conn := r.pool.Current()
	if conn == nil {
		return &TransportError{Reference: ref.String(), Err: ErrNoConnection}
	}

	logger = logger.With("peer", conn.Address())

	var resp *Response

	err := r.telemetry.InstrumentPeerRequest(ctx, ServeFileMethod, func(ctx context.Context) error {
		var err error

		resp, err = r.invoke(ctx, conn, NewServeFileRequest(ref))

		return err
	})
	if err != nil {
		// A request abandoned by the caller says nothing about the peer.
		if !errors.Is(err, context.Canceled) || ctx.Err() == nil {
			r.pool.ReportError(conn, err)
		}

		logger.Warn("serve request failed", "err", err)

		return &TransportError{Reference: ref.String(), Address: conn.Address(), Err: err}
	}

	r.pool.ReportSuccess(conn)

	if resp.Status != StatusOK {
		logger.Warn("peer rejected serve request", "status", resp.Status, "message", resp.Message)

		return &RejectionError{
			Reference: ref.String(),
			Address:   conn.Address(),
			Code:      resp.Status,
			Message:   resp.Message,
		}
	}

	logger.Debug("peer acknowledged serve request", "message", resp.Message)

	return nil
}

type result struct {
	resp *Response
	err  error
}

// invoke waits for an asynchronous invocation, giving up when ctx is done or
// the budget is spent even if the connection does not honour its timeout.
func (r *Requester) invoke(ctx context.Context, conn Connection, req *Request) (*Response, error) {
	done := make(chan result, 1)

	conn.InvokeAsync(ctx, req, r.timeout, func(resp *Response, err error) {
		done <- result{resp: resp, err: err}
	})

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err == nil && res.resp == nil {
			return nil, errors.New("empty response")
		}

		return res.resp, res.err
	case <-timer.C:
		return nil, fmt.Errorf("no response within %s: %w", r.timeout, context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
