package httppool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/filedistribution/internal/logctx"
	"github.com/italolelis/filedistribution/internal/peer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RPCPath is where peers accept JSON-RPC requests.
const RPCPath = "/rpc"

const maxResponseSize = 64 * 1024

type rpcRequest struct {
	ID     int64    `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type rpcResult struct {
	Status  int32  `json:"status"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64      `json:"id"`
	Result *rpcResult `json:"result"`
	Error  *string    `json:"error"`
}

// Connection speaks JSON-RPC over HTTP to one peer.
type Connection struct {
	baseURL    string
	httpClient *http.Client
	nextID     atomic.Int64
}

var _ peer.Connection = (*Connection)(nil)

// NewConnection returns a connection to the peer at baseURL. client may be nil.
func NewConnection(baseURL string, client *http.Client) *Connection {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &Connection{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

func (c *Connection) Address() string {
	return c.baseURL
}

// InvokeSync posts req to the peer and decodes its result.
func (c *Connection) InvokeSync(ctx context.Context, req *peer.Request, timeout time.Duration) (*peer.Response, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", req.Method, "peer", c.baseURL)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := c.nextID.Add(1)

	body, err := json.Marshal(rpcRequest{ID: id, Method: req.Method, Params: req.Params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+RPCPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	logger.Debug("sending rpc request", "id", id)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))

		return nil, fmt.Errorf("unexpected HTTP status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error: %s", *rpcResp.Error)
	}

	if rpcResp.ID != id {
		return nil, fmt.Errorf("response id %d does not match request id %d", rpcResp.ID, id)
	}

	if rpcResp.Result == nil {
		return nil, errors.New("response carries no result")
	}

	return &peer.Response{Status: rpcResp.Result.Status, Message: rpcResp.Result.Message}, nil
}

// InvokeAsync runs InvokeSync in its own goroutine.
func (c *Connection) InvokeAsync(ctx context.Context, req *peer.Request, timeout time.Duration, waiter peer.Waiter) {
	go func() {
		waiter(c.InvokeSync(ctx, req, timeout))
	}()
}

// Pool rotates between peers: a reported error moves the pool to the next
// peer, which is then used from the next request on.
type Pool struct {
	mu      sync.Mutex
	conns   []*Connection
	current int
	errors  map[string]int
}

var _ peer.ConnectionPool = (*Pool)(nil)

// New returns a pool over the given peer base URLs.
func New(addresses []string, client *http.Client) (*Pool, error) {
	if len(addresses) == 0 {
		return nil, errors.New("at least one peer address is required")
	}

	p := &Pool{errors: make(map[string]int)}

	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}

		p.conns = append(p.conns, NewConnection(addr, client))
	}

	if len(p.conns) == 0 {
		return nil, errors.New("at least one peer address is required")
	}

	return p, nil
}

func (p *Pool) Current() peer.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.conns[p.current]
}

// ReportError counts the failure and rotates away from conn if it is current.
func (p *Pool) ReportError(conn peer.Connection, _ error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.errors[conn.Address()]++

	if p.conns[p.current].Address() == conn.Address() {
		p.current = (p.current + 1) % len(p.conns)
	}
}

// ReportSuccess clears the error count of conn.
func (p *Pool) ReportSuccess(conn peer.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.errors, conn.Address())
}

// errorCount returns the number of consecutive failures reported for address.
func (p *Pool) errorCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.errors[address]
}

func (p *Pool) Size() int {
	return len(p.conns)
}
