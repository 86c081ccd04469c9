package httppool_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/filedistribution/internal/peer"
	"github.com/italolelis/filedistribution/internal/peer/httppool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcServer answers serveFile requests with the given status and message.
func rpcServer(t *testing.T, status int32, message string) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, httppool.RPCPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req struct {
			ID     int64    `json:"id"`
			Method string   `json:"method"`
			Params []string `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		assert.Equal(t, peer.ServeFileMethod, req.Method)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     req.ID,
			"result": map[string]any{"status": status, "message": message},
			"error":  nil,
		})
	}))
	t.Cleanup(ts.Close)

	return ts
}

func TestConnection_InvokeSync(t *testing.T) {
	tests := []struct {
		name    string
		status  int32
		message string
	}{
		{"acknowledged", 0, "OK"},
		{"rejected", 1, "Internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := rpcServer(t, tt.status, tt.message)

			conn := httppool.NewConnection(ts.URL+"/", nil)
			assert.Equal(t, ts.URL, conn.Address())

			resp, err := conn.InvokeSync(context.Background(), peer.NewServeFileRequest("foo"), time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}

func TestConnection_InvokeSync_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr string
	}{
		{
			"http error",
			func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
			"unexpected HTTP status 503: overloaded",
		},
		{
			"rpc error",
			func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"id":1,"result":null,"error":"no such method"}`)
			},
			"rpc error: no such method",
		},
		{
			"missing result",
			func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"id":1,"result":null,"error":null}`)
			},
			"response carries no result",
		},
		{
			"mismatched id",
			func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"id":99,"result":{"status":0,"message":"OK"},"error":null}`)
			},
			"does not match request id",
		},
		{
			"garbage",
			func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `not json`)
			},
			"failed to decode response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			conn := httppool.NewConnection(ts.URL, nil)

			_, err := conn.InvokeSync(context.Background(), peer.NewServeFileRequest("foo"), time.Second)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConnection_InvokeSync_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	conn := httppool.NewConnection(ts.URL, nil)

	_, err := conn.InvokeSync(context.Background(), peer.NewServeFileRequest("foo"), 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnection_InvokeAsync(t *testing.T) {
	ts := rpcServer(t, 0, "OK")
	conn := httppool.NewConnection(ts.URL, nil)

	done := make(chan *peer.Response, 1)

	conn.InvokeAsync(context.Background(), peer.NewServeFileRequest("foo"), time.Second, func(resp *peer.Response, err error) {
		assert.NoError(t, err)
		done <- resp
	})

	select {
	case resp := <-done:
		assert.Equal(t, peer.StatusOK, resp.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not called")
	}
}

func TestNew_RequiresAddresses(t *testing.T) {
	_, err := httppool.New(nil, nil)
	assert.Error(t, err)

	_, err = httppool.New([]string{"", "  "}, nil)
	assert.Error(t, err)
}

func TestRequesterOverHTTP(t *testing.T) {
	ts := rpcServer(t, 1, "Internal error")

	pool, err := httppool.New([]string{ts.URL}, nil)
	require.NoError(t, err)

	err = peer.NewRequester(pool, time.Second, nil).RequestServe(context.Background(), "bar")

	var rejection *peer.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "Internal error", rejection.Message)
	assert.Equal(t, ts.URL, rejection.Address)
}
