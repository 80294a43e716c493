package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers JSON-RPC requests read from one pipe on another.
func fakeServer(t *testing.T, in io.Reader, out io.Writer, handle func(req rpcRequest) (any, *rpcError)) {
	t.Helper()
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if req.ID == nil {
				continue
			}
			result, rpcErr := handle(req)
			resp := map[string]any{"jsonrpc": "2.0", "id": *req.ID}
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(out, "%s\n", data)
		}
	}()
}

func newTestRPC(t *testing.T, handle func(req rpcRequest) (any, *rpcError)) *rpcClient {
	t.Helper()
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	client := newRPCClient(clientOut)
	go client.readLoop(clientIn)
	fakeServer(t, serverIn, serverOut, handle)

	t.Cleanup(func() {
		client.Close()
		clientOut.Close()
		serverOut.Close()
	})
	return client
}

func TestRPCCallRoundTrip(t *testing.T) {
	client := newTestRPC(t, func(req rpcRequest) (any, *rpcError) {
		assert.Equal(t, "2.0", req.JSONRPC)
		return map[string]any{"echo": req.Method}, nil
	})

	raw, err := client.Call(context.Background(), "tools/list", nil)
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "tools/list", result["echo"])
}

func TestRPCCallErrorResponse(t *testing.T) {
	client := newTestRPC(t, func(req rpcRequest) (any, *rpcError) {
		return nil, &rpcError{Code: -32601, Message: "method not found"}
	})

	_, err := client.Call(context.Background(), "inconnu", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "method not found")
}

func TestRPCIDsAreMonotonic(t *testing.T) {
	var seen []int64
	client := newTestRPC(t, func(req rpcRequest) (any, *rpcError) {
		seen = append(seen, *req.ID)
		return "ok", nil
	})

	for i := 0; i < 3; i++ {
		_, err := client.Call(context.Background(), "ping", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestRPCCallHonoursContextCancellation(t *testing.T) {
	client := newTestRPC(t, func(req rpcRequest) (any, *rpcError) {
		time.Sleep(time.Hour) // never answers
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "lent", nil)
	require.Error(t, err)

	client.mu.Lock()
	pending := len(client.pending)
	client.mu.Unlock()
	assert.Zero(t, pending, "cancelled call must not linger in the pending map")
}

func TestRPCStreamCloseFailsPending(t *testing.T) {
	clientIn, _ := io.Pipe()
	serverIn, clientOut := io.Pipe()
	go io.Copy(io.Discard, serverIn)

	client := newRPCClient(clientOut)
	go client.readLoop(clientIn)
	t.Cleanup(client.Close)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "ping", nil)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	clientIn.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorContains(t, err, "stream closed")
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed on stream close")
	}
}
