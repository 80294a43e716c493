package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	callTimeout    = 30 * time.Second
	reaperInterval = 30 * time.Second
	pendingMaxAge  = 60 * time.Second

	// Tool servers can emit large results on one line.
	maxLineBytes = 10 * 1024 * 1024
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	ch      chan rpcOutcome
	created time.Time
}

// rpcClient multiplexes JSON-RPC 2.0 calls over newline-delimited
// streams. One instance per child process.
type rpcClient struct {
	w io.Writer

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  bool

	done chan struct{}
}

func newRPCClient(w io.Writer) *rpcClient {
	c := &rpcClient{
		w:       w,
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

// readLoop consumes newline-delimited responses until the reader
// fails, then fails every pending call. Run it in its own goroutine.
func (c *rpcClient) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			slog.Debug("ignoring non-JSON line from tool server", "length", len(line))
			continue
		}
		if resp.ID == nil {
			// Server-initiated notifications are out of scope.
			continue
		}

		c.mu.Lock()
		call, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}

		if resp.Error != nil {
			call.ch <- rpcOutcome{err: resp.Error}
		} else {
			call.ch <- rpcOutcome{result: resp.Result}
		}
	}

	c.failAll(fmt.Errorf("tool server stream closed: %w", scanner.Err()))
}

// Call sends a request and waits for the correlated response.
func (c *rpcClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("rpc client closed")
	}
	c.nextID++
	id := c.nextID
	call := &pendingCall{ch: make(chan rpcOutcome, 1), created: time.Now()}
	c.pending[id] = call

	err := c.writeLocked(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	select {
	case out := <-call.ch:
		return out.result, out.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("rpc call %s timed out after %s", method, callTimeout)
		}
		return nil, ctx.Err()
	}
}

// Notify sends a request without an id; no response is expected.
func (c *rpcClient) Notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("rpc client closed")
	}
	return c.writeLocked(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// writeLocked assumes c.mu is held; one line per message.
func (c *rpcClient) writeLocked(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal rpc request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to write rpc request: %w", err)
	}
	return nil
}

// reapLoop cancels calls that outlive pendingMaxAge so a wedged child
// cannot grow the pending map without bound.
func (c *rpcClient) reapLoop() {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-pendingMaxAge)
			c.mu.Lock()
			for id, call := range c.pending {
				if call.created.Before(cutoff) {
					delete(c.pending, id)
					call.ch <- rpcOutcome{err: fmt.Errorf("rpc call %d reaped after %s", id, pendingMaxAge)}
				}
			}
			c.mu.Unlock()
		}
	}
}

func (c *rpcClient) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, call := range c.pending {
		delete(c.pending, id)
		call.ch <- rpcOutcome{err: err}
	}
}

// Close stops the reaper and fails any in-flight calls.
func (c *rpcClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.failAll(fmt.Errorf("rpc client closed"))
}
