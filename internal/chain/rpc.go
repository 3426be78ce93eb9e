package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	HandshakeTimeout = 10 * time.Second
	WriteTimeout     = 10 * time.Second
)

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chain: rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	conn  *websocket.Conn
	reply chan callResult
}

// RPCClient is a JSON-RPC 2.0 client over one WebSocket connection.
// Concurrent calls share the connection and are matched to their responses
// by request id. A dropped connection fails every pending call and is
// redialed on the next call.
type RPCClient struct {
	url    string
	dialer websocket.Dialer
	nextID atomic.Uint64

	connMu  sync.Mutex // guards conn and serializes writes
	conn    *websocket.Conn
	pending map[uint64]pendingCall
}

// NewRPCClient creates a client for the node at url. The connection is
// opened lazily on the first call.
func NewRPCClient(url string) *RPCClient {
	return &RPCClient{
		url:     url,
		dialer:  websocket.Dialer{HandshakeTimeout: HandshakeTimeout},
		pending: make(map[uint64]pendingCall),
	}
}

// Dial creates a client and opens its connection immediately.
func Dial(ctx context.Context, url string) (*RPCClient, error) {
	c := NewRPCClient(url)
	c.connMu.Lock()
	_, err := c.connectLocked(ctx)
	c.connMu.Unlock()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Call invokes method with params and decodes the result into result,
// which may be nil to discard it.
func (c *RPCClient) Call(ctx context.Context, method string, result any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	id := c.nextID.Add(1)
	reply := make(chan callResult, 1)

	c.connMu.Lock()
	conn, err := c.connectLocked(ctx)
	if err != nil {
		c.connMu.Unlock()
		return err
	}
	c.pending[id] = pendingCall{conn: conn, reply: reply}
	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	err = conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(c.pending, id)
		c.connMu.Unlock()
		return fmt.Errorf("chain: write %s: %w", method, err)
	}
	c.connMu.Unlock()

	select {
	case <-ctx.Done():
		c.connMu.Lock()
		delete(c.pending, id)
		c.connMu.Unlock()
		return ctx.Err()
	case res := <-reply:
		if res.err != nil {
			return res.err
		}
		if result == nil || len(res.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(res.result, result); err != nil {
			return fmt.Errorf("chain: decode %s result: %w", method, err)
		}
		return nil
	}
}

// Close closes the connection and fails pending calls.
func (c *RPCClient) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *RPCClient) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("chain: dial %s failed with status %d: %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("chain: dial %s: %w", c.url, err)
	}
	c.conn = conn
	slog.Info("chain rpc connected", "endpoint", c.url)
	go c.readLoop(conn)
	return conn, nil
}

func (c *RPCClient) readLoop(conn *websocket.Conn) {
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("chain rpc: undecodable message", "err", err)
			continue
		}
		if resp.ID == 0 {
			// Subscription notifications carry no id.
			continue
		}
		c.connMu.Lock()
		call, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.connMu.Unlock()
		if !ok {
			continue
		}
		if resp.Error != nil {
			call.reply <- callResult{err: resp.Error}
		} else {
			call.reply <- callResult{result: resp.Result}
		}
	}

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	var orphaned []chan callResult
	for id, call := range c.pending {
		if call.conn == conn {
			orphaned = append(orphaned, call.reply)
			delete(c.pending, id)
		}
	}
	c.connMu.Unlock()

	conn.Close()
	if len(orphaned) > 0 {
		slog.Warn("chain rpc connection dropped", "endpoint", c.url, "pending", len(orphaned), "err", readErr)
	}
	for _, reply := range orphaned {
		reply <- callResult{err: fmt.Errorf("%w: %v", ErrClosed, readErr)}
	}
}
