package mcptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/langdb/gateway/gwmodel"
)

// wsTransport issues JSON-RPC requests over a single long-lived WebSocket
// connection, matching responses to requests by id. A background reader
// goroutine demultiplexes frames to waiting callers.
type wsTransport struct {
	conn *websocket.Conn
	id   int64

	mu      sync.Mutex
	waiters map[int64]chan rpcResponse
	readErr error
	closed  chan struct{}
}

func newWSTransport(ctx context.Context, def gwmodel.MCPServerDef) (*wsTransport, error) {
	if def.URL == "" {
		return nil, errors.New("mcptransport: server URL is required")
	}
	header := make(map[string][]string, len(def.Headers))
	for k, v := range def.Headers {
		header[k] = []string{v}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, def.URL, header)
	if err != nil {
		return nil, fmt.Errorf("mcptransport: websocket dial: %w", err)
	}
	t := &wsTransport{
		conn:    conn,
		waiters: make(map[int64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) readLoop() {
	defer close(t.closed)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			for id, ch := range t.waiters {
				close(ch)
				delete(t.waiters, id)
			}
			t.mu.Unlock()
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		t.mu.Lock()
		ch, ok := t.waiters[resp.ID]
		if ok {
			delete(t.waiters, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

func (t *wsTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reqID := atomic.AddInt64(&t.id, 1)
	ch := make(chan rpcResponse, 1)

	t.mu.Lock()
	if t.readErr != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("mcptransport: websocket closed: %w", t.readErr)
	}
	t.waiters[reqID] = ch
	t.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return nil, fmt.Errorf("mcptransport: websocket write: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.New("mcptransport: websocket closed before response")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.waiters, reqID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.closed:
		return nil, errors.New("mcptransport: websocket closed before response")
	}
}

func (t *wsTransport) close() error {
	return t.conn.Close()
}
