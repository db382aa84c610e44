package mcptransport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/langdb/gateway/gwmodel"
)

// httpStreamTransport issues one JSON-RPC request per call over plain HTTP
// POST, optionally reading the response body as a single SSE "response"
// event (sse=true) instead of a bare JSON body (sse=false).
type httpStreamTransport struct {
	client   *http.Client
	endpoint string
	headers  map[string]string
	sse      bool
	id       int64
}

func newHTTPStreamTransport(ctx context.Context, def gwmodel.MCPServerDef, sse bool) (*httpStreamTransport, error) {
	if def.URL == "" {
		return nil, errors.New("mcptransport: server URL is required")
	}
	return &httpStreamTransport{
		client: &http.Client{
			// TLS certificates of MCP endpoints are always verified; there is
			// no option to accept invalid certificates.
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: false}},
		},
		endpoint: def.URL,
		headers:  def.Headers,
		sse:      sse,
	}, nil
}

func (t *httpStreamTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reqID := atomic.AddInt64(&t.id, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: reqID, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.sse {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcptransport: %s request: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mcptransport: %s status %d: %s", method, resp.StatusCode, string(raw))
	}

	if t.sse {
		return readSSEResponse(resp.Body)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcptransport: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (t *httpStreamTransport) close() error { return nil }

// readSSEResponse scans an SSE body for the terminal "response" or "error"
// event, ignoring intervening notifications and comments.
func readSSEResponse(body io.Reader) (json.RawMessage, error) {
	reader := bufio.NewReader(body)
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("mcptransport: sse stream closed before response")
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			switch event {
			case "response", "error", "":
				var rpcResp rpcResponse
				if err := json.Unmarshal(data, &rpcResp); err != nil {
					return nil, fmt.Errorf("mcptransport: decode sse event: %w", err)
				}
				if rpcResp.Error != nil {
					return nil, rpcResp.Error
				}
				if rpcResp.Result != nil {
					return rpcResp.Result, nil
				}
			}
			event, data = "", nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(after, " ")...)
		}
	}
}

// DialTimeout is the default per-call MCP round-trip timeout.
const DialTimeout = 10 * time.Second
