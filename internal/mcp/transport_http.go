package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// httpTransport talks to an MCP server exposed over streamable HTTP: JSON-RPC
// calls are POSTed to the server URL, and an SSE stream on the same endpoint
// carries server-initiated notifications and requests.
type httpTransport struct {
	cfg    *ServerConfig
	client *http.Client

	nextID atomic.Int64

	events   chan *JSONRPCNotification
	requests chan *JSONRPCRequest

	connected atomic.Bool
	cancelSSE context.CancelFunc
	closeOnce sync.Once
}

// NewHTTPTransport creates a Transport that speaks streamable HTTP MCP.
func NewHTTPTransport(cfg *ServerConfig) Transport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpTransport{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		events:   make(chan *JSONRPCNotification, 32),
		requests: make(chan *JSONRPCRequest, 32),
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	if err := t.cfg.Validate(); err != nil {
		return fmt.Errorf("mcp http config: %w", err)
	}
	sseCtx, cancel := context.WithCancel(context.Background())
	t.cancelSSE = cancel
	t.connected.Store(true)
	go t.streamEvents(sseCtx)
	return nil
}

func (t *httpTransport) streamEvents(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(dataLines) > 0 {
				t.dispatch([]byte(strings.Join(dataLines, "\n")))
				dataLines = nil
			}
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(after, " "))
		}
	}
}

func (t *httpTransport) dispatch(payload []byte) {
	var probe struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}
	if probe.Method != "" && probe.ID == nil {
		var notif JSONRPCNotification
		if json.Unmarshal(payload, &notif) == nil {
			select {
			case t.events <- &notif:
			default:
			}
		}
		return
	}
	if probe.Method != "" && probe.ID != nil {
		var request JSONRPCRequest
		if json.Unmarshal(payload, &request) == nil {
			select {
			case t.requests <- &request:
			default:
			}
		}
	}
}

func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	reqBody := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: mustRaw(params)}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp http call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("mcp http decode %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return rpcResp.Result, nil
}

func (t *httpTransport) Notify(ctx context.Context, method string, params any) error {
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: mustRaw(params)}
	data, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *httpTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: mustRaw(result), Error: rpcErr}
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	httpResp.Body.Close()
	return nil
}

func (t *httpTransport) Events() <-chan *JSONRPCNotification { return t.events }
func (t *httpTransport) Requests() <-chan *JSONRPCRequest    { return t.requests }
func (t *httpTransport) Connected() bool                     { return t.connected.Load() }

func (t *httpTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.cancelSSE != nil {
			t.cancelSSE()
		}
		t.connected.Store(false)
		close(t.events)
		close(t.requests)
	})
	return nil
}
