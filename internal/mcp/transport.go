package mcp

import (
	"context"
	"encoding/json"
)

// Transport moves JSON-RPC frames between the client and an MCP server
// process, independent of whether the server is reached over stdio or HTTP.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Events() <-chan *JSONRPCNotification
	Requests() <-chan *JSONRPCRequest
	Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error
	Connected() bool
}

// NewTransport builds the transport implied by a server's configured
// transport type.
func NewTransport(cfg *ServerConfig) Transport {
	if cfg.Transport == TransportSSE || cfg.Transport == TransportHTTP {
		return NewHTTPTransport(cfg)
	}
	return NewStdioTransport(cfg)
}
