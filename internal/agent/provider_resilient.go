package agent

import (
	"context"

	"github.com/loopgateway/loopgw/internal/infra"
)

// ResilientProvider decorates an LLMProvider with the gateway's retry and
// circuit-breaker wrapper. The breaker is keyed llm:<provider-name>, so an
// open Anthropic circuit does not block a fallback provider.
//
// Only the Complete call itself (request dispatch and stream start) runs
// under the wrapper; a failure after the stream has begun yielding chunks
// is surfaced in-band and not re-dispatched, since the partial response
// may already have been acted on.
type ResilientProvider struct {
	inner LLMProvider
	exec  *infra.Resilience
	label string
}

// NewResilientProvider wraps provider with exec.
func NewResilientProvider(provider LLMProvider, exec *infra.Resilience) *ResilientProvider {
	return &ResilientProvider{
		inner: provider,
		exec:  exec,
		label: "llm:" + provider.Name(),
	}
}

// Name identifies the underlying provider.
func (p *ResilientProvider) Name() string { return p.inner.Name() }

// Complete dispatches the request under retry+breaker protection. While
// the llm:<name> circuit is open this fails fast with
// infra.ErrCircuitOpen without touching the provider.
func (p *ResilientProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan CompletionChunk, error) {
	return infra.Execute(ctx, p.exec, p.label, func(ctx context.Context) (<-chan CompletionChunk, error) {
		return p.inner.Complete(ctx, req)
	})
}

// Breaker exposes the provider's breaker for observability.
func (p *ResilientProvider) Breaker() *infra.CircuitBreaker { return p.exec.Breaker(p.label) }
