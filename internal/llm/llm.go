// Package llm wraps structured-output chat model invocation for the decide
// and evaluate steps of the research loop.
//
// Every response is treated as an untrusted payload: the invoker returns raw
// JSON and the caller validates it against its own expectations. A response
// that fails validation is handled identically to a failed call.
package llm

import (
	"context"
	"encoding/json"

	"google.golang.org/genai"
)

// Request is one structured-output invocation.
type Request struct {
	// System frames the model's role for this call.
	System string
	// Prompt is the user-turn content.
	Prompt string
	// Schema constrains the response shape. Required.
	Schema *genai.Schema
}

// Invoker issues a single structured chat-model call and returns the raw
// JSON payload. Implementations must honor ctx cancellation.
// Constructed implementations are injected into the research service so
// tests can substitute deterministic fakes.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (json.RawMessage, error)
}
