// Package ai is the boundary to the model that answers AI_PROMPT steps.
// The engine only sees the Completer contract; the concrete model call is
// pluggable.
package ai

import (
	"context"

	"github.com/rendis/autoflow/internal/prompts"
	"github.com/rendis/autoflow/pkg/schema"
)

// Response is what a completion returns. Parsed is set when the model
// endpoint already decoded a structured answer.
type Response struct {
	Text   string            `json:"text"`
	Parsed any               `json:"parsed,omitempty"`
	Usage  schema.TokenUsage `json:"token_usage"`
	Cost   float64           `json:"cost"`
	Model  string            `json:"model,omitempty"`
}

// Completer sends a rendered prompt to a model.
type Completer interface {
	Complete(ctx context.Context, req *prompts.Request) (*Response, error)
}

// CompleterFunc adapts a function into a Completer.
type CompleterFunc func(ctx context.Context, req *prompts.Request) (*Response, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req *prompts.Request) (*Response, error) {
	return f(ctx, req)
}

// Unavailable is the Completer used when no model endpoint is configured.
// Every AI_PROMPT step fails with a configuration error.
var Unavailable Completer = CompleterFunc(func(_ context.Context, req *prompts.Request) (*Response, error) {
	return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
		"no completion endpoint configured for prompt %q", req.PromptName)
})
