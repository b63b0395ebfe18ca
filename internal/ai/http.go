package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/autoflow/internal/prompts"
	"github.com/rendis/autoflow/pkg/schema"
)

// HTTPConfig configures an HTTPCompleter.
type HTTPConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPCompleter posts the rendered request as JSON to a completion gateway
// and decodes a Response from the reply. The gateway owns the
// provider-specific call and the token pricing.
type HTTPCompleter struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPCompleter creates an HTTPCompleter.
func NewHTTPCompleter(cfg HTTPConfig) *HTTPCompleter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPCompleter{cfg: cfg, client: client}
}

type completionRequest struct {
	Model            string                  `json:"model"`
	Prompt           string                  `json:"prompt"`
	System           string                  `json:"system"`
	User             string                  `json:"user,omitempty"`
	GenerationConfig schema.GenerationConfig `json:"generation_config"`
	Metadata         map[string]any          `json:"metadata,omitempty"`
}

// Complete implements Completer.
func (c *HTTPCompleter) Complete(ctx context.Context, req *prompts.Request) (*Response, error) {
	body, err := json.Marshal(completionRequest{
		Model:            req.Model,
		Prompt:           req.Text(),
		System:           req.System,
		User:             req.User,
		GenerationConfig: req.Config,
		Metadata:         map[string]any{"prompt_name": req.PromptName, "prompt_version": req.PromptVersion},
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal completion request").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "invalid completion URL").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "completion timed out after %s", c.cfg.Timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "completion request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read completion response").WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, schema.NewError(schema.ErrCodeRateLimited, "completion endpoint is rate limiting")
	case resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "completion endpoint returned %d", resp.StatusCode).
			WithDetails(map[string]any{"body": string(raw)})
	case resp.StatusCode >= 400:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "completion endpoint rejected request: %d", resp.StatusCode).
			WithDetails(map[string]any{"body": string(raw)})
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, fmt.Sprintf("decode completion response: %v", err)).WithCause(err)
	}
	if out.Usage.Total == 0 {
		out.Usage.Total = out.Usage.Input + out.Usage.Output
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return &out, nil
}
