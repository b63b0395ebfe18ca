package actions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// WebhookConfig configures the webhook.post action.
type WebhookConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
	// Secrets resolves the "secret_ref" param. Nil disables secret_ref.
	Secrets SecretResolver
}

// SecretResolver returns the plaintext of a named secret.
type SecretResolver interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
}

const (
	defaultMaxResponseBody = 1024 * 1024
	defaultWebhookTimeout  = 30 * time.Second

	// SignatureHeader carries "sha256=<hex hmac of the body>" when a secret
	// is configured on the step.
	SignatureHeader = "X-Autoflow-Signature"
	// IdempotencyHeader carries Meta.IdempotencyKey.
	IdempotencyHeader = "Idempotency-Key"
)

// WebhookAction implements "webhook.post": it POSTs a JSON body to a URL.
// This is how workflows hand side effects (messages, record updates) to the
// surrounding application.
type WebhookAction struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookAction creates a webhook.post action with the given config.
func NewWebhookAction(cfg WebhookConfig) *WebhookAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebhookTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookAction{config: cfg, client: client}
}

func (a *WebhookAction) Name() string { return "webhook.post" }

func (a *WebhookAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "POST a JSON body to an HTTP endpoint",
		InputSchema:  json.RawMessage(webhookInputSchema),
		OutputSchema: json.RawMessage(webhookOutputSchema),
	}
}

func (a *WebhookAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook.post: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook.post: invalid url %q", rawURL)
	}
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if _, err := time.ParseDuration(ts); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "webhook.post: invalid timeout %q", ts)
		}
	}
	if stringParam(params, "secret", "") != "" && stringParam(params, "secret_ref", "") != "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook.post: 'secret' and 'secret_ref' are mutually exclusive")
	}
	return nil
}

func (a *WebhookAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	rawURL := stringParam(params, "url", "")
	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		timeout, _ = time.ParseDuration(ts)
	}

	body, err := json.Marshal(params["body"])
	if err != nil {
		return nil, executionError(a.Name(), "marshal body", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, executionError(a.Name(), "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if input.Meta.ExecutionID != "" {
		req.Header.Set(IdempotencyHeader, input.Meta.IdempotencyKey())
	}
	if hdrs, ok := mapParam(params, "headers"); ok {
		for k, v := range hdrs {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	secret, err := a.signingSecret(ctx, params)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(secret, body))
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "webhook.post: no response within %s", timeout).WithCause(err)
		}
		return nil, executionError(a.Name(), "request failed", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, executionError(a.Name(), "read response body", err)
	}

	var parsedBody any
	if len(respBytes) > 0 {
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			if err := json.Unmarshal(respBytes, &parsedBody); err != nil {
				parsedBody = string(respBytes)
			}
		} else {
			parsedBody = string(respBytes)
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsedBody,
		"duration_ms": durationMs,
	}

	if resp.StatusCode >= 400 {
		// 5xx and 429 are worth retrying, other client errors are not.
		code := schema.ErrCodeValidation
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "webhook.post: %s returned %d", rawURL, resp.StatusCode).
			WithDetails(result)
	}

	return marshalOutput(a.Name(), result)
}

func (a *WebhookAction) signingSecret(ctx context.Context, params map[string]any) (string, error) {
	ref := stringParam(params, "secret_ref", "")
	if ref == "" {
		return stringParam(params, "secret", ""), nil
	}
	if a.config.Secrets == nil {
		return "", schema.NewErrorf(schema.ErrCodeConfiguration,
			"webhook.post: secret_ref %q used but no secrets vault is configured", ref)
	}
	b, err := a.config.Secrets.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

const webhookInputSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string"},
    "body": {},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "secret": {"type": "string"},
    "secret_ref": {"type": "string"},
    "timeout": {"type": "string"}
  }
}`

const webhookOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "body": {},
    "duration_ms": {"type": "integer"}
  }
}`
