// Package kiro implements the gateway.Provider adapter for AWS Kiro/
// CodeWhisperer-backed chat models. Kiro speaks an AWS binary event-stream
// wire format over HTTP, not JSON SSE; requests are signed either with a
// bearer token from the OAuth manager's proprietary-refresh flow (Desktop
// auth) or with AWS SigV4 (AWS SSO-OIDC auth) depending on how the caller
// wired the adapter's http.Client.
package kiro

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/gaud/gaud/internal"
	"github.com/gaud/gaud/internal/provider"
	"github.com/gaud/gaud/internal/tokencount"
)

const (
	defaultBaseURL = "https://codewhisperer.us-east-1.amazonaws.com"
	providerName   = "kiro"
	modelPrefix    = "kiro:"
)

var (
	_ gateway.Provider = (*Client)(nil)
)

// Client is a Kiro provider adapter that implements gateway.Provider.
type Client struct {
	baseURL    string
	profileArn string
	http       *http.Client
	counter    *tokencount.Counter
}

// New creates a Kiro Client. client carries whatever auth transport the
// caller wired (bearer via cloudauth.ManagerTransport, or SigV4 via
// cloudauth.AWSSigV4Transport). profileArn is forwarded on every request
// when the caller's Kiro account requires it (AWS SSO-OIDC auth).
func New(baseURL string, profileArn string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		profileArn: profileArn,
		http:       client,
		counter:    tokencount.NewCounter(),
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providerName }

// Type returns the wire format identifier.
func (c *Client) Type() string { return providerName }

// SupportsModel reports whether model carries the kiro: routing prefix.
func (c *Client) SupportsModel(model string) bool {
	return strings.HasPrefix(model, modelPrefix)
}

func stripPrefix(model string) string {
	return strings.TrimPrefix(model, modelPrefix)
}

func newConversationID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (c *Client) buildRequest(ctx context.Context, req *gateway.ChatRequest) (*http.Request, error) {
	outReq := *req
	outReq.Model = stripPrefix(req.Model)

	kReq := translateRequest(&outReq, newConversationID())
	kReq.ProfileArn = c.profileArn

	body, err := json.Marshal(kReq)
	if err != nil {
		return nil, fmt.Errorf("kiro: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/generateAssistantResponse", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kiro: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-amz-json-1.1")
	httpReq.Header.Set("X-Amz-Target", "AmazonCodeWhispererService.GenerateAssistantResponse")
	return httpReq, nil
}

// ChatCompletion sends a non-streaming chat completion request by draining
// the event stream internally and assembling a single ChatResponse.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("kiro: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	id := "kiro-" + newConversationID()
	ch := make(chan gateway.StreamChunk, 8)
	go readEventStream(ctx, id, req.Model, c.counter, resp.Body, ch)

	var text strings.Builder
	var toolCalls []json.RawMessage
	var usage *gateway.Usage
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Done {
			continue
		}
		delta := gjson.GetBytes(chunk.Data, "choices.0.delta")
		if content := delta.Get("content"); content.Exists() && content.Type == gjson.String {
			text.WriteString(content.String())
		}
		if tc := delta.Get("tool_calls"); tc.Exists() {
			toolCalls = append(toolCalls, json.RawMessage(tc.Raw))
		}
	}

	msg := gateway.Message{Role: "assistant", Content: mustMarshal(text.String())}
	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}

	return &gateway.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   usage,
	}, nil
}

// ChatCompletionStream sends a streaming chat completion request.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("kiro: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	id := "kiro-" + newConversationID()
	ch := make(chan gateway.StreamChunk, 8)
	go readEventStream(ctx, id, req.Model, c.counter, resp.Body, ch)
	return ch, nil
}

// Embeddings is not exposed by the Kiro chat API.
func (c *Client) Embeddings(_ context.Context, _ *gateway.EmbeddingRequest) (*gateway.EmbeddingResponse, error) {
	return nil, fmt.Errorf("kiro: embeddings not supported")
}

// ListModels returns the fixed set of Kiro-routed model ids; Kiro has no
// model-listing endpoint, so this mirrors the router's configured targets.
func (c *Client) ListModels(_ context.Context) ([]string, error) {
	return []string{modelPrefix + "claude-sonnet-4", modelPrefix + "claude-haiku-4"}, nil
}

// HealthCheck sends a minimal request to verify connectivity and auth.
func (c *Client) HealthCheck(ctx context.Context) error {
	req := &gateway.ChatRequest{
		Model:    modelPrefix + "claude-haiku-4",
		Messages: []gateway.Message{{Role: "user", Content: mustMarshal("ping")}},
	}
	_, err := c.ChatCompletion(ctx, req)
	return err
}

func mustMarshal(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
