// Package gateway defines domain types and interfaces for the Gaud LLM gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/crypto/argon2"
)

// --- Provider ---

// Provider is the interface that all LLM provider adapters must implement.
type Provider interface {
	// Name returns the instance identifier configured for this adapter
	// (e.g. a specific deployment name); several instances may share a Type.
	Name() string
	// Type returns the wire-format identifier (e.g. "claude", "gemini",
	// "copilot", "kiro", "litellm"), used for native-passthrough routing.
	Type() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	// Embeddings generates embeddings for input text.
	Embeddings(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
	// ListModels returns the list of available model IDs.
	ListModels(ctx context.Context) ([]string, error)
	// HealthCheck verifies connectivity to the provider.
	HealthCheck(ctx context.Context) error
	// SupportsModel reports whether this adapter can serve the given model id.
	// Used by the router to build a candidate list for models that don't match
	// any known prefix convention.
	SupportsModel(model string) bool
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data line, forwarded as-is when possible
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// EmbeddingRequest represents an OpenAI-compatible embedding request.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	User           string          `json:"user,omitempty"`
}

// EmbeddingResponse represents an OpenAI-compatible embedding response.
type EmbeddingResponse struct {
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
	Model  string          `json:"model"`
	Usage  *Usage          `json:"usage,omitempty"`
}

// --- Multi-tenant identity ---

// Organization represents a top-level tenant.
type Organization struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	AllowedModels []string `json:"allowed_models,omitempty"` // nil = all models
	RPMLimit      *int64   `json:"rpm_limit,omitempty"`
	TPMLimit      *int64   `json:"tpm_limit,omitempty"`
	MaxBudget     *float64 `json:"max_budget,omitempty"` // USD
	CreatedAt     time.Time `json:"created_at"`
}

// Team is a subdivision within an organization.
type Team struct {
	ID            string   `json:"id"`
	OrgID         string   `json:"org_id"`
	Name          string   `json:"name"`
	AllowedModels []string `json:"allowed_models,omitempty"` // nil = inherit from org
	RPMLimit      *int64   `json:"rpm_limit,omitempty"`
	TPMLimit      *int64   `json:"tpm_limit,omitempty"`
	MaxBudget     *float64 `json:"max_budget,omitempty"`
}

// APIKey represents an API key for authentication.
type APIKey struct {
	ID            string     `json:"id"`
	KeyHash       string     `json:"-"`                        // Argon2id hex (see HashKey), never exposed
	KeyPrefix     string     `json:"key_prefix"`               // first 10 chars plus "…", for display
	UserID        string     `json:"user_id,omitempty"`
	TeamID        string     `json:"team_id,omitempty"`
	OrgID         string     `json:"org_id"`
	AllowedModels []string   `json:"allowed_models,omitempty"` // nil = inherit from team
	RPMLimit      *int64     `json:"rpm_limit,omitempty"`
	TPMLimit      *int64     `json:"tpm_limit,omitempty"`
	MaxBudget     *float64   `json:"max_budget,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Blocked       bool       `json:"blocked"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Identity is the authenticated caller context attached to request context.
// Populated by either JWT or API key auth.
type Identity struct {
	Subject    string     `json:"subject"`     // JWT sub or key prefix
	KeyID      string     `json:"key_id"`      // API key ID for per-key bucketing
	UserID     string     `json:"user_id"`
	TeamID     string     `json:"team_id"`
	OrgID      string     `json:"org_id"`
	Role       string     `json:"role"`        // "admin", "member", "viewer", "service_account"
	Perms      Permission `json:"-"`           // resolved bitmask
	AuthMethod string     `json:"auth_method"` // "jwt" or "apikey"
	RPMLimit   int64      `json:"-"`           // effective RPM limit (0 = unlimited)
	TPMLimit   int64      `json:"-"`           // effective TPM limit (0 = unlimited)
	MaxBudget  float64    `json:"-"`           // max spend USD (0 = unlimited)
	AllowedModels []string `json:"-"`          // nil = all models allowed
}

// IsModelAllowed reports whether the identity may call the given model.
// A nil or empty AllowedModels list means no restriction.
func (id *Identity) IsModelAllowed(model string) bool {
	if id == nil || len(id.AllowedModels) == 0 {
		return true
	}
	for _, m := range id.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// --- RBAC ---

// Permission is a bitmask representing authorization capabilities.
type Permission uint32

const (
	PermUseModels       Permission = 1 << iota // call /v1/chat/completions, /v1/embeddings
	PermManageOwnKeys                          // create/delete own API keys
	PermViewOwnUsage                           // view own usage stats
	PermViewAllUsage                           // view org-wide usage
	PermManageAllKeys                          // manage any key in the org
	PermManageProviders                        // configure upstream providers
	PermManageRoutes                           // configure model routing
	PermManageOrgs                             // manage orgs and teams
)

// Can reports whether the identity has the given permission.
func (id *Identity) Can(p Permission) bool { return id.Perms&p == p }

// RolePermissions maps role names to their permission bitmasks.
var RolePermissions = map[string]Permission{
	"admin":           PermUseModels | PermManageOwnKeys | PermViewOwnUsage | PermViewAllUsage | PermManageAllKeys | PermManageProviders | PermManageRoutes | PermManageOrgs,
	"member":          PermUseModels | PermManageOwnKeys | PermViewOwnUsage,
	"viewer":          PermViewOwnUsage | PermViewAllUsage,
	"service_account": PermUseModels,
}

// --- Provider config (stored in DB) ---

// ProviderConfig represents a configured upstream LLM provider.
type ProviderConfig struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	BaseURL   string   `json:"base_url"`
	APIKeyEnc string   `json:"-"`           // deprecated: no longer persisted, kept for schema compat
	Models    []string `json:"models"`
	Priority  int      `json:"priority"`
	Weight    int      `json:"weight"`
	Enabled   bool     `json:"enabled"`
	MaxRPS    int      `json:"max_rps"`
	TimeoutMs int      `json:"timeout_ms"`
}

// Route maps a model alias to provider targets.
type Route struct {
	ID         string          `json:"id"`
	ModelAlias string          `json:"model_alias"`
	Targets    json.RawMessage `json:"targets"` // []RouteTarget as JSON
	Strategy   string          `json:"strategy"`
	CacheTTLs  int             `json:"cache_ttl_s"`
}

// RouteTarget is a single target within a route.
type RouteTarget struct {
	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`
	Priority   int    `json:"priority"`
	Weight     int    `json:"weight"`
}

// UsageRecord represents a single API usage event.
type UsageRecord struct {
	ID               string    `json:"id"`
	KeyID            string    `json:"key_id"`
	UserID           string    `json:"user_id,omitempty"`
	TeamID           string    `json:"team_id,omitempty"`
	OrgID            string    `json:"org_id"`
	CallerJWTSub     string    `json:"caller_jwt_sub,omitempty"`
	CallerService    string    `json:"caller_service,omitempty"`
	Model            string    `json:"model"`
	ProviderID       string    `json:"provider_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd,omitempty"`
	Cached           bool      `json:"cached"`
	LatencyMs        int       `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	RequestID        string    `json:"request_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageFilter narrows a UsageRecord query. Since/Until are RFC 3339
// timestamps; empty means unbounded. Limit of 0 means the store's default.
type UsageFilter struct {
	OrgID  string
	KeyID  string
	Model  string
	Since  string
	Until  string
	Offset int
	Limit  int
}

// UsageRollup is a pre-aggregated usage bucket for a (org, key, model,
// period, bucket) tuple, maintained by the rollup worker from raw
// UsageRecords.
type UsageRollup struct {
	OrgID            string  `json:"org_id"`
	KeyID            string  `json:"key_id"`
	Model            string  `json:"model"`
	Period           string  `json:"period"` // e.g. "hourly"
	Bucket           string  `json:"bucket"` // RFC 3339 bucket start
	RequestCount     int     `json:"request_count"`
	CachedCount      int     `json:"cached_count"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// RollupFilter narrows a UsageRollup query.
type RollupFilter struct {
	OrgID  string
	KeyID  string
	Model  string
	Period string
	Since  string
	Until  string
}

// --- OAuth token store ---

// Token is an OAuth access/refresh token pair for a single provider.
// RefreshToken may be a composite opaque string (segments separated by '|')
// for providers that bundle extra material (e.g. a managed-account project id)
// alongside the refresh token itself; token store backends never interpret it.
type Token struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Expired reports whether the token is within threshold of expiring.
func (t *Token) Expired(threshold time.Duration) bool {
	if t == nil {
		return true
	}
	return !time.Now().UTC().Add(threshold).Before(t.ExpiresAt.UTC())
}

// --- Budget ---

// Budget tracks a user's monthly and daily spend against configured limits.
// A nil limit means unlimited for that period.
type Budget struct {
	UserID           string     `json:"user_id"`
	MonthlyLimit     *float64   `json:"monthly_limit,omitempty"`
	DailyLimit       *float64   `json:"daily_limit,omitempty"`
	MonthlySpend     float64    `json:"monthly_spend"`
	DailySpend       float64    `json:"daily_spend"`
	LastMonthlyReset time.Time  `json:"last_monthly_reset"`
	LastDailyReset   time.Time  `json:"last_daily_reset"`
}

// --- Provider health (circuit breaker state, read-only snapshot) ---

// ProviderHealth is a point-in-time snapshot of a provider's breaker state,
// exposed through the /health endpoint.
type ProviderHealth struct {
	Provider     string  `json:"provider"`
	Healthy      bool    `json:"healthy"`
	Models       int     `json:"models"`
	LatencyMs    int64   `json:"latency_ms"`
}

// --- Semantic cache ---

// CacheEntry is a stored request/response pair in the two-tier response cache.
type CacheEntry struct {
	ExactHash           string    `json:"exact_hash"`
	Model               string    `json:"model"`
	SystemPromptHash    string    `json:"system_prompt_hash,omitempty"`
	ToolDefinitionsHash string    `json:"tool_definitions_hash,omitempty"`
	SemanticText        string    `json:"-"`
	Embedding           []float32 `json:"-"`
	RequestJSON         []byte    `json:"-"`
	ResponseJSON        []byte    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
	HitCount            int64     `json:"hit_count"`
	LastHit             time.Time `json:"last_hit"`
	HashVersion         string    `json:"hash_version"`
}

// --- Provider error taxonomy ---

// ProviderError is the classified error surfaced by a provider adapter.
// Kind determines retry/fallback eligibility in the router (see app.Router).
type ProviderError struct {
	Kind       ProviderErrorKind
	Message    string
	RetryAfter time.Duration // set for RateLimit
	Timeout    time.Duration // set for Timeout
	Errors     []error       // set for AllFailed
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// ProviderErrorKind classifies a ProviderError for routing decisions.
type ProviderErrorKind int

const (
	ErrKindAuthentication ProviderErrorKind = iota
	ErrKindRateLimit
	ErrKindInvalidRequest
	ErrKindTimeout
	ErrKindServerError
	ErrKindResponseParsing
	ErrKindAllFailed
)

// Retryable reports whether the router should try the next candidate rather
// than surface the error to the client immediately. Authentication errors are
// retried exactly once (after a forced token refresh) by the caller, not here.
func (k ProviderErrorKind) Retryable() bool {
	switch k {
	case ErrKindRateLimit, ErrKindTimeout, ErrKindServerError:
		return true
	default:
		return false
	}
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Native passthrough ---

// NativeProxy is an optional interface that providers can implement to support
// raw HTTP passthrough. The gateway authenticates and routes the request, then
// delegates the raw HTTP exchange to the provider. Checked via type assertion.
type NativeProxy interface {
	// ProxyRequest forwards a raw HTTP request to the provider's API.
	// path is the provider-relative path (e.g. "/messages").
	// The implementation handles auth headers, URL construction, and
	// response streaming (flush-on-read for SSE/NDJSON).
	ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, path string) error
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Gaud API keys.
const APIKeyPrefix = "gnd_"

// argon2Salt is fixed: the input to Argon2id is already a 32-byte SHA-256
// digest of high-entropy random key material, so a per-key random salt buys
// no additional protection against precomputation and would require storing
// it alongside the hash. A fixed salt keeps the hash column a single opaque
// string, matching the teacher's storage shape.
var argon2Salt = []byte("gaud-apikey-v1")

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// HashKey returns the Argon2id hash (hex-encoded) of the SHA-256 digest of a
// raw API key. Hashing the SHA-256 digest rather than the raw key bounds the
// Argon2id input to a fixed 32 bytes regardless of key length.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	digest := argon2.IDKey(sum[:], argon2Salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return hex.EncodeToString(digest)
}

// VerifyKey reports whether raw hashes to the given stored Argon2id hash,
// using a constant-time comparison to avoid timing side channels.
func VerifyKey(raw, storedHash string) bool {
	computed := HashKey(raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
