package semcache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/dnscache"
)

// HTTPEmbedderConfig configures an embedding-endpoint client.
type HTTPEmbedderConfig struct {
	Endpoint   string // full URL, e.g. https://host/v1/embeddings
	Model      string
	APIKey     string
	AllowLocal bool // disable SSRF host-class rejection, for local dev endpoints
	Resolver   *dnscache.Resolver
	HTTPClient *http.Client
}

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint. Before
// each request it resolves the endpoint's host and rejects
// private/loopback/link-local/multicast addresses unless AllowLocal is set,
// closing the SSRF hole a caller-configured embedding endpoint would
// otherwise open.
type HTTPEmbedder struct {
	cfg HTTPEmbedderConfig
}

// NewHTTPEmbedder returns an HTTPEmbedder for cfg.
func NewHTTPEmbedder(cfg HTTPEmbedderConfig) (*HTTPEmbedder, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("semcache: invalid embedding endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("semcache: embedding endpoint must be http(s), got %q", u.Scheme)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPEmbedder{cfg: cfg}, nil
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkHostAllowed(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"input": text, "model": e.cfg.Model})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semcache: embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("semcache: embedding endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("semcache: decode embedding response: %w", err)
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("semcache: embedding response had no data")
	}
	return body.Data[0].Embedding, nil
}

// checkHostAllowed resolves the endpoint host and rejects private network
// ranges unless AllowLocal is set.
func (e *HTTPEmbedder) checkHostAllowed(ctx context.Context) error {
	if e.cfg.AllowLocal {
		return nil
	}

	u, err := url.Parse(e.cfg.Endpoint)
	if err != nil {
		return err
	}
	host := u.Hostname()

	var ips []string
	if e.cfg.Resolver != nil {
		ips, err = e.cfg.Resolver.LookupHost(ctx, host)
	} else {
		ips, err = net.DefaultResolver.LookupHost(ctx, host)
	}
	if err != nil {
		return fmt.Errorf("semcache: resolve embedding host %q: %w", host, err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
			return fmt.Errorf("semcache: embedding host %q resolves to disallowed address %s", host, ipStr)
		}
	}
	return nil
}
