package cloudauth

import (
	"context"
	"fmt"
	"net/http"
)

// TokenManager is the subset of oauthmanager.Manager a transport needs.
// Declared locally so cloudauth doesn't need to import oauthmanager.
type TokenManager interface {
	GetAccessToken(ctx context.Context, provider string) (string, error)
	ForceRefresh(ctx context.Context, provider string) (string, error)
}

// ManagerTransport is an http.RoundTripper that sources its bearer token
// from an oauthmanager.Manager instead of a static key or ADC, generalizing
// GCPOAuthTransport's "inject a bearer header" shape to providers whose
// tokens are refreshed out-of-band (device-code, PKCE, proprietary refresh).
// On a 401/403 response it forces one refresh and retries the request once.
type ManagerTransport struct {
	Manager  TokenManager
	Provider string
	Base     http.RoundTripper
}

// RoundTrip injects the current access token and retries once on auth failure.
func (t *ManagerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.Manager.GetAccessToken(r.Context(), t.Provider)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: get access token for %s: %w", t.Provider, err)
	}

	resp, err := t.doWithToken(r, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}
	resp.Body.Close()

	refreshed, err := t.Manager.ForceRefresh(r.Context(), t.Provider)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: force refresh for %s: %w", t.Provider, err)
	}
	return t.doWithToken(r, refreshed)
}

func (t *ManagerTransport) doWithToken(r *http.Request, tok string) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok)
	return t.base().RoundTrip(r2)
}

func (t *ManagerTransport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}
