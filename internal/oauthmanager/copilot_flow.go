package oauthmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gateway "github.com/gaud/gaud/internal"
)

const (
	githubDeviceCodeURL = "https://github.com/login/device/code"
	githubTokenURL      = "https://github.com/login/oauth/access_token"
	copilotScope        = "read:user"
)

var _ DeviceCodeFlow = (*CopilotFlow)(nil)

// CopilotFlow implements DeviceCodeFlow for GitHub Copilot. A device-code
// login yields a long-lived GitHub OAuth token; Copilot has no refresh
// grant, so Refresh re-validates the stored token rather than exchanging it
// (a 401 from the upstream API means the user must re-authenticate).
type CopilotFlow struct {
	ClientID string
	http     *http.Client
}

// NewCopilotFlow returns a CopilotFlow for the given GitHub OAuth app client id.
func NewCopilotFlow(clientID string) *CopilotFlow {
	return &CopilotFlow{ClientID: clientID, http: &http.Client{Timeout: 30 * time.Second}}
}

// Provider returns "copilot".
func (f *CopilotFlow) Provider() string { return "copilot" }

// StartDeviceAuth requests a device code from GitHub.
func (f *CopilotFlow) StartDeviceAuth(ctx context.Context) (DeviceAuth, error) {
	form := url.Values{"client_id": {f.ClientID}, "scope": {copilotScope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, githubDeviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return DeviceAuth{}, fmt.Errorf("copilot: device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return DeviceAuth{}, fmt.Errorf("copilot: device code request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DeviceAuth{}, fmt.Errorf("copilot: decode device code response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || out.DeviceCode == "" {
		return DeviceAuth{}, fmt.Errorf("copilot: device code request failed: HTTP %d", resp.StatusCode)
	}

	interval := time.Duration(out.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return DeviceAuth{
		DeviceCode:      out.DeviceCode,
		UserCode:        out.UserCode,
		VerificationURI: out.VerificationURI,
		Interval:        interval,
		ExpiresAt:       time.Now().Add(time.Duration(out.ExpiresIn) * time.Second),
	}, nil
}

// PollDeviceToken polls GitHub's token endpoint at auth.Interval until the
// user authorizes the device, the code expires, or ctx is canceled.
func (f *CopilotFlow) PollDeviceToken(ctx context.Context, auth DeviceAuth) (*gateway.Token, error) {
	ticker := time.NewTicker(auth.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if time.Now().After(auth.ExpiresAt) {
				return nil, fmt.Errorf("copilot: device code expired")
			}
			tok, pending, err := f.pollOnce(ctx, auth.DeviceCode)
			if err != nil {
				return nil, err
			}
			if pending {
				continue
			}
			return tok, nil
		}
	}
}

func (f *CopilotFlow) pollOnce(ctx context.Context, deviceCode string) (tok *gateway.Token, pending bool, err error) {
	form := url.Values{
		"client_id":   {f.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, githubTokenURL, strings.NewReader(form.Encode()))
	if reqErr != nil {
		return nil, false, fmt.Errorf("copilot: poll request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, doErr := f.http.Do(req)
	if doErr != nil {
		return nil, false, fmt.Errorf("copilot: poll request: %w", doErr)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		Interval    int    `json:"interval"`
	}
	if decErr := json.NewDecoder(resp.Body).Decode(&out); decErr != nil {
		return nil, false, fmt.Errorf("copilot: decode poll response: %w", decErr)
	}

	switch out.Error {
	case "":
		if out.AccessToken == "" {
			return nil, true, nil
		}
		// GitHub's device-flow PAT-equivalent tokens don't expire on a fixed
		// schedule; treat as long-lived and re-validate via ForceRefresh on 401.
		return &gateway.Token{
			Provider:    "copilot",
			AccessToken: out.AccessToken,
			ExpiresAt:   time.Now().Add(copilotTokenLifetime),
			Scopes:      []string{copilotScope},
		}, false, nil
	case "authorization_pending":
		return nil, true, nil
	case "slow_down":
		return nil, true, nil
	case "expired_token":
		return nil, false, fmt.Errorf("copilot: device code expired")
	default:
		return nil, false, fmt.Errorf("copilot: device flow error: %s", out.Error)
	}
}

// copilotTokenLifetime is the assumed validity window for a device-flow
// token before GetAccessToken proactively "refreshes" (re-validates) it.
const copilotTokenLifetime = 8 * time.Hour

// Refresh re-validates the stored token against GitHub's user endpoint.
// Copilot device-flow tokens have no refresh grant; a failure here means
// the caller must restart StartDeviceAuth.
func (f *CopilotFlow) Refresh(ctx context.Context, tok *gateway.Token) (*gateway.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return nil, fmt.Errorf("copilot: validate token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("copilot: validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("copilot: token no longer valid, re-run device auth: HTTP %d", resp.StatusCode)
	}

	renewed := *tok
	renewed.ExpiresAt = time.Now().Add(copilotTokenLifetime)
	return &renewed, nil
}
