package oauthmanager

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	gateway "github.com/gaud/gaud/internal"
)

// DeviceCodeConfig holds the static client configuration for an RFC 8628
// device authorization grant provider (Copilot).
type DeviceCodeConfig struct {
	Provider      string
	ClientID      string
	DeviceAuthURL string
	TokenURL      string
	Scopes        []string
}

type deviceCodeFlow struct {
	cfg    DeviceCodeConfig
	oauth2 *oauth2.Config
}

// NewDeviceCodeFlow returns a DeviceCodeFlow for cfg.
func NewDeviceCodeFlow(cfg DeviceCodeConfig) DeviceCodeFlow {
	return &deviceCodeFlow{
		cfg: cfg,
		oauth2: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{TokenURL: cfg.TokenURL, DeviceAuthURL: cfg.DeviceAuthURL},
			Scopes:   cfg.Scopes,
		},
	}
}

func (f *deviceCodeFlow) Provider() string { return f.cfg.Provider }

func (f *deviceCodeFlow) StartDeviceAuth(ctx context.Context) (DeviceAuth, error) {
	da, err := f.oauth2.DeviceAuth(ctx)
	if err != nil {
		return DeviceAuth{}, fmt.Errorf("%s: device auth request: %w", f.cfg.Provider, err)
	}
	return DeviceAuth{
		DeviceCode:      da.DeviceCode,
		UserCode:        da.UserCode,
		VerificationURI: da.VerificationURI,
		Interval:        secondsOrDefault(da.Interval),
		ExpiresAt:       da.Expiry,
	}, nil
}

// PollDeviceToken polls the token endpoint until the user authorizes the
// device, the code expires, or ctx is canceled. oauth2.Config.DeviceAccessToken
// implements the RFC 8628 section 3.5 polling loop itself, including
// authorization_pending and slow_down handling.
func (f *deviceCodeFlow) PollDeviceToken(ctx context.Context, auth DeviceAuth) (*gateway.Token, error) {
	da := &oauth2.DeviceAuthResponse{
		DeviceCode:      auth.DeviceCode,
		UserCode:        auth.UserCode,
		VerificationURI: auth.VerificationURI,
		Expiry:          auth.ExpiresAt,
		Interval:        int64(auth.Interval.Seconds()),
	}
	tok, err := f.oauth2.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("%s: device token poll: %w", f.cfg.Provider, err)
	}
	return toGatewayToken(f.cfg.Provider, tok), nil
}

func (f *deviceCodeFlow) Refresh(ctx context.Context, tok *gateway.Token) (*gateway.Token, error) {
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%s: no refresh token stored", f.cfg.Provider)
	}
	src := f.oauth2.TokenSource(ctx, &oauth2.Token{
		RefreshToken: tok.RefreshToken,
		Expiry:       negativeExpiry(),
	})
	refreshed, err := src.Token()
	if err != nil {
		return nil, err
	}
	out := toGatewayToken(f.cfg.Provider, refreshed)
	if out.RefreshToken == "" {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// secondsOrDefault converts an RFC 8628 polling interval to a Duration,
// falling back to the spec-recommended 5s when the server omits it.
func secondsOrDefault(seconds int64) time.Duration {
	if seconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// negativeExpiry backdates a seed token so oauth2's TokenSource treats it
// as invalid and refreshes unconditionally.
func negativeExpiry() time.Time {
	return time.Now().Add(-time.Hour)
}
