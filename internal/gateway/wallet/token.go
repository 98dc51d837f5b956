package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/gateway"
)

// tokenSource caches the client-credentials access token until shortly before
// it expires.
type tokenSource struct {
	mu           sync.Mutex
	baseURL      string
	clientID     string
	clientSecret string
	transport    *gateway.Transport
	now          func() time.Time

	token   string
	expires time.Time
}

const tokenRefreshMargin = time.Minute

func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.expires) {
		return ts.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(ts.clientID, ts.clientSecret)

	body, err := ts.transport.Do(req)
	if err != nil {
		return "", err
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		return "", &gateway.ProviderError{Provider: order.ProviderWallet, Message: "malformed token response", Err: gateway.ErrProviderUnavailable}
	}

	ts.token = resp.AccessToken
	ts.expires = ts.now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenRefreshMargin)
	return ts.token, nil
}

// invalidate drops the cached token after the provider reports it as expired.
func (ts *tokenSource) invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.mu.Unlock()
}
