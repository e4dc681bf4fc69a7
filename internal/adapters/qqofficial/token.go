package qqofficial

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const defaultTokenURL = "https://bots.qq.com/app/getAppAccessToken"

// refreshMargin is how long before expiry a cached token is considered stale.
const refreshMargin = 60 * time.Second

// tokenSource fetches and caches the app access token. The open platform
// returns expires_in as a decimal string.
type tokenSource struct {
	appID  string
	secret string
	url    string
	client *http.Client
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenSource(appID, secret, url string, client *http.Client) *tokenSource {
	if url == "" {
		url = defaultTokenURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &tokenSource{
		appID:  appID,
		secret: secret,
		url:    url,
		client: client,
		now:    time.Now,
	}
}

// Token returns a valid access token, refreshing when the cached one is
// within the refresh margin of expiry.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expiresAt.Add(-refreshMargin)) {
		return s.token, nil
	}

	body, err := json.Marshal(map[string]string{
		"appId":        s.appID,
		"clientSecret": s.secret,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch app access token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch app access token: status %d", resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode app access token: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("app access token response missing token")
	}

	ttl := int64(7200)
	if result.ExpiresIn != "" {
		if parsed, err := strconv.ParseInt(result.ExpiresIn, 10, 64); err == nil && parsed > 0 {
			ttl = parsed
		}
	}
	s.token = result.AccessToken
	s.expiresAt = s.now().Add(time.Duration(ttl) * time.Second)
	return s.token, nil
}
