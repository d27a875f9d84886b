package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// TokenProvider exchanges the app credentials for a tenant access token.
// Tokens are not cached: every call performs one exchange.
type TokenProvider struct {
	appID      string
	appSecret  string
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewTokenProvider creates a TokenProvider for an internal (self-built) app.
func NewTokenProvider(appID, appSecret string, opts ...Option) (*TokenProvider, error) {
	if strings.TrimSpace(appID) == "" || strings.TrimSpace(appSecret) == "" {
		return nil, errors.New("feishu: app id and app secret are required")
	}
	o := buildOptions(opts)
	return &TokenProvider{
		appID:      appID,
		appSecret:  appSecret,
		baseURL:    o.baseURL,
		httpClient: o.httpClient,
		logger:     o.logger,
	}, nil
}

type tokenRequest struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

// AcquireToken returns a fresh tenant access token.
func (p *TokenProvider) AcquireToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(tokenRequest{AppID: p.appID, AppSecret: p.appSecret})
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("encode request: %w", err)}
	}

	endpoint := p.baseURL + "/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", &AuthError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	status, raw, err := do(p.httpClient, req)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	if status < 200 || status >= 300 {
		return "", &AuthError{StatusCode: status, Body: string(raw)}
	}

	var resp tokenResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &AuthError{StatusCode: status, Body: string(raw), Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Code != 0 {
		return "", &AuthError{StatusCode: status, Code: resp.Code, Body: resp.Msg}
	}
	if resp.TenantAccessToken == "" {
		return "", &AuthError{StatusCode: status, Body: string(raw), Err: errors.New("response has no tenant_access_token")}
	}

	p.logger.Debug("acquired tenant access token", zap.Int("expire_seconds", resp.Expire))
	return resp.TenantAccessToken, nil
}
