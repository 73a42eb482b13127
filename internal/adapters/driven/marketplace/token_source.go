package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Ensure TokenSource implements the interface.
var _ driven.CredentialProvider = (*TokenSource)(nil)

// TokenSourceConfig holds OAuth settings for the marketplace token endpoint.
type TokenSourceConfig struct {
	TokenURL    string
	Credentials domain.MarketplaceCredentials
	Store       driven.TokenStore
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// TokenSource supplies marketplace access tokens, refreshing them with the
// stored refresh token. Concurrent refreshes collapse into one request.
type TokenSource struct {
	tokenURL   string
	creds      domain.MarketplaceCredentials
	store      driven.TokenStore
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	current *domain.MarketplaceToken
	group   singleflight.Group
}

// NewTokenSource creates a token source.
func NewTokenSource(cfg TokenSourceConfig) *TokenSource {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenSource{
		tokenURL:   cfg.TokenURL,
		creds:      cfg.Credentials,
		store:      cfg.Store,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// AccessToken returns a valid access token, refreshing if needed.
func (s *TokenSource) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()

	if current.IsExpired(s.now()) {
		stored, err := s.store.Get(ctx)
		switch {
		case err == nil:
			current = stored
			s.setCurrent(stored)
		case !errors.Is(err, domain.ErrNotFound):
			return "", fmt.Errorf("load token: %w", err)
		}
	}

	if !current.IsExpired(s.now()) {
		return current.AccessToken, nil
	}
	return s.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token and persists it.
func (s *TokenSource) Refresh(ctx context.Context) (string, error) {
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(*domain.MarketplaceToken).AccessToken, nil
}

func (s *TokenSource) refresh(ctx context.Context) (*domain.MarketplaceToken, error) {
	s.mu.Lock()
	loaded := s.current != nil
	s.mu.Unlock()
	if !loaded {
		if stored, err := s.store.Get(ctx); err == nil {
			s.setCurrent(stored)
		}
	}

	refreshToken := s.refreshToken()
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token configured", domain.ErrAuthRejected)
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(s.creds.AppID, s.creds.CertID)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token refresh: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: token refresh failed: %s", domain.ErrAuthRejected, errorMessage(body))
	case resp.StatusCode != http.StatusOK:
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Error        string `json:"error"`
		ErrorDesc    string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if tokenResp.Error != "" {
		return nil, fmt.Errorf("%w: oauth error: %s - %s", domain.ErrAuthRejected, tokenResp.Error, tokenResp.ErrorDesc)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token endpoint returned no access token", domain.ErrAuthRejected)
	}

	token := &domain.MarketplaceToken{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenResp.TokenType,
	}
	if tokenResp.RefreshToken != "" {
		token.RefreshToken = tokenResp.RefreshToken
	}
	if tokenResp.ExpiresIn > 0 {
		token.ExpiresAt = s.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}

	s.setCurrent(token)
	if err := s.store.Save(ctx, token); err != nil {
		// the in-memory token still serves this process
		s.logger.Error("failed to persist refreshed marketplace token", "error", err)
	}
	s.logger.Info("marketplace token refreshed", "expires_at", token.ExpiresAt)
	return token, nil
}

// refreshToken prefers the latest rotated refresh token over the configured one.
func (s *TokenSource) refreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.RefreshToken != "" {
		return s.current.RefreshToken
	}
	return s.creds.RefreshToken
}

func (s *TokenSource) setCurrent(token *domain.MarketplaceToken) {
	s.mu.Lock()
	s.current = token
	s.mu.Unlock()
}
