package tokens

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RefresherConfig describes the identity provider token endpoint.
type RefresherConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	// Skew refreshes tokens that expire within this window.
	Skew time.Duration
	// Timeout bounds a single exchange.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Refresher exchanges refresh tokens for new pairs at the identity provider.
type Refresher struct {
	oauth   *oauth2.Config
	skew    time.Duration
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewRefresher constructs a Refresher.
func NewRefresher(cfg RefresherConfig, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Refresher{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes,
		},
		skew:    cfg.Skew,
		timeout: timeout,
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

// Refresh returns pair unchanged while it is fresh and otherwise performs a refresh_token
// exchange. It never fails: an unsuccessful exchange yields a pair in ErrorStateRefresh.
func (r *Refresher) Refresh(ctx context.Context, pair Pair) Pair {
	if pair.Failed() {
		return pair
	}
	if pair.Fresh(r.now(), r.skew) {
		return pair
	}
	if strings.TrimSpace(pair.RefreshToken) == "" {
		r.logger.Warn("token refresh skipped", slog.String("reason", "missing refresh token"))
		return failedPair(pair)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	tok, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: pair.RefreshToken}).Token()
	if err != nil {
		attrs := []any{slog.Any("error", err)}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			attrs = append(attrs, slog.Int("status", retrieveErr.Response.StatusCode), slog.String("error_code", retrieveErr.ErrorCode))
		}
		r.logger.Warn("token refresh exchange failed", attrs...)
		return failedPair(pair)
	}
	if tok.AccessToken == "" || tok.Expiry.IsZero() {
		r.logger.Warn("token refresh exchange failed", slog.String("reason", "malformed token response"))
		return failedPair(pair)
	}

	next := Pair{
		AccessToken:  tok.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	// Providers may omit rotation.
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	return next
}
