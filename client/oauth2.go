package client

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
)

// OAuth2Refresher exchanges a refresh token for a new access token. When the
// identity service rotates refresh tokens the newest one is kept.
type OAuth2Refresher struct {
	config *oauth2.Config

	mu    sync.Mutex
	token *oauth2.Token
}

func NewOAuth2Refresher(config *oauth2.Config, refreshToken string) *OAuth2Refresher {
	return &OAuth2Refresher{
		config: config,
		token:  &oauth2.Token{RefreshToken: refreshToken},
	}
}

func (r *OAuth2Refresher) Refresh(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token.RefreshToken == "" {
		return "", errors.New("no refresh token")
	}
	// An expired copy forces the token source to use the refresh grant.
	stale := &oauth2.Token{RefreshToken: r.token.RefreshToken}
	token, err := r.config.TokenSource(ctx, stale).Token()
	if err != nil {
		return "", err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = r.token.RefreshToken
	}
	r.token = token
	return token.AccessToken, nil
}
