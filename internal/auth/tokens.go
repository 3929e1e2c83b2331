package auth

import (
	"errors"

	"golang.org/x/oauth2"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

// TokenStore is an interface for saving and loading OAuth tokens.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	LoadToken() (*oauth2.Token, error)
}

// ConnectionTokens stores tokens on a connection record. Persisting the
// record is up to the caller.
type ConnectionTokens struct {
	cfg *model.ConnectionConfig
}

// NewConnectionTokens wraps cfg as a TokenStore.
func NewConnectionTokens(cfg *model.ConnectionConfig) *ConnectionTokens {
	return &ConnectionTokens{cfg: cfg}
}

// SaveToken copies token into the connection. A refresh response without a
// refresh token keeps the one already stored.
func (c *ConnectionTokens) SaveToken(token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return model.NewError(model.ErrAuth, "save token", errors.New("token has no access token"))
	}
	c.cfg.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.cfg.RefreshToken = token.RefreshToken
	}
	c.cfg.TokenExpiry = token.Expiry
	return nil
}

// LoadToken returns the stored token, or nil if the connection was never
// linked.
func (c *ConnectionTokens) LoadToken() (*oauth2.Token, error) {
	if c.cfg.AccessToken == "" && c.cfg.RefreshToken == "" {
		return nil, nil
	}
	return &oauth2.Token{
		AccessToken:  c.cfg.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: c.cfg.RefreshToken,
		Expiry:       c.cfg.TokenExpiry,
	}, nil
}
