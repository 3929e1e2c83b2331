package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

// DefaultTimeout is applied to every HTTP request made with a connection's token.
const DefaultTimeout = 30 * time.Second

// Credentials are the OAuth client settings shared by all connections.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// Endpoint defaults to Google's when empty.
	Endpoint oauth2.Endpoint
}

// Authenticator drives the OAuth lifecycle of remote calendar connections:
// authorization URL, code exchange and refresh.
type Authenticator struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewAuthenticator validates the client credentials. It fails with a
// configuration error before any network call when the client id is unset.
func NewAuthenticator(creds Credentials, httpClient *http.Client) (*Authenticator, error) {
	if creds.ClientID == "" {
		return nil, model.NewError(model.ErrConfiguration, "create authenticator", errors.New("client_id must be configured"))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	scopes := creds.Scopes
	if len(scopes) == 0 {
		scopes = []string{calendar.CalendarEventsScope}
	}
	endpoint := creds.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}

	return &Authenticator{
		config: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		httpClient: httpClient,
	}, nil
}

// SetRedirectURL changes the callback address, e.g. once a loopback
// listener has picked its port.
func (a *Authenticator) SetRedirectURL(redirectURL string) {
	a.config.RedirectURL = redirectURL
}

// AuthorizationURL returns the consent page URL for userID and the state
// token the callback must echo back. Offline access is requested so the
// provider issues a refresh token.
func (a *Authenticator) AuthorizationURL(userID string) (authURL, state string) {
	state = userID + "." + uuid.NewString()
	authURL = a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	return authURL, state
}

// StateUser returns the user a state token was issued for.
func StateUser(state string) (string, bool) {
	i := strings.LastIndex(state, ".")
	if i <= 0 {
		return "", false
	}
	return state[:i], true
}

// Exchange trades an authorization code for tokens.
func (a *Authenticator) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, model.NewError(model.ErrAuth, "exchange code", errors.New("no authorization code received"))
	}
	token, err := a.config.Exchange(a.withClient(ctx), code)
	if err != nil {
		return nil, model.NewError(model.ErrAuth, "exchange code", fmt.Errorf("failed to exchange authorization code: %w", err))
	}
	return token, nil
}

// Link completes the authorization of a pending connection. On any failure
// no connection is returned.
func (a *Authenticator) Link(ctx context.Context, pending model.ConnectionConfig, code string) (*model.ConnectionConfig, error) {
	token, err := a.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	linked := pending
	linked.Provider = model.ProviderGoogle
	linked.Active = true
	linked.ApplyDefaults()
	if err := NewConnectionTokens(&linked).SaveToken(token); err != nil {
		return nil, err
	}
	if err := linked.Validate(); err != nil {
		return nil, err
	}
	return &linked, nil
}

// Refresh exchanges a refresh token for a new access token. It makes one
// attempt; retrying is up to the caller.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, model.NewError(model.ErrAuth, "refresh token", errors.New("connection has no refresh token"))
	}

	// An expired token without an access token forces the refresh grant.
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	token, err := a.config.TokenSource(a.withClient(ctx), stale).Token()
	if err != nil {
		return nil, model.NewError(model.ErrAuth, "refresh token", fmt.Errorf("failed to refresh access token: %w", err))
	}
	return token, nil
}

// HTTPClient returns a client that authorizes requests with the
// connection's current access token. It never refreshes on its own, so an
// expired token is sent as-is.
func (a *Authenticator) HTTPClient(ctx context.Context, cfg *model.ConnectionConfig) (*http.Client, error) {
	token, err := NewConnectionTokens(cfg).LoadToken()
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, model.NewError(model.ErrConfiguration, "build client", fmt.Errorf("connection %s is not linked", cfg.ID))
	}

	client := oauth2.NewClient(a.withClient(ctx), oauth2.StaticTokenSource(token))
	client.Timeout = a.httpClient.Timeout
	return client, nil
}

func (a *Authenticator) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}
