package archiveapi

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig selects how requests are authenticated. A static Token wins
// over client credentials; with neither set requests are anonymous.
type AuthConfig struct {
	Token        string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// ErrIncompleteAuth means client credentials were only partly configured.
var ErrIncompleteAuth = errors.New("archiveapi: client credentials need client_id, client_secret and token_url")

// HTTPClient returns an http.Client that attaches bearer tokens to every
// request. base supplies the transport and timeout; nil uses the default.
// ctx bounds token refreshes for the lifetime of the client.
func HTTPClient(ctx context.Context, cfg AuthConfig, base *http.Client) (*http.Client, error) {
	if base == nil {
		base = http.DefaultClient
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	var src oauth2.TokenSource

	switch {
	case cfg.Token != "":
		src = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
	case cfg.ClientID != "" || cfg.ClientSecret != "" || cfg.TokenURL != "":
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TokenURL == "" {
			return nil, ErrIncompleteAuth
		}

		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		src = cc.TokenSource(ctx)
	default:
		return base, nil
	}

	c := oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, src))
	c.Timeout = base.Timeout

	return c, nil
}
