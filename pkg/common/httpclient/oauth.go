package httpclient

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

func (c OAuthConfig) Enabled() bool {
	return c.TokenURL != "" && c.ClientID != ""
}

// NewWithOAuth returns a client that authenticates with the client
// credentials grant. Without a token URL it is the plain client from New.
func NewWithOAuth(ctx context.Context, timeout time.Duration, cfg OAuthConfig) *http.Client {
	base := New(timeout)
	if !cfg.Enabled() {
		return base
	}
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = timeout
	return client
}
