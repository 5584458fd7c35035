package gateway

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/mobilityone/whatsagent/pkg/config"
)

// tokenSource wraps the OAuth2 client-credentials flow against the Mobility
// auth endpoint. Each fetch is a fresh token request; caching and reuse are
// the gateway's concern (it refreshes only on 401).
type tokenSource struct {
	cfg clientcredentials.Config
}

func newTokenSource(cfg config.MobilityConfig) *tokenSource {
	var scopes []string
	if cfg.Scope != "" {
		scopes = strings.Fields(cfg.Scope)
	}
	return &tokenSource{
		cfg: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.AuthURL,
			Scopes:       scopes,
		},
	}
}

func (t *tokenSource) fetch(ctx context.Context) (string, error) {
	token, err := t.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("oauth2 token fetch: %w", err)
	}
	return token.AccessToken, nil
}
