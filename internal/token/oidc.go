package token

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OIDCProvider holds the endpoints discovered from an identity provider's
// .well-known/openid-configuration document.
type OIDCProvider struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint"`
	EndSessionEndpoint            string   `json:"end_session_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	ScopesSupported               []string `json:"scopes_supported"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
}

// DiscoverOIDC fetches and parses the discovery document for the given
// issuer. Works with any OIDC-compliant provider including Keycloak, Auth0,
// Okta, Azure AD, and Google.
func DiscoverOIDC(issuerURL string) (*OIDCProvider, error) {
	issuerURL = strings.TrimRight(issuerURL, "/")
	discoveryURL := issuerURL + "/.well-known/openid-configuration"

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("fetching OIDC discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var provider OIDCProvider
	if err := json.NewDecoder(resp.Body).Decode(&provider); err != nil {
		return nil, fmt.Errorf("decoding OIDC discovery document: %w", err)
	}

	if provider.TokenEndpoint == "" {
		return nil, fmt.Errorf("OIDC discovery document missing token_endpoint")
	}
	if provider.IntrospectionEndpoint == "" {
		// Keycloak older than 18 omits introspection_endpoint from discovery.
		provider.IntrospectionEndpoint = provider.TokenEndpoint + "/introspect"
	}

	return &provider, nil
}

// Metadata exposes the discovery fields the smart-configuration document is
// derived from.
func (p *OIDCProvider) Metadata() (issuer string, scopes, grantTypes, responseTypes, codeChallengeMethods, authMethods []string) {
	return p.Issuer, p.ScopesSupported, p.GrantTypesSupported, p.ResponseTypesSupported,
		p.CodeChallengeMethodsSupported, p.TokenEndpointAuthMethods
}
