// Package smartconfig builds the .well-known/smart-configuration document
// advertised for every proxied FHIR server. The OAuth endpoints in the
// document point at the proxy itself, because clients must use the proxy's
// token endpoint to receive SMART launch context.
package smartconfig

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Document is the SMART App Launch well-known configuration response.
type Document struct {
	Issuer                          string   `json:"issuer"`
	AuthorizationEndpoint           string   `json:"authorization_endpoint"`
	TokenEndpoint                   string   `json:"token_endpoint"`
	IntrospectionEndpoint           string   `json:"introspection_endpoint"`
	RegistrationEndpoint            string   `json:"registration_endpoint,omitempty"`
	CodeChallengeMethodsSupported   []string `json:"code_challenge_methods_supported"`
	GrantTypesSupported             []string `json:"grant_types_supported"`
	ResponseTypesSupported          []string `json:"response_types_supported"`
	ScopesSupported                 []string `json:"scopes_supported"`
	Capabilities                    []string `json:"capabilities"`
	TokenEndpointAuthMethods        []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgs    []string `json:"token_endpoint_auth_signing_alg_values_supported"`
}

// Discovery is the subset of identity-provider metadata the document is
// derived from. Satisfied by token.OIDCProvider.
type Discovery interface {
	Metadata() (issuer string, scopes, grantTypes, responseTypes, codeChallengeMethods, authMethods []string)
}

// Options configure the generated document.
type Options struct {
	BaseURL         string
	ScopesSupported []string
	Capabilities    []string
	CacheTTL        time.Duration
}

// DefaultCapabilities is the SMART capability set the proxy supports out of
// the box.
var DefaultCapabilities = []string{
	"launch-ehr",
	"launch-standalone",
	"client-public",
	"client-confidential-symmetric",
	"client-confidential-asymmetric",
	"sso-openid-connect",
	"context-ehr-patient",
	"context-ehr-encounter",
	"context-standalone-patient",
	"permission-offline",
	"permission-patient",
	"permission-user",
	"permission-v2",
	"authorize-post",
}

// Service caches the built document with a TTL so repeated well-known
// requests do not rebuild it.
type Service struct {
	discovery Discovery
	opts      Options
	logger    zerolog.Logger

	mu        sync.Mutex
	doc       *Document
	builtAt   time.Time
	now       func() time.Time
}

func New(discovery Discovery, opts Options, logger zerolog.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if len(opts.Capabilities) == 0 {
		opts.Capabilities = DefaultCapabilities
	}
	return &Service{
		discovery: discovery,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Configuration returns the current document, rebuilding it when the cached
// copy has expired.
func (s *Service) Configuration() Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc != nil && s.now().Sub(s.builtAt) < s.opts.CacheTTL {
		return *s.doc
	}
	doc := s.build()
	s.doc = &doc
	s.builtAt = s.now()
	return doc
}

// Refresh drops the cached document and rebuilds it immediately.
func (s *Service) Refresh() Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.build()
	s.doc = &doc
	s.builtAt = s.now()
	s.logger.Info().Msg("smart configuration cache refreshed")
	return doc
}

func (s *Service) build() Document {
	issuer, scopes, grants, responses, pkce, authMethods := s.discovery.Metadata()
	base := strings.TrimSuffix(s.opts.BaseURL, "/")

	doc := Document{
		Issuer:                        issuer,
		AuthorizationEndpoint:         base + "/auth/authorize",
		TokenEndpoint:                 base + "/auth/token",
		IntrospectionEndpoint:         base + "/auth/introspect",
		CodeChallengeMethodsSupported: pkce,
		GrantTypesSupported:           grants,
		ResponseTypesSupported:        responses,
		ScopesSupported:               scopes,
		Capabilities:                  s.opts.Capabilities,
		TokenEndpointAuthMethods:      authMethods,
		TokenEndpointAuthSigningAlgs:  []string{"RS256", "ES384"},
	}

	if len(s.opts.ScopesSupported) > 0 {
		doc.ScopesSupported = s.opts.ScopesSupported
	}
	if len(doc.CodeChallengeMethodsSupported) == 0 {
		doc.CodeChallengeMethodsSupported = []string{"S256"}
	}
	if len(doc.GrantTypesSupported) == 0 {
		doc.GrantTypesSupported = []string{"authorization_code", "client_credentials", "refresh_token"}
	}
	if len(doc.ResponseTypesSupported) == 0 {
		doc.ResponseTypesSupported = []string{"code"}
	}
	if len(doc.TokenEndpointAuthMethods) == 0 {
		doc.TokenEndpointAuthMethods = []string{"client_secret_basic", "client_secret_post", "private_key_jwt"}
	}
	return doc
}
