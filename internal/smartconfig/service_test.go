package smartconfig

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeDiscovery struct {
	issuer string
	scopes []string
	calls  int
}

func (f *fakeDiscovery) Metadata() (string, []string, []string, []string, []string, []string) {
	f.calls++
	return f.issuer, f.scopes,
		[]string{"authorization_code"},
		[]string{"code"},
		[]string{"S256"},
		[]string{"client_secret_post"}
}

func TestConfigurationPointsAtProxy(t *testing.T) {
	d := &fakeDiscovery{issuer: "https://idp.example/realms/fhir", scopes: []string{"openid", "launch/patient"}}
	s := New(d, Options{BaseURL: "https://proxy.example/"}, zerolog.Nop())

	doc := s.Configuration()

	if doc.Issuer != "https://idp.example/realms/fhir" {
		t.Errorf("issuer = %q", doc.Issuer)
	}
	if doc.TokenEndpoint != "https://proxy.example/auth/token" {
		t.Errorf("token_endpoint = %q, must be the proxy's own", doc.TokenEndpoint)
	}
	if doc.AuthorizationEndpoint != "https://proxy.example/auth/authorize" {
		t.Errorf("authorization_endpoint = %q", doc.AuthorizationEndpoint)
	}
	if doc.IntrospectionEndpoint != "https://proxy.example/auth/introspect" {
		t.Errorf("introspection_endpoint = %q", doc.IntrospectionEndpoint)
	}
	if len(doc.Capabilities) == 0 {
		t.Error("capabilities must not be empty")
	}
	if len(doc.ScopesSupported) != 2 {
		t.Errorf("scopes_supported = %v", doc.ScopesSupported)
	}
}

func TestConfigurationCachesWithinTTL(t *testing.T) {
	d := &fakeDiscovery{issuer: "https://idp.example"}
	s := New(d, Options{BaseURL: "https://proxy.example", CacheTTL: time.Minute}, zerolog.Nop())

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Configuration()
	s.Configuration()
	if d.calls != 1 {
		t.Fatalf("metadata read %d times within TTL, want 1", d.calls)
	}

	now = now.Add(2 * time.Minute)
	s.Configuration()
	if d.calls != 2 {
		t.Fatalf("metadata read %d times after expiry, want 2", d.calls)
	}
}

func TestRefreshRebuildsImmediately(t *testing.T) {
	d := &fakeDiscovery{issuer: "https://idp.example"}
	s := New(d, Options{BaseURL: "https://proxy.example", CacheTTL: time.Hour}, zerolog.Nop())

	s.Configuration()
	s.Refresh()
	if d.calls != 2 {
		t.Fatalf("metadata read %d times, want refresh to bypass the cache", d.calls)
	}
}

func TestConfiguredScopesOverrideDiscovery(t *testing.T) {
	d := &fakeDiscovery{issuer: "https://idp.example", scopes: []string{"openid"}}
	s := New(d, Options{
		BaseURL:         "https://proxy.example",
		ScopesSupported: []string{"openid", "patient/*.read", "launch"},
	}, zerolog.Nop())

	doc := s.Configuration()
	if len(doc.ScopesSupported) != 3 {
		t.Fatalf("scopes_supported = %v, want the configured list", doc.ScopesSupported)
	}
}
