package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func capabilityServer(t *testing.T, fhirVersion string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metadata" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "CapabilityStatement",
			"fhirVersion":  fhirVersion,
			"software":     map[string]string{"name": "HAPI FHIR", "version": "7.2.0"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRegistry(ttl time.Duration) *Registry {
	return New(nil, []string{"R4", "R4B", "R5"}, ttl, zerolog.Nop())
}

func TestAddDerivesVersionAndSupport(t *testing.T) {
	srv := capabilityServer(t, "4.0.1")
	r := newTestRegistry(time.Hour)

	info, err := r.Add(context.Background(), srv.URL, "hapi")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if info.Identifier != "hapi" {
		t.Errorf("Identifier = %q", info.Identifier)
	}
	if info.FHIRVersion != "R4" {
		t.Errorf("FHIRVersion = %q, want R4", info.FHIRVersion)
	}
	if !info.Supported {
		t.Error("4.0.1 must map to a supported version")
	}
	if info.SoftwareName != "HAPI FHIR" {
		t.Errorf("SoftwareName = %q", info.SoftwareName)
	}
}

func TestAddUnsupportedVersionStillRegisters(t *testing.T) {
	srv := capabilityServer(t, "3.0.2")
	r := newTestRegistry(time.Hour)

	info, err := r.Add(context.Background(), srv.URL, "legacy")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if info.FHIRVersion != "STU3" {
		t.Errorf("FHIRVersion = %q, want STU3", info.FHIRVersion)
	}
	if info.Supported {
		t.Error("STU3 is not in the supported list")
	}
}

func TestAddUnreachableServer(t *testing.T) {
	r := newTestRegistry(time.Hour)
	_, err := r.Add(context.Background(), "http://127.0.0.1:1", "down")
	if !errors.Is(err, ErrUnreachableServer) {
		t.Fatalf("err = %v, want ErrUnreachableServer", err)
	}
}

func TestAddInvalidFhirServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"hello":"world"}`))
	}))
	defer srv.Close()

	r := newTestRegistry(time.Hour)
	_, err := r.Add(context.Background(), srv.URL, "notfhir")
	if !errors.Is(err, ErrInvalidFhirServer) {
		t.Fatalf("err = %v, want ErrInvalidFhirServer", err)
	}
}

func TestNormalizeVersion(t *testing.T) {
	tests := []struct{ in, want string }{
		{"4.0.1", "R4"},
		{"4.0.0", "R4"},
		{"4.3.0", "R4B"},
		{"5.0.0", "R5"},
		{"3.0.2", "STU3"},
		{"R4", "R4"},
		{"weird", "weird"},
	}
	for _, tt := range tests {
		if got := NormalizeVersion(tt.in); got != tt.want {
			t.Errorf("NormalizeVersion(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGetServesStaleOnRefreshFailure(t *testing.T) {
	srv := capabilityServer(t, "4.0.1")
	r := newTestRegistry(time.Minute)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	if _, err := r.Add(context.Background(), srv.URL, "hapi"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	srv.Close()
	now = now.Add(time.Hour)

	info := r.Get(context.Background(), "hapi")
	if info == nil {
		t.Fatal("stale entry must still be served when refresh fails")
	}
	if info.FHIRVersion != "R4" {
		t.Fatalf("FHIRVersion = %q", info.FHIRVersion)
	}
}

func TestGetUnknownServer(t *testing.T) {
	r := newTestRegistry(time.Hour)
	if info := r.Get(context.Background(), "missing"); info != nil {
		t.Fatalf("Get = %+v, want nil", info)
	}
}

func TestSeedInitializationSkipsBadSeeds(t *testing.T) {
	srv := capabilityServer(t, "5.0.0")
	r := New([]string{srv.URL, "http://127.0.0.1:1"}, []string{"R4", "R5"}, time.Hour, zerolog.Nop())

	servers := r.List(context.Background())
	if len(servers) != 1 {
		t.Fatalf("registered %d servers, want the one reachable seed", len(servers))
	}
	if servers[0].FHIRVersion != "R5" {
		t.Fatalf("FHIRVersion = %q", servers[0].FHIRVersion)
	}
}

func TestUpdateReplacesURL(t *testing.T) {
	first := capabilityServer(t, "4.0.1")
	second := capabilityServer(t, "5.0.0")
	r := newTestRegistry(time.Hour)

	if _, err := r.Add(context.Background(), first.URL, "srv"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	info, err := r.Update(context.Background(), "srv", second.URL, "")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if info.Identifier != "srv" {
		t.Errorf("Identifier = %q, must be preserved", info.Identifier)
	}
	if info.FHIRVersion != "R5" {
		t.Errorf("FHIRVersion = %q, want metadata from the new URL", info.FHIRVersion)
	}
}

func TestUpdateUnknownServer(t *testing.T) {
	srv := capabilityServer(t, "4.0.1")
	r := newTestRegistry(time.Hour)
	if _, err := r.Update(context.Background(), "nope", srv.URL, ""); err == nil {
		t.Fatal("expected error for unknown identifier")
	}
}

func TestRefreshPicksUpNewMetadata(t *testing.T) {
	version := "4.0.1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "CapabilityStatement",
			"fhirVersion":  version,
		})
	}))
	defer srv.Close()

	r := newTestRegistry(time.Hour)
	if _, err := r.Add(context.Background(), srv.URL, "hapi"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	version = "4.3.0"
	info, err := r.Refresh(context.Background(), "hapi")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if info.FHIRVersion != "R4B" {
		t.Fatalf("FHIRVersion = %q after refresh", info.FHIRVersion)
	}
}

func TestDeriveIdentifier(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://hapi.fhir.org/baseR4", "hapi-fhir-org-baser4"},
		{"http://localhost:8080/fhir", "localhost-8080-fhir"},
	}
	for _, tt := range tests {
		if got := deriveIdentifier(tt.in); got != tt.want {
			t.Errorf("deriveIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestProxyBase(t *testing.T) {
	info := &ServerInfo{Identifier: "hapi", FHIRVersion: "R4"}
	got := ProxyBase("https://proxy.example/", "proxy-smart", info)
	if got != "https://proxy.example/proxy-smart/hapi/R4" {
		t.Fatalf("ProxyBase = %q", got)
	}
}
