package token

import (
	"encoding/json"
	"testing"
)

func TestClientIDFallbacks(t *testing.T) {
	c := &Claims{Azp: "app"}
	c.Subject = "sub-1"
	if got := c.ClientID(); got != "app" {
		t.Errorf("ClientID = %q, want azp", got)
	}

	c.Azp = ""
	if got := c.ClientID(); got != "sub-1" {
		t.Errorf("ClientID = %q, want subject fallback", got)
	}

	c.Subject = ""
	if got := c.ClientID(); got != "unknown" {
		t.Errorf("ClientID = %q", got)
	}
}

func TestNeedPatientBanner(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    bool
		present bool
	}{
		{"absent", "", false, false},
		{"bool true", "true", true, true},
		{"bool false", "false", false, true},
		{"string true", `"true"`, true, true},
		{"string false", `"false"`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Claims{SmartNeedPatientBanner: json.RawMessage(tt.raw)}
			got, ok := c.NeedPatientBanner()
			if ok != tt.present || got != tt.want {
				t.Fatalf("NeedPatientBanner = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.present)
			}
		})
	}
}

func TestFHIRContext(t *testing.T) {
	c := &Claims{SmartFHIRContext: json.RawMessage(`[{"reference":"Encounter/1"}]`)}
	v, ok := c.FHIRContext()
	if !ok {
		t.Fatal("expected context present")
	}
	list, ok := v.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("context = %#v", v)
	}

	// Protocol mappers sometimes deliver the context as a JSON string.
	c = &Claims{SmartFHIRContext: json.RawMessage(`"[{\"reference\":\"Encounter/2\"}]"`)}
	if _, ok := c.FHIRContext(); !ok {
		t.Fatal("expected string-encoded context to parse")
	}

	c = &Claims{SmartFHIRContext: json.RawMessage(`"not json"`)}
	if _, ok := c.FHIRContext(); ok {
		t.Fatal("invalid context must be dropped")
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
		want   string
	}{
		{"full name", Claims{Name: "Dr. Ada Lovelace"}, "Dr. Ada Lovelace"},
		{"given plus family", Claims{GivenName: "Ada", FamilyName: "Lovelace"}, "Ada Lovelace"},
		{"username", Claims{PreferredUsername: "ada"}, "ada"},
		{"email", Claims{Email: "ada@example.org"}, "ada@example.org"},
		{"nothing", Claims{}, "User"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.claims.DisplayName(); got != tt.want {
				t.Fatalf("DisplayName = %q, want %q", got, tt.want)
			}
		})
	}
}
