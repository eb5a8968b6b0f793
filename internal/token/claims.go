package token

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
)

// Claims models the access-token payload issued by the identity provider.
// SMART launch context arrives as ad hoc smart_* claims set by protocol
// mappers; every one of them is optional and absence is a normal state, so
// they are modeled as named optional fields rather than a free-form map.
type Claims struct {
	jwt.RegisteredClaims

	// Azp is the authorized party (the OAuth client id).
	Azp string `json:"azp,omitempty"`

	// Scope is the space-separated scope string granted by the identity
	// provider.
	Scope string `json:"scope,omitempty"`

	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	Email             string `json:"email,omitempty"`

	RealmAccess struct {
		Roles []string `json:"roles,omitempty"`
	} `json:"realm_access,omitempty"`

	// SMART launch context claims.
	SmartPatient           string          `json:"smart_patient,omitempty"`
	SmartEncounter         string          `json:"smart_encounter,omitempty"`
	SmartFHIRUser          string          `json:"smart_fhir_user,omitempty"`
	SmartFHIRContext       json.RawMessage `json:"smart_fhir_context,omitempty"`
	SmartIntent            string          `json:"smart_intent,omitempty"`
	SmartStyleURL          string          `json:"smart_style_url,omitempty"`
	SmartTenant            string          `json:"smart_tenant,omitempty"`
	SmartNeedPatientBanner json.RawMessage `json:"smart_need_patient_banner,omitempty"`
	SmartScope             string          `json:"smart_scope,omitempty"`
}

// ClientID returns the best available client identifier: the authorized party
// when present, else the subject, else "unknown".
func (c *Claims) ClientID() string {
	if c.Azp != "" {
		return c.Azp
	}
	if c.Subject != "" {
		return c.Subject
	}
	return "unknown"
}

// DisplayName picks the friendliest available name from the profile claims.
func (c *Claims) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.GivenName != "" && c.FamilyName != "":
		return c.GivenName + " " + c.FamilyName
	case c.GivenName != "":
		return c.GivenName
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.Email != "":
		return c.Email
	}
	return "User"
}

// NeedPatientBanner interprets the smart_need_patient_banner claim, which
// identity providers emit either as a boolean or the string "true".
func (c *Claims) NeedPatientBanner() (bool, bool) {
	if len(c.SmartNeedPatientBanner) == 0 {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(c.SmartNeedPatientBanner, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(c.SmartNeedPatientBanner, &s); err == nil {
		return s == "true", true
	}
	return false, false
}

// FHIRContext parses the smart_fhir_context claim, which arrives either as a
// JSON value or as a JSON-encoded string. Invalid content is dropped rather
// than failing the token response.
func (c *Claims) FHIRContext() (any, bool) {
	if len(c.SmartFHIRContext) == 0 {
		return nil, false
	}
	var raw any
	if err := json.Unmarshal(c.SmartFHIRContext, &raw); err != nil {
		return nil, false
	}
	if s, ok := raw.(string); ok {
		var nested any
		if err := json.Unmarshal([]byte(s), &nested); err != nil {
			return nil, false
		}
		return nested, true
	}
	return raw, true
}
