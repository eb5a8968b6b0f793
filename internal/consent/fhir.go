package consent

import (
	"strings"
	"time"
)

// Coding is a FHIR Coding element.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a FHIR CodeableConcept element.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Reference is a FHIR Reference element.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Display    string      `json:"display,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
}

// Identifier is a FHIR Identifier element.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Period is a FHIR Period element. Bounds stay as strings because FHIR
// dateTime values may be partial (date-only).
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Active reports whether now falls within the period. Unparseable or absent
// bounds do not constrain.
func (p *Period) Active(now time.Time) bool {
	if p == nil {
		return true
	}
	if start, ok := parseFHIRTime(p.Start); ok && now.Before(start) {
		return false
	}
	if end, ok := parseFHIRTime(p.End); ok && now.After(end) {
		return false
	}
	return true
}

var fhirTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseFHIRTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range fhirTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ProvisionActor names who a provision applies to.
type ProvisionActor struct {
	Role      *CodeableConcept `json:"role,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Provision is a FHIR Consent.provision.
type Provision struct {
	Type      string           `json:"type,omitempty"` // permit | deny
	Period    *Period          `json:"period,omitempty"`
	Actor     []ProvisionActor `json:"actor,omitempty"`
	Class     []Coding         `json:"class,omitempty"`
	Action    []CodeableConcept `json:"action,omitempty"`
	Provision []Provision      `json:"provision,omitempty"`
}

// Consent is the subset of the FHIR Consent resource the engine evaluates.
type Consent struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Status       string           `json:"status,omitempty"`
	Scope        *CodeableConcept `json:"scope,omitempty"`
	Category     []CodeableConcept `json:"category,omitempty"`
	Patient      *Reference       `json:"patient,omitempty"`
	DateTime     string           `json:"dateTime,omitempty"`
	Provision    *Provision       `json:"provision,omitempty"`
}

// bundleEntry and bundle model the slice of a FHIR searchset Bundle needed
// to pull Consent resources out of a search response.
type bundleEntry struct {
	Resource Consent `json:"resource"`
}

type bundle struct {
	ResourceType string        `json:"resourceType"`
	Entry        []bundleEntry `json:"entry"`
}

// actorMatches reports whether the provision's actor list covers the client.
// An empty actor list applies to everyone.
func actorMatches(actors []ProvisionActor, clientID string) bool {
	if len(actors) == 0 {
		return true
	}
	for _, a := range actors {
		if a.Reference == nil {
			continue
		}
		if a.Reference.Reference != "" && strings.Contains(a.Reference.Reference, clientID) {
			return true
		}
		if a.Reference.Identifier != nil && a.Reference.Identifier.Value == clientID {
			return true
		}
	}
	return false
}

// classMatches reports whether the provision's class list covers the
// resource type. An empty class list covers all types.
func classMatches(classes []Coding, resourceType string) bool {
	if len(classes) == 0 {
		return true
	}
	for _, c := range classes {
		if strings.EqualFold(c.Code, resourceType) {
			return true
		}
		// Class codes may be full profile URLs ending in the type name.
		if idx := strings.LastIndex(c.Code, "/"); idx >= 0 && strings.EqualFold(c.Code[idx+1:], resourceType) {
			return true
		}
	}
	return false
}
