// Package ial grades requests against NIST Identity Assurance Levels using
// FHIR Person resources. The fhirUser claim points at a Person; the Person's
// patient links carry assurance codes, and sensitive resource types can
// demand a higher level than the baseline.
package ial

import (
	"strings"
)

// Level is a FHIR Person.link assurance code.
type Level string

const (
	Level1 Level = "level1"
	Level2 Level = "level2"
	Level3 Level = "level3"
	Level4 Level = "level4"
)

var levelValues = map[Level]int{
	Level1: 1,
	Level2: 2,
	Level3: 3,
	Level4: 4,
}

// Value returns the numeric rank of the level, 0 for unknown levels.
func (l Level) Value() int {
	return levelValues[l]
}

// NormalizeLevel maps the assurance codes and informal spellings seen in the
// wild onto a Level. Absent or unrecognized input defaults to level1, the
// lowest confidence.
func NormalizeLevel(s string) Level {
	n := strings.ToLower(strings.TrimSpace(s))
	switch n {
	case "level1", "level2", "level3", "level4":
		return Level(n)
	}
	switch {
	case strings.Contains(n, "1"), n == "low":
		return Level1
	case strings.Contains(n, "2"), n == "medium":
		return Level2
	case strings.Contains(n, "3"), n == "high":
		return Level3
	case strings.Contains(n, "4"), n == "very-high":
		return Level4
	}
	return Level1
}

// reference is the FHIR Reference element as it appears in Person.link.
type reference struct {
	Reference string `json:"reference,omitempty"`
}

// PersonLink is one FHIR Person.link entry. The structure is identical
// across R3, R4, and R5.
type PersonLink struct {
	Target    reference `json:"target"`
	Assurance string    `json:"assurance,omitempty"`
}

// Person is the subset of the FHIR Person resource the checker reads.
type Person struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Link         []PersonLink `json:"link,omitempty"`
}

// LinkedPatient is a Patient reference resolved from a Person link, graded
// with its assurance level.
type LinkedPatient struct {
	PatientID        string `json:"patientId"`
	PatientReference string `json:"patientReference"`
	Level            Level  `json:"assuranceLevel"`
	LevelValue       int    `json:"assuranceLevelNumeric"`
	PersonID         string `json:"personId"`
}

// extractPersonID pulls the Person id out of a fhirUser claim, which may be
// a relative reference (Person/123) or a full URL.
func extractPersonID(fhirUser string) string {
	idx := strings.Index(fhirUser, "Person/")
	if idx < 0 {
		return ""
	}
	id := fhirUser[idx+len("Person/"):]
	if cut := strings.IndexAny(id, "/?#"); cut >= 0 {
		id = id[:cut]
	}
	return id
}

// extractPatientID pulls the Patient id out of a link target reference.
func extractPatientID(ref string) string {
	idx := strings.Index(ref, "Patient/")
	if idx < 0 {
		return ""
	}
	id := ref[idx+len("Patient/"):]
	if cut := strings.IndexAny(id, "/?#"); cut >= 0 {
		id = id[:cut]
	}
	return id
}

// linkedPatients grades every Patient link on the Person. Links to other
// resource types are skipped.
func linkedPatients(p *Person) []LinkedPatient {
	var out []LinkedPatient
	for _, link := range p.Link {
		patientID := extractPatientID(link.Target.Reference)
		if patientID == "" {
			continue
		}
		level := NormalizeLevel(link.Assurance)
		out = append(out, LinkedPatient{
			PatientID:        patientID,
			PatientReference: "Patient/" + patientID,
			Level:            level,
			LevelValue:       level.Value(),
			PersonID:         p.ID,
		})
	}
	return out
}
