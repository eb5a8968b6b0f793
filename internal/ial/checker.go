package ial

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/proxy-smart/proxy-smart/internal/token"
)

// Config controls identity-assurance checking.
type Config struct {
	Enabled                bool
	MinimumLevel           Level
	SensitiveResourceTypes []string
	SensitiveMinimumLevel  Level
	VerifyPatientLink      bool
	AllowOnLookupFailure   bool
	CacheTTL               time.Duration
}

// Resolution is the outcome of resolving a Person from the fhirUser claim.
type Resolution struct {
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	Person         *Person         `json:"person,omitempty"`
	LinkedPatients []LinkedPatient `json:"linkedPatients"`
	Validated      *LinkedPatient  `json:"validatedPatient,omitempty"`
	LinkVerified   bool            `json:"patientLinkVerified"`
	Cached         bool            `json:"cached"`
}

// CheckResult is the outcome of one identity-assurance check.
type CheckResult struct {
	Allowed       bool        `json:"allowed"`
	Reason        string      `json:"reason"`
	ActualLevel   Level       `json:"actualLevel,omitempty"`
	RequiredLevel Level       `json:"requiredLevel"`
	Sensitive     bool        `json:"isSensitiveResource"`
	Resolution    *Resolution `json:"personResolution,omitempty"`
}

type personKey struct {
	ServerName string
	PersonID   string
}

// personEntry caches a fetched Person. A nil person records "not found" so
// repeated lookups for a missing resource do not hammer the upstream.
type personEntry struct {
	person    *Person
	expiresAt time.Time
}

// Checker resolves Person resources and grades requests against the
// configured assurance levels.
type Checker struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[personKey]personEntry
}

func NewChecker(cfg Config, logger zerolog.Logger) *Checker {
	if cfg.MinimumLevel == "" {
		cfg.MinimumLevel = Level1
	}
	if cfg.SensitiveMinimumLevel == "" {
		cfg.SensitiveMinimumLevel = Level2
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Checker{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
		cache:  make(map[personKey]personEntry),
	}
}

// ClearCache drops every cached Person.
func (c *Checker) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[personKey]personEntry)
}

// CacheLen reports the number of cached entries.
func (c *Checker) CacheLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// cachedPerson returns (person, true) on a cache hit. The person may be nil
// when "not found" was cached.
func (c *Checker) cachedPerson(key personKey) (*Person, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.cache, key)
		return nil, false
	}
	return e.person, true
}

func (c *Checker) storePerson(key personKey, p *Person) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = personEntry{person: p, expiresAt: c.now().Add(c.cfg.CacheTTL)}
}

// fetchPerson retrieves {serverUrl}/Person/{id} with the caller's bearer
// token. Any failure reads as "not found".
func (c *Checker) fetchPerson(ctx context.Context, serverURL, personID, authHeader string) *Person {
	url := fmt.Sprintf("%s/Person/%s", serverURL, personID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/fhir+json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("person_id", personID).Msg("person fetch failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Warn().Int("status", resp.StatusCode).Str("person_id", personID).Msg("person fetch returned non-200")
		}
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	var p Person
	if err := json.Unmarshal(body, &p); err != nil || p.ResourceType != "Person" {
		c.logger.Warn().Str("person_id", personID).Msg("person response was not a Person resource")
		return nil
	}
	return &p
}

// Resolve looks up the Person behind the fhirUser claim and validates the
// token's patient context against the Person's patient links.
func (c *Checker) Resolve(ctx context.Context, claims *token.Claims, serverName, serverURL, authHeader string) Resolution {
	personID := extractPersonID(claims.SmartFHIRUser)
	if personID == "" {
		return Resolution{Success: false, Error: "no Person reference in fhirUser claim"}
	}

	key := personKey{ServerName: serverName, PersonID: personID}
	person, cached := c.cachedPerson(key)
	if !cached {
		person = c.fetchPerson(ctx, serverURL, personID, authHeader)
		c.storePerson(key, person)
	}
	if person == nil {
		res := Resolution{Success: false, Error: "Person not found", Cached: cached}
		return res
	}

	linked := linkedPatients(person)
	var validated *LinkedPatient
	if claims.SmartPatient != "" {
		for i := range linked {
			if linked[i].PatientID == claims.SmartPatient {
				validated = &linked[i]
				break
			}
		}
	}

	return Resolution{
		Success:        true,
		Person:         person,
		LinkedPatients: linked,
		Validated:      validated,
		LinkVerified:   validated != nil,
		Cached:         cached,
	}
}

// Check grades the request: sensitive resource types require the sensitive
// minimum level, everything else the baseline. When patient-link
// verification is on, a patient context that is not linked to the Person is
// refused outright.
func (c *Checker) Check(ctx context.Context, claims *token.Claims, serverName, serverURL, resourceType, authHeader string) CheckResult {
	if !c.cfg.Enabled {
		return CheckResult{Allowed: true, Reason: "identity assurance checking disabled", RequiredLevel: Level1}
	}

	sensitive := false
	for _, rt := range c.cfg.SensitiveResourceTypes {
		if rt == resourceType {
			sensitive = true
			break
		}
	}
	required := c.cfg.MinimumLevel
	if sensitive {
		required = c.cfg.SensitiveMinimumLevel
	}

	res := c.Resolve(ctx, claims, serverName, serverURL, authHeader)
	if !res.Success {
		if c.cfg.AllowOnLookupFailure {
			c.logger.Warn().
				Str("error", res.Error).
				Str("resource_type", resourceType).
				Msg("person resolution failed, allowing per configuration")
			return CheckResult{
				Allowed:       true,
				Reason:        fmt.Sprintf("person resolution failed (%s), allowing per configuration", res.Error),
				RequiredLevel: required,
				Sensitive:     sensitive,
				Resolution:    &res,
			}
		}
		return CheckResult{
			Allowed:       false,
			Reason:        fmt.Sprintf("person resolution failed: %s", res.Error),
			RequiredLevel: required,
			Sensitive:     sensitive,
			Resolution:    &res,
		}
	}

	if c.cfg.VerifyPatientLink && claims.SmartPatient != "" && !res.LinkVerified {
		return CheckResult{
			Allowed:       false,
			Reason:        fmt.Sprintf("patient %s not linked to Person %s", claims.SmartPatient, res.Person.ID),
			RequiredLevel: required,
			Sensitive:     sensitive,
			Resolution:    &res,
		}
	}

	var actual Level
	actualValue := 0
	if res.Validated != nil {
		actual = res.Validated.Level
		actualValue = res.Validated.LevelValue
	}

	if actualValue < required.Value() {
		label := string(actual)
		if label == "" {
			label = "unknown"
		}
		return CheckResult{
			Allowed:       false,
			Reason:        fmt.Sprintf("assurance %s does not meet required %s for resource %s", label, required, resourceType),
			ActualLevel:   actual,
			RequiredLevel: required,
			Sensitive:     sensitive,
			Resolution:    &res,
		}
	}

	return CheckResult{
		Allowed:       true,
		Reason:        fmt.Sprintf("assurance %s meets required %s", actual, required),
		ActualLevel:   actual,
		RequiredLevel: required,
		Sensitive:     sensitive,
		Resolution:    &res,
	}
}

// VerifyPatientLink answers only whether the token's patient context is
// linked to the fhirUser Person, without level grading.
func (c *Checker) VerifyPatientLink(ctx context.Context, claims *token.Claims, serverName, serverURL, authHeader string) (bool, string) {
	if claims.SmartPatient == "" {
		return true, "no patient context to verify"
	}
	if !strings.Contains(claims.SmartFHIRUser, "Person/") {
		return true, "fhirUser is not a Person reference"
	}

	res := c.Resolve(ctx, claims, serverName, serverURL, authHeader)
	if !res.Success {
		if c.cfg.AllowOnLookupFailure {
			return true, fmt.Sprintf("person lookup failed, allowing: %s", res.Error)
		}
		return false, fmt.Sprintf("person lookup failed: %s", res.Error)
	}
	if !res.LinkVerified {
		return false, fmt.Sprintf("patient %s not linked to Person %s", claims.SmartPatient, res.Person.ID)
	}
	return true, fmt.Sprintf("patient %s verified via Person link", claims.SmartPatient)
}
