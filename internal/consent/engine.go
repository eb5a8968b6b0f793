package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/proxy-smart/proxy-smart/internal/token"
)

// Enforcement modes.
const (
	ModeDisabled  = "disabled"
	ModeAuditOnly = "audit-only"
	ModeEnforce   = "enforce"
)

// Decisions.
const (
	DecisionPermit = "permit"
	DecisionDeny   = "deny"
)

// Config controls consent enforcement. It is read on every check so a
// reloaded config takes effect immediately.
type Config struct {
	Enabled                  bool
	Mode                     string
	ExemptClients            []string
	ExemptResourceTypes      []string
	RequiredForResourceTypes []string
	CacheTTL                 time.Duration
}

// CheckContext is the per-request view the engine evaluates against.
type CheckContext struct {
	PatientID    string   `json:"patientId,omitempty"`
	ClientID     string   `json:"clientId"`
	ResourceType string   `json:"resourceType"`
	ResourceID   string   `json:"resourceId,omitempty"`
	Method       string   `json:"method"`
	ResourcePath string   `json:"resourcePath"`
	ServerName   string   `json:"serverName"`
	Scopes       []string `json:"scopes,omitempty"`
	FHIRUser     string   `json:"fhirUser,omitempty"`
}

// Result is the outcome of a single consent check.
type Result struct {
	Decision        string       `json:"decision"`
	ConsentID       string       `json:"consentId,omitempty"`
	Reason          string       `json:"reason"`
	Cached          bool         `json:"cached"`
	CheckDurationMs int64        `json:"checkDurationMs"`
	Context         CheckContext `json:"context"`
}

// Blocks reports whether the result should stop the request: only an
// enforced deny does; audit-only logs and lets the request through.
func (r Result) Blocks(mode string) bool {
	return r.Decision == DecisionDeny && mode == ModeEnforce
}

// Engine evaluates patient consent for proxied FHIR requests.
type Engine struct {
	cfg    Config
	cache  *Cache
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine builds an engine with its own cache sized by cfg.CacheTTL.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Engine{
		cfg:    cfg,
		cache:  NewCache(ttl),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

// Cache exposes the engine's cache for invalidation webhooks.
func (e *Engine) Cache() *Cache { return e.cache }

// Mode returns the effective enforcement mode.
func (e *Engine) Mode() string {
	if !e.cfg.Enabled {
		return ModeDisabled
	}
	if e.cfg.Mode == "" {
		return ModeAuditOnly
	}
	return e.cfg.Mode
}

// BuildContext derives the check context from token claims and the request
// path. Patient resolution order: launch-context claim, then a leading
// Patient/{id} path segment, else empty.
func BuildContext(claims *token.Claims, serverName, resourcePath, method string) CheckContext {
	resourceType, resourceID := splitResourcePath(resourcePath)

	patientID := ""
	if claims != nil && claims.SmartPatient != "" {
		patientID = claims.SmartPatient
	} else if resourceType == "Patient" && resourceID != "" {
		patientID = resourceID
	}

	ctx := CheckContext{
		PatientID:    patientID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Method:       method,
		ResourcePath: resourcePath,
		ServerName:   serverName,
	}
	if claims != nil {
		ctx.ClientID = claims.ClientID()
		ctx.FHIRUser = claims.SmartFHIRUser
		if claims.Scope != "" {
			ctx.Scopes = strings.Fields(claims.Scope)
		}
	}
	return ctx
}

func splitResourcePath(resourcePath string) (resourceType, resourceID string) {
	p := strings.TrimPrefix(resourcePath, "/")
	if idx := strings.IndexAny(p, "?#"); idx >= 0 {
		p = p[:idx]
	}
	parts := strings.Split(p, "/")
	if len(parts) > 0 {
		resourceType = parts[0]
	}
	if len(parts) > 1 {
		resourceID = parts[1]
	}
	return resourceType, resourceID
}

// Check runs the full consent decision for one request. authHeader is the
// caller's own Authorization header, reused to fetch Consent resources.
func (e *Engine) Check(ctx context.Context, claims *token.Claims, serverName, serverURL, resourcePath, method, authHeader string) Result {
	start := e.now()
	cc := BuildContext(claims, serverName, resourcePath, method)

	finish := func(r Result) Result {
		r.Context = cc
		r.CheckDurationMs = e.now().Sub(start).Milliseconds()
		e.audit(r)
		return r
	}

	// Skip conditions, in order. Any skip short-circuits to permit.
	if !e.cfg.Enabled || e.Mode() == ModeDisabled {
		return finish(Result{Decision: DecisionPermit, Reason: "consent enforcement disabled"})
	}
	if contains(e.cfg.ExemptClients, cc.ClientID) {
		return finish(Result{Decision: DecisionPermit, Reason: fmt.Sprintf("client %s is exempt", cc.ClientID)})
	}
	if containsFold(e.cfg.ExemptResourceTypes, cc.ResourceType) {
		return finish(Result{Decision: DecisionPermit, Reason: fmt.Sprintf("resource type %s is exempt", cc.ResourceType)})
	}
	if len(e.cfg.RequiredForResourceTypes) > 0 && !containsFold(e.cfg.RequiredForResourceTypes, cc.ResourceType) {
		return finish(Result{Decision: DecisionPermit, Reason: fmt.Sprintf("resource type %s does not require consent", cc.ResourceType)})
	}
	if cc.PatientID == "" {
		return finish(Result{Decision: DecisionPermit, Reason: "no patient context"})
	}

	key := Key{ServerName: serverName, PatientID: cc.PatientID, ClientID: cc.ClientID}
	consents, cached := e.cache.Get(key)
	if !cached {
		consents = e.fetchConsents(ctx, serverURL, cc.PatientID, authHeader)
		e.cache.Set(key, consents)
	}

	decision, consentID, reason := evaluate(consents, cc, e.now())
	return finish(Result{
		Decision:  decision,
		ConsentID: consentID,
		Reason:    reason,
		Cached:    cached,
	})
}

// fetchConsents pulls the patient's active Consent resources from the
// upstream server. Any failure yields an empty list: with no valid consent
// on record the evaluation defaults to deny, and the failure is flagged to
// operators at warn level.
func (e *Engine) fetchConsents(ctx context.Context, serverURL, patientID, authHeader string) []Consent {
	u := fmt.Sprintf("%s/Consent?patient=%s&status=active&_count=100",
		strings.TrimSuffix(serverURL, "/"), url.QueryEscape("Patient/"+patientID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		e.logger.Warn().Err(err).Str("patient_id", patientID).Msg("consent fetch request build failed, treating as zero consents")
		return nil
	}
	req.Header.Set("Accept", "application/fhir+json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn().Err(err).Str("patient_id", patientID).Msg("consent fetch failed, treating as zero consents")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Warn().Int("status", resp.StatusCode).Str("patient_id", patientID).Msg("consent fetch returned non-2xx, treating as zero consents")
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		e.logger.Warn().Err(err).Str("patient_id", patientID).Msg("consent fetch read failed, treating as zero consents")
		return nil
	}

	var b bundle
	if err := json.Unmarshal(body, &b); err != nil {
		e.logger.Warn().Err(err).Str("patient_id", patientID).Msg("consent bundle decode failed, treating as zero consents")
		return nil
	}

	consents := make([]Consent, 0, len(b.Entry))
	for _, entry := range b.Entry {
		if entry.Resource.ResourceType == "Consent" {
			consents = append(consents, entry.Resource)
		}
	}
	return consents
}

// evaluate walks the consent list in order. The first matching permit wins
// immediately; a matching deny sets the running decision but a later permit
// can still override it. No match at all is a deny.
func evaluate(consents []Consent, cc CheckContext, now time.Time) (decision, consentID, reason string) {
	decision = DecisionDeny
	reason = "no applicable consent on record"

	for _, c := range consents {
		if c.Status != "active" {
			continue
		}
		// An active consent with no provision is an unconditional grant.
		if c.Provision == nil {
			return DecisionPermit, c.ID, fmt.Sprintf("consent %s permits access to %s", c.ID, cc.ResourceType)
		}
		p := c.Provision
		if !actorMatches(p.Actor, cc.ClientID) {
			continue
		}
		if !p.Period.Active(now) {
			continue
		}
		if !classMatches(p.Class, cc.ResourceType) {
			continue
		}

		switch p.Type {
		case "deny":
			decision = DecisionDeny
			consentID = c.ID
			reason = fmt.Sprintf("consent %s denies access to %s", c.ID, cc.ResourceType)
		case "permit", "":
			// A provision without an explicit type defaults to permit.
			return DecisionPermit, c.ID, fmt.Sprintf("consent %s permits access to %s", c.ID, cc.ResourceType)
		}
	}
	return decision, consentID, reason
}

func (e *Engine) audit(r Result) {
	mode := e.Mode()
	enforced := mode == ModeEnforce

	ev := e.logger.Info()
	if r.Decision == DecisionDeny && enforced {
		ev = e.logger.Warn()
	}
	ev.Str("decision", r.Decision).
		Bool("enforced", enforced).
		Str("consent_id", r.ConsentID).
		Str("patient_id", r.Context.PatientID).
		Str("client_id", r.Context.ClientID).
		Str("resource_type", r.Context.ResourceType).
		Str("reason", r.Reason).
		Str("mode", mode).
		Bool("cached", r.Cached).
		Int64("duration_ms", r.CheckDurationMs).
		Msg("consent check")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
