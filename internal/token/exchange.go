package token

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
)

// Location is one registered FHIR server as seen through the proxy, used to
// populate authorization_details entries.
type Location struct {
	ProxyBase   string
	FHIRVersion string
}

// LocationsFunc returns the proxy-facing locations of the registered FHIR
// servers, in registration order.
type LocationsFunc func(ctx context.Context) []Location

// AuthorizationDetail is an RFC 9396 authorization_details entry of type
// smart_on_fhir.
type AuthorizationDetail struct {
	Type         string   `json:"type"`
	Locations    []string `json:"locations"`
	FHIRVersions []string `json:"fhirVersions"`
	Scope        string   `json:"scope,omitempty"`
	Patient      string   `json:"patient,omitempty"`
	Encounter    string   `json:"encounter,omitempty"`
}

// formAliases maps camelCase field names some SMART clients send to the
// canonical OAuth2 form names forwarded to the identity provider.
var formAliases = map[string]string{
	"grantType":           "grant_type",
	"redirectUri":         "redirect_uri",
	"clientId":            "client_id",
	"clientSecret":        "client_secret",
	"codeVerifier":        "code_verifier",
	"refreshToken":        "refresh_token",
	"subjectToken":        "subject_token",
	"subjectTokenType":    "subject_token_type",
	"requestedTokenType":  "requested_token_type",
	"clientAssertion":     "client_assertion",
	"clientAssertionType": "client_assertion_type",
}

// forwardedFields is the set of canonical OAuth2 / RFC 8693 / RFC 8707
// fields the proxy forwards to the identity provider.
var forwardedFields = []string{
	"grant_type", "code", "redirect_uri", "client_id", "client_secret",
	"code_verifier", "refresh_token", "scope", "audience", "resource",
	"username", "password",
	"client_assertion_type", "client_assertion",
	"subject_token", "subject_token_type", "requested_token_type",
}

// CanonicalizeForm maps camelCase aliases onto canonical names and keeps
// only the OAuth2 fields the identity provider understands. Canonical names
// win over their aliases when both are present.
func CanonicalizeForm(in url.Values) url.Values {
	merged := url.Values{}
	for alias, canonical := range formAliases {
		if v := in.Get(alias); v != "" && in.Get(canonical) == "" {
			merged.Set(canonical, v)
		}
	}
	out := url.Values{}
	for _, f := range forwardedFields {
		if v := in.Get(f); v != "" {
			out.Set(f, v)
		} else if v := merged.Get(f); v != "" {
			out.Set(f, v)
		}
	}
	return out
}

// ExchangeResult carries the identity provider's response, augmented when
// the exchange succeeded.
type ExchangeResult struct {
	Status int
	Body   map[string]any
}

// Exchanger forwards token requests to the identity provider and augments
// successful responses with SMART launch context and authorization_details.
type Exchanger struct {
	provider  *OIDCProvider
	validator *Validator
	locations LocationsFunc
	client    *http.Client
	logger    zerolog.Logger
}

func NewExchanger(provider *OIDCProvider, validator *Validator, locations LocationsFunc, logger zerolog.Logger) *Exchanger {
	return &Exchanger{
		provider:  provider,
		validator: validator,
		locations: locations,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

// Exchange forwards the canonicalized form to the identity provider's token
// endpoint. Errors from the provider pass through with its status code; on
// a 200 with an access token the response gains the SMART launch-context
// fields (patient, encounter, fhirUser and friends) plus authorization_details.
func (x *Exchanger) Exchange(ctx context.Context, form url.Values) (ExchangeResult, error) {
	canonical := CanonicalizeForm(form)
	requestedScope := canonical.Get("scope")

	x.logger.Debug().
		Str("grant_type", canonical.Get("grant_type")).
		Str("client_id", canonical.Get("client_id")).
		Msg("forwarding token request to identity provider")

	status, body, err := x.postForm(ctx, x.provider.TokenEndpoint, canonical)
	if err != nil {
		return ExchangeResult{}, err
	}

	if errCode, _ := body["error"].(string); errCode != "" {
		x.logger.Warn().
			Str("error", errCode).
			Int("status", status).
			Msg("identity provider rejected token request")
		return ExchangeResult{Status: status, Body: body}, nil
	}

	accessToken, _ := body["access_token"].(string)
	if status == http.StatusOK && accessToken != "" {
		x.augment(ctx, body, accessToken, requestedScope)
	}

	return ExchangeResult{Status: status, Body: body}, nil
}

// Introspect forwards the form to the provider's introspection endpoint and
// passes the JSON response through.
func (x *Exchanger) Introspect(ctx context.Context, form url.Values) (ExchangeResult, error) {
	status, body, err := x.postForm(ctx, x.provider.IntrospectionEndpoint, form)
	if err != nil {
		return ExchangeResult{}, err
	}
	return ExchangeResult{Status: status, Body: body}, nil
}

func (x *Exchanger) postForm(ctx context.Context, endpoint string, form url.Values) (int, map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("building identity provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := x.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("reading identity provider response: %w", err)
	}

	body := map[string]any{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, nil, fmt.Errorf("identity provider returned non-JSON response (status %d)", resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}

// augment copies SMART launch-context claims into the token response and
// attaches authorization_details. A failure here is logged and the plain
// provider response still goes back to the client.
func (x *Exchanger) augment(ctx context.Context, body map[string]any, accessToken, requestedScope string) {
	claims, err := x.validator.Validate(accessToken)
	if err != nil {
		// The provider just issued this token over the back channel; fall
		// back to an unverified decode so key-rotation lag does not strip
		// the launch context.
		claims, err = Decode(accessToken)
		if err != nil {
			x.logger.Warn().Err(err).Msg("could not add launch context to token response")
			return
		}
	}

	if claims.SmartPatient != "" {
		body["patient"] = claims.SmartPatient
	}
	if claims.SmartEncounter != "" {
		body["encounter"] = claims.SmartEncounter
	}
	if claims.SmartFHIRUser != "" {
		body["fhirUser"] = x.absoluteFHIRUser(ctx, claims.SmartFHIRUser)
	}
	if fc, ok := claims.FHIRContext(); ok {
		body["fhirContext"] = fc
	}
	if claims.SmartIntent != "" {
		body["intent"] = claims.SmartIntent
	}
	if claims.SmartStyleURL != "" {
		body["smart_style_url"] = claims.SmartStyleURL
	}
	if claims.SmartTenant != "" {
		body["tenant"] = claims.SmartTenant
	}
	if banner, ok := claims.NeedPatientBanner(); ok {
		body["need_patient_banner"] = banner
	}

	// A smart_scope claim overrides whatever scope the provider returned;
	// failing that, echo the requested scope when the provider omitted one.
	if claims.SmartScope != "" {
		body["scope"] = claims.SmartScope
	} else if _, has := body["scope"]; !has && requestedScope != "" {
		body["scope"] = requestedScope
	}

	if details := x.authorizationDetails(ctx, claims); len(details) > 0 {
		body["authorization_details"] = details
	}
}

// absoluteFHIRUser rewrites a relative fhirUser reference such as
// Practitioner/123 to an absolute URL under the first registered server's
// proxy base. Absolute references pass through untouched.
func (x *Exchanger) absoluteFHIRUser(ctx context.Context, fhirUser string) string {
	if strings.HasPrefix(fhirUser, "http://") || strings.HasPrefix(fhirUser, "https://") {
		return fhirUser
	}
	locs := x.locations(ctx)
	if len(locs) == 0 {
		return fhirUser
	}
	return strings.TrimSuffix(locs[0].ProxyBase, "/") + "/" + strings.TrimPrefix(fhirUser, "/")
}

func (x *Exchanger) authorizationDetails(ctx context.Context, claims *Claims) []AuthorizationDetail {
	locs := x.locations(ctx)
	details := make([]AuthorizationDetail, 0, len(locs))
	for _, loc := range locs {
		d := AuthorizationDetail{
			Type:         "smart_on_fhir",
			Locations:    []string{loc.ProxyBase},
			FHIRVersions: []string{loc.FHIRVersion},
			Patient:      claims.SmartPatient,
			Encounter:    claims.SmartEncounter,
			Scope:        claims.SmartScope,
		}
		details = append(details, d)
	}
	return details
}
