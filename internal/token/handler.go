package token

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler exposes the OAuth2 proxy surface: authorize redirect, token
// exchange, introspection, and userinfo.
type Handler struct {
	provider  *OIDCProvider
	exchanger *Exchanger
	validator *Validator
	baseURL   string
	logger    zerolog.Logger
}

func NewHandler(provider *OIDCProvider, exchanger *Exchanger, validator *Validator, baseURL string, logger zerolog.Logger) *Handler {
	return &Handler{
		provider:  provider,
		exchanger: exchanger,
		validator: validator,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// Register mounts the auth routes on g.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/authorize", h.Authorize)
	g.GET("/login", h.Login)
	g.POST("/token", h.Token)
	g.OPTIONS("/token", h.preflight)
	g.POST("/introspect", h.Introspect)
	g.OPTIONS("/introspect", h.preflight)
	g.GET("/userinfo", h.Userinfo)
}

// Authorize redirects the caller to the identity provider's authorization
// endpoint with every query parameter passed through. SMART scopes travel
// as-is; the provider is configured to understand them.
func (h *Handler) Authorize(c echo.Context) error {
	target, err := url.Parse(h.provider.AuthorizationEndpoint)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "authorization endpoint misconfigured")
	}
	q := target.Query()
	for k, vs := range c.QueryParams() {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	target.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// Login is a convenience redirect for UIs: fills in default client and
// redirect parameters and forwards to the authorize endpoint.
func (h *Handler) Login(c echo.Context) error {
	q := c.QueryParams()
	clientID := q.Get("client_id")
	if clientID == "" {
		clientID = "admin-ui"
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = h.baseURL + "/"
	}

	target, err := url.Parse(h.provider.AuthorizationEndpoint)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "authorization endpoint misconfigured")
	}
	params := target.Query()
	params.Set("response_type", "code")
	params.Set("client_id", clientID)
	params.Set("redirect_uri", redirectURI)
	if scope := q.Get("scope"); scope != "" {
		params.Set("scope", scope)
	}
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// Token proxies the OAuth2 token exchange, augmenting successful responses
// with SMART launch context and authorization_details.
func (h *Handler) Token(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		setTokenHeaders(c)
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "could not parse form body",
		})
	}

	result, err := h.exchanger.Exchange(c.Request().Context(), form)
	setTokenHeaders(c)
	if err != nil {
		h.logger.Error().Err(err).Msg("token exchange failed")
		return c.JSON(http.StatusBadGateway, echo.Map{
			"error":             "temporarily_unavailable",
			"error_description": "identity provider unreachable",
		})
	}
	return c.JSON(result.Status, result.Body)
}

// Introspect passes the form body through to the identity provider's
// introspection endpoint and returns its JSON verbatim.
func (h *Handler) Introspect(c echo.Context) error {
	form, err := c.FormParams()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":             "invalid_request",
			"error_description": "could not parse form body",
		})
	}

	result, err := h.exchanger.Introspect(c.Request().Context(), form)
	if err != nil {
		h.logger.Error().Err(err).Msg("token introspection failed")
		return c.JSON(http.StatusBadGateway, echo.Map{
			"error":             "temporarily_unavailable",
			"error_description": "identity provider unreachable",
		})
	}
	return c.JSON(result.Status, result.Body)
}

// Userinfo builds a user profile from the caller's validated access token.
func (h *Handler) Userinfo(c echo.Context) error {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if authHeader == "" {
		// Advertise protected-resource metadata per RFC 9728.
		c.Response().Header().Set(echo.HeaderWWWAuthenticate,
			fmt.Sprintf("Bearer resource_metadata=%q", h.baseURL+"/.well-known/oauth-protected-resource"))
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	raw := strings.TrimPrefix(authHeader, "Bearer ")
	claims, err := h.validator.Validate(raw)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"id":        claims.Subject,
		"fhirUser":  claims.SmartFHIRUser,
		"name":      []echo.Map{{"text": claims.DisplayName()}},
		"username":  claims.PreferredUsername,
		"email":     claims.Email,
		"firstName": claims.GivenName,
		"lastName":  claims.FamilyName,
		"roles":     claims.RealmAccess.Roles,
	})
}

func (h *Handler) preflight(c echo.Context) error {
	setTokenHeaders(c)
	return c.NoContent(http.StatusNoContent)
}

// setTokenHeaders applies the cache headers RFC 6749 requires on token
// responses plus the CORS headers SMART browser clients need.
func setTokenHeaders(c echo.Context) {
	hdr := c.Response().Header()
	hdr.Set("Cache-Control", "no-store")
	hdr.Set("Pragma", "no-cache")
	hdr.Set(echo.HeaderAccessControlAllowOrigin, "*")
	hdr.Set(echo.HeaderAccessControlAllowMethods, "POST, OPTIONS")
	hdr.Set(echo.HeaderAccessControlAllowHeaders, "Content-Type, Authorization")
}
