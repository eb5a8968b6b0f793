// Package proxy forwards FHIR requests from SMART apps to registered
// upstream servers. Requests pass through version validation, bearer
// authentication, and consent enforcement before anything touches the
// upstream; response bodies come back with every upstream base URL
// rewritten to the proxy's own so Bundle links and references keep
// resolving through the proxy.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/proxy-smart/proxy-smart/internal/consent"
	"github.com/proxy-smart/proxy-smart/internal/ial"
	"github.com/proxy-smart/proxy-smart/internal/mtls"
	"github.com/proxy-smart/proxy-smart/internal/registry"
	"github.com/proxy-smart/proxy-smart/internal/smartconfig"
	"github.com/proxy-smart/proxy-smart/internal/token"
)

// Options carry the proxy's own identity and the FHIR versions it accepts
// in the path.
type Options struct {
	BaseURL           string
	AppName           string
	SupportedVersions []string
	UpstreamTimeout   time.Duration
}

// Handler is the FHIR resource proxy.
type Handler struct {
	opts      Options
	registry  *registry.Registry
	mtls      *mtls.Store
	consent   *consent.Engine
	ial       *ial.Checker
	validator *token.Validator
	smartcfg  *smartconfig.Service
	plain     *http.Client
	logger    zerolog.Logger
}

func NewHandler(opts Options, reg *registry.Registry, store *mtls.Store, engine *consent.Engine, validator *token.Validator, smartcfg *smartconfig.Service, logger zerolog.Logger) *Handler {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 30 * time.Second
	}
	return &Handler{
		opts:      opts,
		registry:  reg,
		mtls:      store,
		consent:   engine,
		validator: validator,
		smartcfg:  smartcfg,
		plain:     &http.Client{Timeout: opts.UpstreamTimeout},
		logger:    logger,
	}
}

// SetIALChecker enables identity assurance checks on proxied requests. A nil
// checker leaves them off.
func (h *Handler) SetIALChecker(checker *ial.Checker) {
	h.ial = checker
}

// Register mounts the proxy routes on g, which is expected to be the
// /{appName} group.
func (h *Handler) Register(g *echo.Group) {
	base := g.Group("/:server_name/:fhir_version")

	base.GET("/.well-known/smart-configuration", h.SmartConfiguration)
	base.POST("/cache/refresh", h.CacheRefresh)
	base.OPTIONS("", h.Preflight)
	base.OPTIONS("/*", h.Preflight)

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		base.Add(method, "", h.Proxy)
		base.Add(method, "/*", h.Proxy)
	}
}

// SmartConfiguration serves the per-server SMART well-known document.
func (h *Handler) SmartConfiguration(c echo.Context) error {
	setCORS(c, "GET, OPTIONS")
	return c.JSON(http.StatusOK, h.smartcfg.Configuration())
}

// Preflight answers CORS preflight requests with an empty body.
func (h *Handler) Preflight(c echo.Context) error {
	setCORS(c, "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	return c.NoContent(http.StatusNoContent)
}

// CacheRefresh re-fetches the server's capability statement and replaces
// the cached registry entry. Requires a valid bearer token.
func (h *Handler) CacheRefresh(c echo.Context) error {
	raw := bearerToken(c)
	if raw == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "authentication required"})
	}
	if _, err := h.validator.Validate(raw); err != nil {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
	}

	serverName := c.Param("server_name")
	ctx := c.Request().Context()
	if h.registry.Get(ctx, serverName) == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": fmt.Sprintf("FHIR server %q not found", serverName)})
	}

	info, err := h.registry.Refresh(ctx, serverName)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to refresh server cache", "details": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":    true,
		"message":    "FHIR server cache refreshed successfully",
		"serverInfo": info,
	})
}

// Proxy runs the request pipeline: version check, authentication, consent,
// target resolution, forwarding, and response rewriting.
func (h *Handler) Proxy(c echo.Context) error {
	serverName := c.Param("server_name")
	fhirVersion := c.Param("fhir_version")
	resourcePath := strings.TrimPrefix(c.Param("*"), "/")
	req := c.Request()

	if !h.versionSupported(fhirVersion) {
		setCORS(c, "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		return c.JSON(http.StatusBadRequest, echo.Map{"error": fmt.Sprintf("Unsupported FHIR version: %s", fhirVersion)})
	}

	ctx := req.Context()
	server := h.registry.Get(ctx, serverName)
	if server == nil {
		setCORS(c, "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		return c.JSON(http.StatusNotFound, echo.Map{"error": fmt.Sprintf("FHIR server '%s' not found", serverName)})
	}

	// The capability statement is public; everything else needs a token.
	var claims *token.Claims
	authHeader := req.Header.Get(echo.HeaderAuthorization)
	if !isMetadataRequest(req.Method, resourcePath) {
		if authHeader == "" {
			setCORS(c, "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Authentication required"})
		}
		raw := strings.TrimPrefix(authHeader, "Bearer ")
		var err error
		claims, err = h.validator.Validate(raw)
		if err != nil {
			setCORS(c, "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
		}
	}

	if claims != nil && h.ial != nil {
		check := h.ial.Check(ctx, claims, serverName, server.URL, resourceType(resourcePath), authHeader)
		if !check.Allowed {
			setCORS(c, "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			return c.JSON(http.StatusForbidden, echo.Map{
				"error":         "insufficient_identity_assurance",
				"message":       check.Reason,
				"requiredLevel": check.RequiredLevel,
				"actualLevel":   check.ActualLevel,
			})
		}
	}

	if claims != nil {
		result := h.consent.Check(ctx, claims, serverName, server.URL, resourcePath, req.Method, authHeader)
		if result.Blocks(h.consent.Mode()) {
			setCORS(c, "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			return c.JSON(http.StatusForbidden, echo.Map{
				"error":        "consent_denied",
				"message":      result.Reason,
				"consentId":    result.ConsentID,
				"patientId":    result.Context.PatientID,
				"clientId":     result.Context.ClientID,
				"resourceType": result.Context.ResourceType,
			})
		}
	}

	upstreamBase := strings.TrimSuffix(server.URL, "/")
	target := upstreamBase
	if resourcePath != "" {
		target += "/" + resourcePath
	}
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target, requestBody(req))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to proxy FHIR request", "details": err.Error()})
	}
	copyRequestHeaders(out, req)
	out.Header.Set("Accept", "application/fhir+json")

	resp, err := h.clientFor(c, server, target).Do(out)
	if err != nil {
		h.logger.Error().Err(err).Str("server", serverName).Str("target", target).Msg("fhir proxy upstream call failed")
		setCORS(c, "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to proxy FHIR request", "details": err.Error()})
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to proxy FHIR request", "details": err.Error()})
	}

	proxyBase := fmt.Sprintf("%s/%s/%s/%s",
		strings.TrimSuffix(h.opts.BaseURL, "/"), h.opts.AppName, serverName, fhirVersion)
	rewritten := bytes.ReplaceAll(body, []byte(upstreamBase), []byte(proxyBase))

	hdr := c.Response().Header()
	for _, name := range []string{"Content-Type", "Etag", "Location"} {
		if v := resp.Header.Get(name); v != "" {
			hdr.Set(name, rewriteHeaderValue(name, v, upstreamBase, proxyBase))
		}
	}
	setCORS(c, "GET,POST,PUT,PATCH,DELETE,OPTIONS")

	return c.Blob(resp.StatusCode, resp.Header.Get("Content-Type"), rewritten)
}

// clientFor picks the mTLS transport when the server has a complete enabled
// configuration and the target is https; everything else uses the plain
// client. Transports are built per request so certificate rotations take
// effect immediately.
func (h *Handler) clientFor(c echo.Context, server *registry.ServerInfo, target string) *http.Client {
	if h.mtls == nil || !strings.HasPrefix(target, "https://") {
		return h.plain
	}
	transport, err := h.mtls.TransportFor(c.Request().Context(), server.Identifier)
	if err != nil || transport == nil {
		return h.plain
	}
	return &http.Client{Transport: transport, Timeout: h.opts.UpstreamTimeout}
}

func (h *Handler) versionSupported(v string) bool {
	for _, s := range h.opts.SupportedVersions {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// resourceType extracts the leading path segment ("Patient/p1" -> "Patient").
func resourceType(resourcePath string) string {
	if i := strings.IndexAny(resourcePath, "/?#"); i >= 0 {
		return resourcePath[:i]
	}
	return resourcePath
}

func isMetadataRequest(method, resourcePath string) bool {
	return method == http.MethodGet &&
		(resourcePath == "metadata" || strings.HasSuffix(resourcePath, "/metadata"))
}

func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if auth == "" {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}

func requestBody(req *http.Request) io.Reader {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return req.Body
	}
	return nil
}

// copyRequestHeaders forwards the caller's headers except hop-by-hop ones.
func copyRequestHeaders(out, in *http.Request) {
	for name, values := range in.Header {
		switch strings.ToLower(name) {
		case "host", "connection":
			continue
		}
		for _, v := range values {
			out.Header.Add(name, v)
		}
	}
}

// rewriteHeaderValue applies base-URL substitution to Location headers so a
// created resource's URL points back through the proxy.
func rewriteHeaderValue(name, value, upstreamBase, proxyBase string) string {
	if strings.EqualFold(name, "Location") {
		return strings.ReplaceAll(value, upstreamBase, proxyBase)
	}
	return value
}

func setCORS(c echo.Context, methods string) {
	hdr := c.Response().Header()
	hdr.Set(echo.HeaderAccessControlAllowOrigin, "*")
	hdr.Set(echo.HeaderAccessControlAllowMethods, methods)
	hdr.Set(echo.HeaderAccessControlAllowHeaders, "Content-Type, Authorization")
}
