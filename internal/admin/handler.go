// Package admin exposes the management surface consumed by operator
// tooling: FHIR server registration, mTLS credential management, and cache
// control. Every route requires a valid bearer token.
package admin

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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

// Handler wires the admin routes to the proxy's shared components.
type Handler struct {
	baseURL   string
	appName   string
	registry  *registry.Registry
	mtls      *mtls.Store
	consent   *consent.Engine
	ial       *ial.Checker
	smartcfg  *smartconfig.Service
	validator *token.Validator
	logger    zerolog.Logger
}

func NewHandler(baseURL, appName string, reg *registry.Registry, store *mtls.Store, engine *consent.Engine, checker *ial.Checker, smartcfg *smartconfig.Service, validator *token.Validator, logger zerolog.Logger) *Handler {
	return &Handler{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		appName:   appName,
		registry:  reg,
		mtls:      store,
		consent:   engine,
		ial:       checker,
		smartcfg:  smartcfg,
		validator: validator,
		logger:    logger,
	}
}

// Register mounts the admin routes on g, guarded by bearer authentication.
func (h *Handler) Register(g *echo.Group) {
	g.Use(h.requireAuth)

	g.GET("/fhir-servers", h.ListServers)
	g.POST("/fhir-servers", h.AddServer)
	g.GET("/fhir-servers/:server_id", h.GetServer)
	g.PUT("/fhir-servers/:server_id", h.UpdateServer)

	g.GET("/fhir-servers/:server_id/mtls", h.GetMTLS)
	g.PUT("/fhir-servers/:server_id/mtls", h.SetMTLSEnabled)
	g.POST("/fhir-servers/:server_id/mtls/certificates", h.UploadCertificate)
	g.GET("/fhir-servers/:server_id/mtls/status", h.MTLSStatus)
	g.GET("/mtls/expiring", h.ExpiringCertificates)

	g.GET("/consent/cache/stats", h.ConsentCacheStats)
	g.POST("/consent/cache/invalidate", h.InvalidateConsentCache)
	g.POST("/ial/cache/clear", h.ClearPersonCache)
	g.POST("/smart-config/refresh", h.RefreshSmartConfig)
}

func (h *Handler) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		if auth == "" {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "Authentication required"})
		}
		raw := strings.TrimPrefix(auth, "Bearer ")
		if _, err := h.validator.Validate(raw); err != nil {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
		}
		return next(c)
	}
}

// serverView shapes a registry entry for admin responses, including the
// proxy-facing endpoints clients should be handed.
func (h *Handler) serverView(info *registry.ServerInfo) echo.Map {
	base := registry.ProxyBase(h.baseURL, h.appName, info)
	return echo.Map{
		"id":            info.Identifier,
		"name":          info.Name,
		"url":           info.URL,
		"fhirVersion":   info.FHIRVersion,
		"serverName":    info.SoftwareName,
		"serverVersion": info.SoftwareVersion,
		"supported":     info.Supported,
		"endpoints": echo.Map{
			"base":        base,
			"smartConfig": base + "/.well-known/smart-configuration",
			"metadata":    base + "/metadata",
		},
	}
}

type serverRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// AddServer registers a new upstream after validating its capability
// statement.
func (h *Handler) AddServer(c echo.Context) error {
	var req serverRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid URL format"})
	}

	info, err := h.registry.Add(c.Request().Context(), req.URL, req.Name)
	if err != nil {
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "FHIR server added successfully",
		"server":  h.serverView(info),
	})
}

// UpdateServer re-validates and replaces a registered server's URL.
func (h *Handler) UpdateServer(c echo.Context) error {
	var req serverRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Invalid URL format"})
	}

	info, err := h.registry.Update(c.Request().Context(), c.Param("server_id"), req.URL, req.Name)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
		}
		return h.serverError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "FHIR server updated successfully",
		"server":  h.serverView(info),
	})
}

func (h *Handler) serverError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, registry.ErrUnreachableServer):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Unable to connect to FHIR server or server is not responding", "details": err.Error()})
	case errors.Is(err, registry.ErrInvalidFhirServer):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "Server is not a valid FHIR server", "details": err.Error()})
	}
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to process FHIR server", "details": err.Error()})
}

func (h *Handler) ListServers(c echo.Context) error {
	servers := h.registry.List(c.Request().Context())
	out := make([]echo.Map, 0, len(servers))
	for i := range servers {
		out = append(out, h.serverView(&servers[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"servers": out, "total": len(out)})
}

func (h *Handler) GetServer(c echo.Context) error {
	info := h.registry.Get(c.Request().Context(), c.Param("server_id"))
	if info == nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": fmt.Sprintf("FHIR server '%s' not found", c.Param("server_id"))})
	}
	return c.JSON(http.StatusOK, h.serverView(info))
}

func hasCertificates(cfg *mtls.Config) echo.Map {
	return echo.Map{
		"clientCert": cfg.ClientCert != "",
		"clientKey":  cfg.ClientKey != "",
		"caCert":     cfg.CACert != "",
	}
}

// GetMTLS reports the mTLS configuration without ever returning key
// material.
func (h *Handler) GetMTLS(c echo.Context) error {
	cfg, err := h.mtls.GetConfig(c.Request().Context(), c.Param("server_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to get mTLS configuration"})
	}
	if cfg == nil {
		return c.JSON(http.StatusOK, echo.Map{
			"enabled":         false,
			"hasCertificates": echo.Map{"clientCert": false, "clientKey": false, "caCert": false},
		})
	}
	resp := echo.Map{
		"enabled":         cfg.Enabled,
		"hasCertificates": hasCertificates(cfg),
	}
	if cfg.CertDetails != nil {
		resp["certDetails"] = cfg.CertDetails
	}
	return c.JSON(http.StatusOK, resp)
}

type mtlsEnableRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) SetMTLSEnabled(c echo.Context) error {
	var req mtlsEnableRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	cfg, err := h.mtls.SetEnabled(c.Request().Context(), c.Param("server_id"), req.Enabled)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to update mTLS configuration"})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"message": "mTLS configuration updated successfully",
		"config": echo.Map{
			"enabled":         cfg.Enabled,
			"hasCertificates": hasCertificates(cfg),
		},
	})
}

type certificateUploadRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (h *Handler) UploadCertificate(c echo.Context) error {
	var req certificateUploadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	kind := mtls.CertKind(req.Type)
	switch kind {
	case mtls.KindClient, mtls.KindKey, mtls.KindCA:
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": `Invalid certificate type. Must be "client", "key", or "ca"`})
	}

	cfg, err := h.mtls.UploadCertificate(c.Request().Context(), c.Param("server_id"), kind, req.Content)
	if err != nil {
		if errors.Is(err, mtls.ErrInvalidCertificateFormat) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to upload certificate"})
	}

	resp := echo.Map{"success": true, "message": "certificate uploaded successfully"}
	if kind == mtls.KindClient && cfg.CertDetails != nil {
		resp["certDetails"] = cfg.CertDetails
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) MTLSStatus(c echo.Context) error {
	status, err := h.mtls.CertificateStatus(c.Request().Context(), c.Param("server_id"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to get certificate status"})
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) ExpiringCertificates(c echo.Context) error {
	days, _ := strconv.Atoi(c.QueryParam("days"))
	expiring, err := h.mtls.ExpiringCertificates(c.Request().Context(), days)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "Failed to list expiring certificates"})
	}
	out := make([]echo.Map, 0, len(expiring))
	for i := range expiring {
		out = append(out, echo.Map{
			"serverId":    expiring[i].ServerID,
			"certDetails": expiring[i].CertDetails,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"expiring": out, "total": len(out)})
}

func (h *Handler) ConsentCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"entries":   h.consent.Cache().Len(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type consentInvalidateRequest struct {
	PatientID  string `json:"patientId"`
	ServerName string `json:"serverName"`
	All        bool   `json:"all"`
}

// InvalidateConsentCache is the webhook target for consent-change
// notifications: by patient (optionally scoped to a server), by server, or
// the whole cache.
func (h *Handler) InvalidateConsentCache(c echo.Context) error {
	var req consentInvalidateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	cache := h.consent.Cache()
	var n int
	var msg string
	switch {
	case req.All:
		n = cache.Len()
		cache.Clear()
		msg = "consent cache cleared"
	case req.PatientID != "":
		n = cache.InvalidatePatient(req.PatientID, req.ServerName)
		msg = fmt.Sprintf("consent cache invalidated for patient %s", req.PatientID)
	case req.ServerName != "":
		n = cache.InvalidateServer(req.ServerName)
		msg = fmt.Sprintf("consent cache invalidated for server %s", req.ServerName)
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "one of patientId, serverName, or all is required"})
	}

	h.logger.Info().Str("patient_id", req.PatientID).Str("server", req.ServerName).Bool("all", req.All).Int("invalidated", n).Msg("consent cache invalidated via admin API")
	return c.JSON(http.StatusOK, echo.Map{
		"message":            msg,
		"entriesInvalidated": n,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ClearPersonCache(c echo.Context) error {
	n := h.ial.CacheLen()
	h.ial.ClearCache()
	return c.JSON(http.StatusOK, echo.Map{
		"message":        "person cache cleared",
		"entriesCleared": n,
	})
}

func (h *Handler) RefreshSmartConfig(c echo.Context) error {
	doc := h.smartcfg.Refresh()
	return c.JSON(http.StatusOK, echo.Map{
		"message":   "SMART configuration cache refreshed successfully",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"config":    doc,
	})
}
