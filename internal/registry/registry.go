package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrUnreachableServer indicates the upstream FHIR server could not be
	// reached (connection or timeout failure).
	ErrUnreachableServer = errors.New("fhir server unreachable")

	// ErrInvalidFhirServer indicates the upstream responded but its capability
	// statement is missing or malformed.
	ErrInvalidFhirServer = errors.New("not a valid FHIR server")
)

// ServerInfo describes one configured upstream FHIR server.
type ServerInfo struct {
	Identifier      string `json:"id"`
	Name            string `json:"name"`
	URL             string `json:"url"`
	FHIRVersion     string `json:"fhirVersion"`
	SoftwareName    string `json:"serverSoftwareName,omitempty"`
	SoftwareVersion string `json:"serverSoftwareVersion,omitempty"`
	Supported       bool   `json:"supported"`
}

type entry struct {
	info      ServerInfo
	fetchedAt time.Time
}

// Registry holds metadata for every configured upstream FHIR server, keyed by
// identifier. Reads are served from an in-memory cache populated lazily on
// first access and invalidated by TTL or explicit refresh.
type Registry struct {
	mu                sync.RWMutex
	servers           map[string]*entry
	seeds             []string
	initialized       bool
	ttl               time.Duration
	supportedVersions []string
	client            *http.Client
	logger            zerolog.Logger
	now               func() time.Time
}

func New(seeds []string, supportedVersions []string, ttl time.Duration, logger zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		servers:           make(map[string]*entry),
		seeds:             seeds,
		ttl:               ttl,
		supportedVersions: supportedVersions,
		client:            &http.Client{Timeout: 5 * time.Second},
		logger:            logger,
		now:               time.Now,
	}
}

// capabilityStatement is the subset of the FHIR CapabilityStatement the proxy
// cares about.
type capabilityStatement struct {
	ResourceType string `json:"resourceType"`
	FHIRVersion  string `json:"fhirVersion"`
	Software     struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"software"`
}

// fetchCapability retrieves and validates the capability statement at
// {base}/metadata.
func (r *Registry) fetchCapability(ctx context.Context, base string) (*capabilityStatement, error) {
	metadataURL := strings.TrimRight(base, "/") + "/metadata"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFhirServer, err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachableServer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: metadata returned status %d", ErrInvalidFhirServer, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachableServer, err)
	}

	var cap capabilityStatement
	if err := json.Unmarshal(body, &cap); err != nil {
		return nil, fmt.Errorf("%w: malformed capability statement: %v", ErrInvalidFhirServer, err)
	}
	if cap.ResourceType != "CapabilityStatement" || cap.FHIRVersion == "" {
		return nil, fmt.Errorf("%w: response is not a CapabilityStatement", ErrInvalidFhirServer)
	}
	return &cap, nil
}

// NormalizeVersion maps a FHIR version number to its release label, e.g.
// "4.0.1" to "R4". Unrecognized versions are returned as-is.
func NormalizeVersion(v string) string {
	switch {
	case strings.HasPrefix(v, "3."):
		return "STU3"
	case strings.HasPrefix(v, "4.3"):
		return "R4B"
	case strings.HasPrefix(v, "4."):
		return "R4"
	case strings.HasPrefix(v, "5."):
		return "R5"
	}
	return v
}

func (r *Registry) versionSupported(version string) bool {
	for _, v := range r.supportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// deriveIdentifier builds a stable, URL-safe identifier from the server URL.
func deriveIdentifier(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return slugify(serverURL)
	}
	return slugify(u.Host + u.Path)
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			b.WriteRune(c)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func (r *Registry) buildInfo(ctx context.Context, serverURL, name string) (*ServerInfo, error) {
	cap, err := r.fetchCapability(ctx, serverURL)
	if err != nil {
		return nil, err
	}

	version := NormalizeVersion(cap.FHIRVersion)
	id := name
	if id == "" {
		id = deriveIdentifier(serverURL)
	} else {
		id = slugify(id)
	}
	display := name
	if display == "" {
		display = id
	}

	return &ServerInfo{
		Identifier:      id,
		Name:            display,
		URL:             strings.TrimRight(serverURL, "/"),
		FHIRVersion:     version,
		SoftwareName:    cap.Software.Name,
		SoftwareVersion: cap.Software.Version,
		Supported:       r.versionSupported(version),
	}, nil
}

// Add validates the server at the given URL by fetching its capability
// statement and registers it. The optional name overrides the URL-derived
// identifier.
func (r *Registry) Add(ctx context.Context, serverURL, name string) (*ServerInfo, error) {
	info, err := r.buildInfo(ctx, serverURL, name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.servers[info.Identifier] = &entry{info: *info, fetchedAt: r.now()}
	r.mu.Unlock()

	r.logger.Info().
		Str("server", info.Identifier).
		Str("fhir_version", info.FHIRVersion).
		Bool("supported", info.Supported).
		Msg("registered FHIR server")
	return info, nil
}

// Update re-validates the server under an existing identifier, replacing its
// URL and metadata.
func (r *Registry) Update(ctx context.Context, id, serverURL, name string) (*ServerInfo, error) {
	r.mu.RLock()
	_, exists := r.servers[id]
	r.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("server %q not found", id)
	}

	info, err := r.buildInfo(ctx, serverURL, name)
	if err != nil {
		return nil, err
	}
	info.Identifier = id
	if name == "" {
		info.Name = id
	}

	r.mu.Lock()
	r.servers[id] = &entry{info: *info, fetchedAt: r.now()}
	r.mu.Unlock()
	return info, nil
}

// ensureInitialized registers the configured seed URLs on first access.
// Unreachable seeds are logged and skipped so one flaky upstream does not keep
// the proxy from starting.
func (r *Registry) ensureInitialized(ctx context.Context) {
	r.mu.RLock()
	done := r.initialized
	r.mu.RUnlock()
	if done {
		return
	}

	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return
	}
	r.initialized = true
	seeds := r.seeds
	r.mu.Unlock()

	for _, seed := range seeds {
		if _, err := r.Add(ctx, seed, ""); err != nil {
			r.logger.Warn().Err(err).Str("url", seed).Msg("failed to register seed FHIR server")
		}
	}
}

// Get returns the registered server, or nil when unknown. A TTL-expired entry
// triggers a synchronous re-fetch; if the upstream is temporarily unreachable
// the stale entry is returned instead.
func (r *Registry) Get(ctx context.Context, id string) *ServerInfo {
	r.ensureInitialized(ctx)

	r.mu.RLock()
	e, ok := r.servers[id]
	var stale bool
	var info ServerInfo
	if ok {
		info = e.info
		stale = r.now().Sub(e.fetchedAt) > r.ttl
	}
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	if stale {
		if refreshed, err := r.Refresh(ctx, id); err == nil {
			return refreshed
		}
		r.logger.Warn().Str("server", id).Msg("serving stale server metadata, refresh failed")
	}
	return &info
}

// List returns all registered servers.
func (r *Registry) List(ctx context.Context) []ServerInfo {
	r.ensureInitialized(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerInfo, 0, len(r.servers))
	for _, e := range r.servers {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Refresh re-fetches the capability statement for a registered server and
// updates the cached metadata.
func (r *Registry) Refresh(ctx context.Context, id string) (*ServerInfo, error) {
	r.mu.RLock()
	e, ok := r.servers[id]
	var serverURL, name string
	if ok {
		serverURL = e.info.URL
		name = e.info.Name
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server %q not found", id)
	}

	info, err := r.buildInfo(ctx, serverURL, name)
	if err != nil {
		return nil, err
	}
	info.Identifier = id

	r.mu.Lock()
	r.servers[id] = &entry{info: *info, fetchedAt: r.now()}
	r.mu.Unlock()
	return info, nil
}

// RefreshAll pre-warms the cache for every registered server. Used at startup
// so first requests do not pay the metadata round trip.
func (r *Registry) RefreshAll(ctx context.Context) {
	r.ensureInitialized(ctx)
	for _, info := range r.List(ctx) {
		if _, err := r.Refresh(ctx, info.Identifier); err != nil {
			r.logger.Warn().Err(err).Str("server", info.Identifier).Msg("refresh failed")
		}
	}
}

// ProxyBase returns the proxy-visible base URL for a registered server:
// {baseUrl}/{appName}/{identifier}/{fhirVersion}.
func ProxyBase(baseURL, appName string, info *ServerInfo) string {
	return fmt.Sprintf("%s/%s/%s/%s", strings.TrimRight(baseURL, "/"), appName, info.Identifier, info.FHIRVersion)
}
