package mtls

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Store manages per-server mTLS configurations on top of a pluggable Backend.
// It is the single source of truth for transport credentials; the proxy reads
// this state on every request and builds transports on demand.
type Store struct {
	backend           Backend
	expiryWarningDays int
	logger            zerolog.Logger
	now               func() time.Time
}

func NewStore(backend Backend, expiryWarningDays int, logger zerolog.Logger) *Store {
	if expiryWarningDays <= 0 {
		expiryWarningDays = 30
	}
	return &Store{
		backend:           backend,
		expiryWarningDays: expiryWarningDays,
		logger:            logger,
		now:               time.Now,
	}
}

// GetConfig returns the configuration for a server, or nil when none exists.
func (s *Store) GetConfig(ctx context.Context, serverID string) (*Config, error) {
	return s.backend.Get(ctx, serverID)
}

// GetOrCreate returns the configuration for a server, creating a disabled
// empty record on first access.
func (s *Store) GetOrCreate(ctx context.Context, serverID string) (*Config, error) {
	existing, err := s.backend.Get(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("load mtls config: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now()
	cfg := &Config{ServerID: serverID, Enabled: false, CreatedAt: now, UpdatedAt: now}
	if err := s.backend.Set(ctx, cfg); err != nil {
		return nil, fmt.Errorf("create mtls config: %w", err)
	}
	return cfg, nil
}

// UploadCertificate stores base64-encoded PEM content into the named slot.
// Client certificates are parsed so their details are available for display
// and expiry monitoring; an unparsable client certificate is rejected with
// ErrInvalidCertificateFormat.
func (s *Store) UploadCertificate(ctx context.Context, serverID string, kind CertKind, base64Content string) (*Config, error) {
	cfg, err := s.GetOrCreate(ctx, serverID)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindClient:
		pemContent, err := decodeBase64(base64Content)
		if err != nil {
			return nil, fmt.Errorf("%w: not valid base64", ErrInvalidCertificateFormat)
		}
		details, err := ParseCertificate(pemContent)
		if err != nil {
			return nil, err
		}
		cfg.ClientCert = base64Content
		cfg.CertDetails = details
	case KindKey:
		if _, err := decodeBase64(base64Content); err != nil {
			return nil, fmt.Errorf("%w: not valid base64", ErrInvalidCertificateFormat)
		}
		cfg.ClientKey = base64Content
	case KindCA:
		if _, err := decodeBase64(base64Content); err != nil {
			return nil, fmt.Errorf("%w: not valid base64", ErrInvalidCertificateFormat)
		}
		cfg.CACert = base64Content
	default:
		return nil, fmt.Errorf("invalid certificate kind %q", kind)
	}

	cfg.UpdatedAt = s.now()
	if err := s.backend.Set(ctx, cfg); err != nil {
		return nil, fmt.Errorf("store certificate: %w", err)
	}

	s.logger.Info().Str("server", serverID).Str("kind", string(kind)).Msg("mTLS certificate uploaded")
	return cfg, nil
}

// SetEnabled toggles mTLS for a server. Enabling with an incomplete
// certificate set is allowed; the transport builder treats such a record as
// "mTLS unavailable" until the missing pieces arrive.
func (s *Store) SetEnabled(ctx context.Context, serverID string, enabled bool) (*Config, error) {
	cfg, err := s.GetOrCreate(ctx, serverID)
	if err != nil {
		return nil, err
	}
	cfg.Enabled = enabled
	cfg.UpdatedAt = s.now()
	if err := s.backend.Set(ctx, cfg); err != nil {
		return nil, fmt.Errorf("update mtls config: %w", err)
	}
	s.logger.Info().Str("server", serverID).Bool("enabled", enabled).Msg("mTLS configuration updated")
	return cfg, nil
}

// Delete removes a server's configuration.
func (s *Store) Delete(ctx context.Context, serverID string) (bool, error) {
	deleted, err := s.backend.Delete(ctx, serverID)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info().Str("server", serverID).Msg("mTLS configuration deleted")
	}
	return deleted, nil
}

// List returns every stored configuration.
func (s *Store) List(ctx context.Context) ([]Config, error) {
	return s.backend.List(ctx)
}

// ExpiringCertificates lists configurations whose client certificate expires
// within the given number of days (the store's warning window when days <= 0).
func (s *Store) ExpiringCertificates(ctx context.Context, days int) ([]Config, error) {
	if days <= 0 {
		days = s.expiryWarningDays
	}
	return s.backend.ListExpiring(ctx, time.Duration(days)*24*time.Hour, s.now())
}

// HasValidConfig reports whether mTLS is enabled, complete, and unexpired for
// a server.
func (s *Store) HasValidConfig(ctx context.Context, serverID string) (bool, error) {
	cfg, err := s.backend.Get(ctx, serverID)
	if err != nil {
		return false, err
	}
	if cfg == nil || !cfg.Enabled || cfg.ClientCert == "" || cfg.ClientKey == "" {
		return false, nil
	}
	if cfg.CertDetails != nil && !cfg.CertDetails.ValidTo.IsZero() && cfg.CertDetails.ValidTo.Before(s.now()) {
		s.logger.Warn().
			Str("server", serverID).
			Time("valid_to", cfg.CertDetails.ValidTo).
			Msg("mTLS certificate has expired")
		return false, nil
	}
	return true, nil
}

// CertificateStatus reports expiry status for operational monitoring.
func (s *Store) CertificateStatus(ctx context.Context, serverID string) (*ExpiryStatus, error) {
	cfg, err := s.backend.Get(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.CertDetails == nil || cfg.CertDetails.ValidTo.IsZero() {
		return &ExpiryStatus{IsValid: false, Status: "not_configured"}, nil
	}

	days := int(cfg.CertDetails.ValidTo.Sub(s.now()).Hours() / 24)
	switch {
	case days < 0:
		return &ExpiryStatus{IsValid: false, DaysUntilExpiry: &days, Status: "expired"}, nil
	case days <= s.expiryWarningDays:
		return &ExpiryStatus{IsValid: true, DaysUntilExpiry: &days, Status: "expiring_soon"}, nil
	}
	return &ExpiryStatus{IsValid: true, DaysUntilExpiry: &days, Status: "valid"}, nil
}
