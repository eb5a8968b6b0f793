package mtls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

func decodeBase64(content string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// TransportFor builds an mTLS-bound http.Transport for the given server.
// It returns (nil, nil) when mTLS is disabled, incomplete, or the certificate
// fails validation — the caller falls back to a plain transport. Server
// certificate verification is always left on; an upstream is never trusted
// implicitly. Transports are built on demand and must not be cached across
// certificate rotations.
func (s *Store) TransportFor(ctx context.Context, serverID string) (*http.Transport, error) {
	cfg, err := s.backend.Get(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("load mtls config: %w", err)
	}
	if cfg == nil || !cfg.Enabled || cfg.ClientCert == "" || cfg.ClientKey == "" {
		return nil, nil
	}

	certPEM, err := decodeBase64(cfg.ClientCert)
	if err != nil {
		s.logger.Error().Err(err).Str("server", serverID).Msg("mTLS client cert is not valid base64")
		return nil, nil
	}
	keyPEM, err := decodeBase64(cfg.ClientKey)
	if err != nil {
		s.logger.Error().Err(err).Str("server", serverID).Msg("mTLS client key is not valid base64")
		return nil, nil
	}
	var caPEM string
	if cfg.CACert != "" {
		if caPEM, err = decodeBase64(cfg.CACert); err != nil {
			s.logger.Error().Err(err).Str("server", serverID).Msg("mTLS CA cert is not valid base64")
			return nil, nil
		}
	}

	if problems := ValidateCertificate(certPEM, caPEM, s.now()); len(problems) > 0 {
		s.logger.Error().
			Str("server", serverID).
			Strs("problems", problems).
			Msg("mTLS certificate validation failed")
		return nil, nil
	}

	pair, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
	if err != nil {
		s.logger.Error().Err(err).Str("server", serverID).Msg("failed to load mTLS key pair")
		return nil, nil
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}
	if caPEM != "" {
		roots := x509.NewCertPool()
		if roots.AppendCertsFromPEM([]byte(caPEM)) {
			tlsCfg.RootCAs = roots
		}
	}

	return &http.Transport{TLSClientConfig: tlsCfg}, nil
}
