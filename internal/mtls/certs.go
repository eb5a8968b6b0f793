package mtls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCertificateFormat indicates an uploaded PEM could not be parsed.
var ErrInvalidCertificateFormat = errors.New("invalid certificate format")

// ParseCertificate extracts subject, issuer, validity window, and a SHA-256
// fingerprint from PEM-encoded certificate content. Bare base64 without PEM
// armor is tolerated, matching what browser uploads tend to produce.
func ParseCertificate(pemContent string) (*CertDetails, error) {
	clean := strings.TrimSpace(pemContent)
	if !strings.Contains(clean, "-----BEGIN CERTIFICATE-----") {
		clean = "-----BEGIN CERTIFICATE-----\n" + clean + "\n-----END CERTIFICATE-----"
	}

	block, _ := pem.Decode([]byte(clean))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidCertificateFormat)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificateFormat, err)
	}

	return &CertDetails{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		ValidFrom:   cert.NotBefore,
		ValidTo:     cert.NotAfter,
		Fingerprint: fingerprint(cert.Raw),
	}, nil
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return "SHA256:" + strings.Join(parts, ":")
}

// ValidateCertificate checks current-time validity of the certificate and,
// when a CA bundle is supplied, verifies the chain against it. The returned
// slice lists every problem found; an empty slice means the certificate is
// usable.
func ValidateCertificate(certPEM, caPEM string, now time.Time) []string {
	var problems []string

	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return []string{"invalid certificate format: no PEM block found"}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return []string{fmt.Sprintf("invalid certificate format: %v", err)}
	}

	if now.Before(cert.NotBefore) {
		problems = append(problems, "certificate is not yet valid")
	}
	if now.After(cert.NotAfter) {
		problems = append(problems, "certificate has expired")
	}

	if caPEM != "" {
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM([]byte(caPEM)) {
			problems = append(problems, "invalid CA certificate format")
		} else {
			opts := x509.VerifyOptions{
				Roots:       roots,
				CurrentTime: now,
				KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
			}
			if _, err := cert.Verify(opts); err != nil {
				problems = append(problems, "certificate is not signed by the provided CA")
			}
		}
	}

	return problems
}
