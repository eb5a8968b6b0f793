package mtls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// selfSignedCert returns a PEM certificate and key valid for the given
// window.
func selfSignedCert(t *testing.T, notBefore, notAfter time.Time) (certPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "client.example.org", Organization: []string{"Test Org"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func newTestStore() *Store {
	return NewStore(NewMemoryBackend(), 30, zerolog.Nop())
}

func TestParseCertificate(t *testing.T) {
	certPEM, _ := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))

	details, err := ParseCertificate(certPEM)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if details.Subject == "" || details.Issuer == "" {
		t.Errorf("details = %+v", details)
	}
	if !stringsHasPrefix(details.Fingerprint, "SHA256:") {
		t.Errorf("Fingerprint = %q", details.Fingerprint)
	}
	if !details.ValidTo.After(details.ValidFrom) {
		t.Errorf("validity window inverted: %+v", details)
	}
}

func stringsHasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func TestParseCertificateGarbage(t *testing.T) {
	if _, err := ParseCertificate("not a certificate"); !errors.Is(err, ErrInvalidCertificateFormat) {
		t.Fatalf("err = %v, want ErrInvalidCertificateFormat", err)
	}
}

func TestValidateCertificateExpiry(t *testing.T) {
	now := time.Now()
	certPEM, _ := selfSignedCert(t, now.Add(-48*time.Hour), now.Add(-24*time.Hour))

	problems := ValidateCertificate(certPEM, "", now)
	if len(problems) != 1 || problems[0] != "certificate has expired" {
		t.Fatalf("problems = %v", problems)
	}
}

func TestValidateCertificateWrongCA(t *testing.T) {
	now := time.Now()
	certPEM, _ := selfSignedCert(t, now.Add(-time.Hour), now.Add(24*time.Hour))
	otherCA, _ := selfSignedCert(t, now.Add(-time.Hour), now.Add(24*time.Hour))

	problems := ValidateCertificate(certPEM, otherCA, now)
	if len(problems) == 0 {
		t.Fatal("expected chain verification failure against unrelated CA")
	}
}

func TestGetOrCreateIsLazy(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if cfg, err := s.GetConfig(ctx, "hapi"); err != nil || cfg != nil {
		t.Fatalf("GetConfig before create = (%v, %v)", cfg, err)
	}

	cfg, err := s.GetOrCreate(ctx, "hapi")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if cfg.Enabled {
		t.Fatal("new record must start disabled")
	}
	if cfg.ServerID != "hapi" {
		t.Fatalf("ServerID = %q", cfg.ServerID)
	}
}

func TestUploadCertificateParsesClientCert(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	certPEM, keyPEM := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(90*24*time.Hour))

	cfg, err := s.UploadCertificate(ctx, "hapi", KindClient, b64(certPEM))
	if err != nil {
		t.Fatalf("UploadCertificate(client): %v", err)
	}
	if cfg.CertDetails == nil || cfg.CertDetails.Fingerprint == "" {
		t.Fatal("client cert upload must populate details")
	}

	if _, err := s.UploadCertificate(ctx, "hapi", KindKey, b64(keyPEM)); err != nil {
		t.Fatalf("UploadCertificate(key): %v", err)
	}

	stored, err := s.GetConfig(ctx, "hapi")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if stored.ClientCert == "" || stored.ClientKey == "" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestUploadCertificateRejectsBadContent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if _, err := s.UploadCertificate(ctx, "hapi", KindClient, "%%%not-base64%%%"); !errors.Is(err, ErrInvalidCertificateFormat) {
		t.Fatalf("err = %v, want ErrInvalidCertificateFormat", err)
	}
	if _, err := s.UploadCertificate(ctx, "hapi", KindClient, b64("not a pem cert")); !errors.Is(err, ErrInvalidCertificateFormat) {
		t.Fatalf("err = %v, want ErrInvalidCertificateFormat", err)
	}
	if _, err := s.UploadCertificate(ctx, "hapi", CertKind("bogus"), b64("x")); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestHasValidConfig(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	certPEM, keyPEM := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(90*24*time.Hour))

	// Nothing stored yet.
	if ok, _ := s.HasValidConfig(ctx, "hapi"); ok {
		t.Fatal("empty store must not report valid config")
	}

	// Enabled but incomplete is unavailable, not an error.
	if _, err := s.SetEnabled(ctx, "hapi", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	ok, err := s.HasValidConfig(ctx, "hapi")
	if err != nil {
		t.Fatalf("HasValidConfig on incomplete record: %v", err)
	}
	if ok {
		t.Fatal("enabled-but-incomplete must read as unavailable")
	}

	if _, err := s.UploadCertificate(ctx, "hapi", KindClient, b64(certPEM)); err != nil {
		t.Fatalf("upload client: %v", err)
	}
	if _, err := s.UploadCertificate(ctx, "hapi", KindKey, b64(keyPEM)); err != nil {
		t.Fatalf("upload key: %v", err)
	}
	if ok, _ := s.HasValidConfig(ctx, "hapi"); !ok {
		t.Fatal("complete enabled config must be valid")
	}

	// Disabling turns it off regardless of content.
	if _, err := s.SetEnabled(ctx, "hapi", false); err != nil {
		t.Fatalf("SetEnabled(false): %v", err)
	}
	if ok, _ := s.HasValidConfig(ctx, "hapi"); ok {
		t.Fatal("disabled config must not be valid")
	}
}

func TestCertificateStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("not configured", func(t *testing.T) {
		s := newTestStore()
		st, err := s.CertificateStatus(ctx, "hapi")
		if err != nil {
			t.Fatalf("CertificateStatus: %v", err)
		}
		if st.Status != "not_configured" || st.IsValid {
			t.Fatalf("status = %+v", st)
		}
	})

	t.Run("valid", func(t *testing.T) {
		s := newTestStore()
		certPEM, _ := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(120*24*time.Hour))
		if _, err := s.UploadCertificate(ctx, "hapi", KindClient, b64(certPEM)); err != nil {
			t.Fatalf("upload: %v", err)
		}
		st, _ := s.CertificateStatus(ctx, "hapi")
		if st.Status != "valid" || !st.IsValid || st.DaysUntilExpiry == nil {
			t.Fatalf("status = %+v", st)
		}
	})

	t.Run("expiring soon", func(t *testing.T) {
		s := newTestStore()
		certPEM, _ := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(10*24*time.Hour))
		if _, err := s.UploadCertificate(ctx, "hapi", KindClient, b64(certPEM)); err != nil {
			t.Fatalf("upload: %v", err)
		}
		st, _ := s.CertificateStatus(ctx, "hapi")
		if st.Status != "expiring_soon" || !st.IsValid {
			t.Fatalf("status = %+v", st)
		}
	})

	t.Run("expired", func(t *testing.T) {
		s := newTestStore()
		certPEM, _ := selfSignedCert(t, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour))
		if _, err := s.UploadCertificate(ctx, "hapi", KindClient, b64(certPEM)); err != nil {
			t.Fatalf("upload: %v", err)
		}
		st, _ := s.CertificateStatus(ctx, "hapi")
		if st.Status != "expired" || st.IsValid {
			t.Fatalf("status = %+v", st)
		}
	})
}

func TestTransportForFallsBackToNil(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	certPEM, keyPEM := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(90*24*time.Hour))

	// No config at all.
	tr, err := s.TransportFor(ctx, "hapi")
	if err != nil || tr != nil {
		t.Fatalf("TransportFor(empty) = (%v, %v), want (nil, nil)", tr, err)
	}

	// Enabled but incomplete.
	if _, err := s.SetEnabled(ctx, "hapi", true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	tr, err = s.TransportFor(ctx, "hapi")
	if err != nil || tr != nil {
		t.Fatalf("TransportFor(incomplete) = (%v, %v), want (nil, nil)", tr, err)
	}

	// Complete and enabled.
	if _, err := s.UploadCertificate(ctx, "hapi", KindClient, b64(certPEM)); err != nil {
		t.Fatalf("upload client: %v", err)
	}
	if _, err := s.UploadCertificate(ctx, "hapi", KindKey, b64(keyPEM)); err != nil {
		t.Fatalf("upload key: %v", err)
	}
	tr, err = s.TransportFor(ctx, "hapi")
	if err != nil {
		t.Fatalf("TransportFor(complete): %v", err)
	}
	if tr == nil {
		t.Fatal("complete config must yield a transport")
	}
	if tr.TLSClientConfig == nil || len(tr.TLSClientConfig.Certificates) != 1 {
		t.Fatalf("tls config = %+v", tr.TLSClientConfig)
	}
	if tr.TLSClientConfig.InsecureSkipVerify {
		t.Fatal("server certificate verification must stay on")
	}
}

func TestExpiringCertificates(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	soon, _ := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(5*24*time.Hour))
	far, _ := selfSignedCert(t, time.Now().Add(-time.Hour), time.Now().Add(365*24*time.Hour))

	if _, err := s.UploadCertificate(ctx, "soon", KindClient, b64(soon)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := s.UploadCertificate(ctx, "far", KindClient, b64(far)); err != nil {
		t.Fatalf("upload: %v", err)
	}

	expiring, err := s.ExpiringCertificates(ctx, 30)
	if err != nil {
		t.Fatalf("ExpiringCertificates: %v", err)
	}
	if len(expiring) != 1 || expiring[0].ServerID != "soon" {
		t.Fatalf("expiring = %+v", expiring)
	}
}
