package mtls

import "time"

// CertDetails holds the parsed identity of an uploaded client certificate,
// extracted once at upload time for display and expiry monitoring.
type CertDetails struct {
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	ValidFrom   time.Time `json:"validFrom"`
	ValidTo     time.Time `json:"validTo"`
	Fingerprint string    `json:"fingerprint"`
}

// Config is the mTLS configuration for one upstream FHIR server. Certificate
// fields hold base64-encoded PEM and are independently settable; a client cert
// may be present without its key while an upload is in progress. Enabled is
// only operationally meaningful once both clientCert and clientKey are present
// and unexpired — an enabled-but-incomplete record means "mTLS unavailable",
// not an error.
type Config struct {
	ServerID    string       `json:"serverId"`
	Enabled     bool         `json:"enabled"`
	ClientCert  string       `json:"clientCert,omitempty"`
	ClientKey   string       `json:"clientKey,omitempty"`
	CACert      string       `json:"caCert,omitempty"`
	CertDetails *CertDetails `json:"certDetails,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// CertKind identifies which slot of a Config an uploaded PEM belongs to.
type CertKind string

const (
	KindClient CertKind = "client"
	KindKey    CertKind = "key"
	KindCA     CertKind = "ca"
)

// ExpiryStatus summarizes certificate validity for operational monitoring.
type ExpiryStatus struct {
	IsValid         bool   `json:"isValid"`
	DaysUntilExpiry *int   `json:"daysUntilExpiry"`
	Status          string `json:"status"` // valid | expiring_soon | expired | not_configured
}
