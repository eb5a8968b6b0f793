package mtls

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgBackend struct{ pool *pgxpool.Pool }

// NewPostgresBackend returns a Backend persisting mTLS configurations in the
// mtls_configs table. Rows are upserted by server_id; no cross-row
// transactions are needed since records are replaced wholesale.
func NewPostgresBackend(pool *pgxpool.Pool) Backend {
	return &pgBackend{pool: pool}
}

const mtlsCols = `server_id, enabled, client_cert, client_key, ca_cert,
	cert_subject, cert_issuer, cert_valid_from, cert_valid_to, cert_fingerprint,
	created_at, updated_at`

func scanConfig(row pgx.Row) (*Config, error) {
	var cfg Config
	var clientCert, clientKey, caCert, subject, issuer, fp *string
	var validFrom, validTo *time.Time

	err := row.Scan(&cfg.ServerID, &cfg.Enabled, &clientCert, &clientKey, &caCert,
		&subject, &issuer, &validFrom, &validTo, &fp,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if clientCert != nil {
		cfg.ClientCert = *clientCert
	}
	if clientKey != nil {
		cfg.ClientKey = *clientKey
	}
	if caCert != nil {
		cfg.CACert = *caCert
	}
	if subject != nil {
		cfg.CertDetails = &CertDetails{Subject: *subject}
		if issuer != nil {
			cfg.CertDetails.Issuer = *issuer
		}
		if validFrom != nil {
			cfg.CertDetails.ValidFrom = *validFrom
		}
		if validTo != nil {
			cfg.CertDetails.ValidTo = *validTo
		}
		if fp != nil {
			cfg.CertDetails.Fingerprint = *fp
		}
	}
	return &cfg, nil
}

func (b *pgBackend) Get(ctx context.Context, serverID string) (*Config, error) {
	cfg, err := scanConfig(b.pool.QueryRow(ctx,
		`SELECT `+mtlsCols+` FROM mtls_configs WHERE server_id = $1`, serverID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return cfg, err
}

func (b *pgBackend) Set(ctx context.Context, cfg *Config) error {
	var subject, issuer, fp *string
	var validFrom, validTo *time.Time
	if cfg.CertDetails != nil {
		subject = &cfg.CertDetails.Subject
		issuer = &cfg.CertDetails.Issuer
		validFrom = &cfg.CertDetails.ValidFrom
		validTo = &cfg.CertDetails.ValidTo
		fp = &cfg.CertDetails.Fingerprint
	}

	_, err := b.pool.Exec(ctx, `
		INSERT INTO mtls_configs (server_id, enabled, client_cert, client_key, ca_cert,
			cert_subject, cert_issuer, cert_valid_from, cert_valid_to, cert_fingerprint,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (server_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			client_cert = EXCLUDED.client_cert,
			client_key = EXCLUDED.client_key,
			ca_cert = EXCLUDED.ca_cert,
			cert_subject = EXCLUDED.cert_subject,
			cert_issuer = EXCLUDED.cert_issuer,
			cert_valid_from = EXCLUDED.cert_valid_from,
			cert_valid_to = EXCLUDED.cert_valid_to,
			cert_fingerprint = EXCLUDED.cert_fingerprint,
			updated_at = EXCLUDED.updated_at`,
		cfg.ServerID, cfg.Enabled, nullable(cfg.ClientCert), nullable(cfg.ClientKey), nullable(cfg.CACert),
		subject, issuer, validFrom, validTo, fp,
		cfg.CreatedAt, cfg.UpdatedAt)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (b *pgBackend) Delete(ctx context.Context, serverID string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM mtls_configs WHERE server_id = $1`, serverID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (b *pgBackend) List(ctx context.Context) ([]Config, error) {
	rows, err := b.pool.Query(ctx, `SELECT `+mtlsCols+` FROM mtls_configs ORDER BY server_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConfigs(rows)
}

func (b *pgBackend) ListExpiring(ctx context.Context, within time.Duration, now time.Time) ([]Config, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT `+mtlsCols+` FROM mtls_configs
		WHERE enabled = true AND cert_valid_to IS NOT NULL AND cert_valid_to <= $1
		ORDER BY cert_valid_to ASC`, now.Add(within))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConfigs(rows)
}

func collectConfigs(rows pgx.Rows) ([]Config, error) {
	var out []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}
