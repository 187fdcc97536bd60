package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/policy"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS certificates (
		serial_number BIGINT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		bundle TEXT NOT NULL,
		issued_at BIGINT NOT NULL,
		valid_until BIGINT NOT NULL,
		revoked BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS policies (
		entity_id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		updated_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_certificates_entity ON certificates(entity_id, issued_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveCertificate records an issued certificate in its armored form.
func (s *PostgresStore) SaveCertificate(ctx context.Context, c *cert.Certificate) error {
	armored, err := c.Encode()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO certificates (serial_number, entity_id, bundle, issued_at, valid_until)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (serial_number) DO UPDATE SET bundle = EXCLUDED.bundle
	`, c.SerialNumber, c.EntityID, armored, c.IssuedAt, c.ValidUntil)
	return err
}

// GetCertificate retrieves the most recently issued, unrevoked certificate
// for an entity. Returns nil without error when none exists.
func (s *PostgresStore) GetCertificate(ctx context.Context, entityID string) (*cert.Certificate, error) {
	var bundle string
	err := s.pool.QueryRow(ctx, `
		SELECT bundle FROM certificates
		WHERE entity_id = $1 AND NOT revoked
		ORDER BY issued_at DESC, serial_number DESC
		LIMIT 1
	`, entityID).Scan(&bundle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cert.Decode(bundle)
}

// RevokeCertificate marks a certificate revoked by serial number.
func (s *PostgresStore) RevokeCertificate(ctx context.Context, serial int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE certificates SET revoked = TRUE WHERE serial_number = $1
	`, serial)
	return err
}

// IsRevoked reports whether a certificate serial has been revoked.
func (s *PostgresStore) IsRevoked(ctx context.Context, serial int64) (bool, error) {
	var revoked bool
	err := s.pool.QueryRow(ctx, `
		SELECT revoked FROM certificates WHERE serial_number = $1
	`, serial).Scan(&revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return revoked, nil
}

// ListRevocations returns the serials of every revoked certificate.
func (s *PostgresStore) ListRevocations(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT serial_number FROM certificates WHERE revoked`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var serials []int64
	for rows.Next() {
		var serial int64
		if err := rows.Scan(&serial); err != nil {
			return nil, err
		}
		serials = append(serials, serial)
	}
	return serials, rows.Err()
}

// CountCertificates returns the number of stored certificates.
func (s *PostgresStore) CountCertificates(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM certificates`).Scan(&count)
	return count, err
}

// MaxSerial returns the highest serial number issued so far, 0 when no
// certificates are stored.
func (s *PostgresStore) MaxSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(serial_number), 0) FROM certificates`).Scan(&serial)
	return serial, err
}

// SavePolicy upserts an entity's policy document.
func (s *PostgresStore) SavePolicy(ctx context.Context, p *policy.Policy) error {
	doc, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO policies (entity_id, document, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at
	`, p.EntityID(), string(doc), time.Now())
	return err
}

// GetPolicy retrieves an entity's policy. Returns nil without error when
// none exists.
func (s *PostgresStore) GetPolicy(ctx context.Context, entityID string) (*policy.Policy, error) {
	var doc string
	err := s.pool.QueryRow(ctx, `
		SELECT document FROM policies WHERE entity_id = $1
	`, entityID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return policy.Load([]byte(doc))
}

// ListPolicies returns every stored policy.
func (s *PostgresStore) ListPolicies(ctx context.Context) ([]*policy.Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM policies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*policy.Policy
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		p, err := policy.Load([]byte(doc))
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
