package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/policy"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/meshlink.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/meshlink.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS certificates (
		serial_number INTEGER PRIMARY KEY,
		entity_id TEXT NOT NULL,
		bundle TEXT NOT NULL,
		issued_at INTEGER NOT NULL,
		valid_until INTEGER NOT NULL,
		revoked INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS policies (
		entity_id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_certificates_entity ON certificates(entity_id, issued_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveCertificate records an issued certificate in its armored form.
func (s *SQLiteStore) SaveCertificate(ctx context.Context, c *cert.Certificate) error {
	armored, err := c.Encode()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO certificates (serial_number, entity_id, bundle, issued_at, valid_until)
		VALUES (?, ?, ?, ?, ?)
	`, c.SerialNumber, c.EntityID, armored, c.IssuedAt, c.ValidUntil)
	return err
}

// GetCertificate retrieves the most recently issued, unrevoked certificate
// for an entity. Returns nil without error when none exists.
func (s *SQLiteStore) GetCertificate(ctx context.Context, entityID string) (*cert.Certificate, error) {
	var bundle string
	err := s.db.QueryRowContext(ctx, `
		SELECT bundle FROM certificates
		WHERE entity_id = ? AND revoked = 0
		ORDER BY issued_at DESC, serial_number DESC
		LIMIT 1
	`, entityID).Scan(&bundle)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return cert.Decode(bundle)
}

// RevokeCertificate marks a certificate revoked by serial number.
func (s *SQLiteStore) RevokeCertificate(ctx context.Context, serial int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE certificates SET revoked = 1 WHERE serial_number = ?
	`, serial)
	return err
}

// IsRevoked reports whether a certificate serial has been revoked.
func (s *SQLiteStore) IsRevoked(ctx context.Context, serial int64) (bool, error) {
	var revoked int
	err := s.db.QueryRowContext(ctx, `
		SELECT revoked FROM certificates WHERE serial_number = ?
	`, serial).Scan(&revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return revoked != 0, nil
}

// ListRevocations returns the serials of every revoked certificate.
func (s *SQLiteStore) ListRevocations(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT serial_number FROM certificates WHERE revoked = 1`)
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
func (s *SQLiteStore) CountCertificates(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM certificates`).Scan(&count)
	return count, err
}

// MaxSerial returns the highest serial number issued so far, 0 when no
// certificates are stored.
func (s *SQLiteStore) MaxSerial(ctx context.Context) (int64, error) {
	var serial int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(serial_number), 0) FROM certificates`).Scan(&serial)
	return serial, err
}

// SavePolicy upserts an entity's policy document.
func (s *SQLiteStore) SavePolicy(ctx context.Context, p *policy.Policy) error {
	doc, err := p.Marshal()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (entity_id, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at
	`, p.EntityID(), string(doc), time.Now())
	return err
}

// GetPolicy retrieves an entity's policy. Returns nil without error when
// none exists.
func (s *SQLiteStore) GetPolicy(ctx context.Context, entityID string) (*policy.Policy, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT document FROM policies WHERE entity_id = ?
	`, entityID).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return policy.Load([]byte(doc))
}

// ListPolicies returns every stored policy.
func (s *SQLiteStore) ListPolicies(ctx context.Context) ([]*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM policies`)
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
