package store

import (
	"context"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/policy"
)

// TrustStore persists the trust authority's durable state: issued
// certificates and uploaded policy documents. The routing core itself is
// memory-only; the store exists so identities and policies survive a
// process restart. Both SQLiteStore and PostgresStore implement this
// interface.
type TrustStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Certificate operations
	SaveCertificate(ctx context.Context, c *cert.Certificate) error
	GetCertificate(ctx context.Context, entityID string) (*cert.Certificate, error)
	RevokeCertificate(ctx context.Context, serial int64) error
	IsRevoked(ctx context.Context, serial int64) (bool, error)
	ListRevocations(ctx context.Context) ([]int64, error)
	CountCertificates(ctx context.Context) (int64, error)
	MaxSerial(ctx context.Context) (int64, error)

	// Policy operations
	SavePolicy(ctx context.Context, p *policy.Policy) error
	GetPolicy(ctx context.Context, entityID string) (*policy.Policy, error)
	ListPolicies(ctx context.Context) ([]*policy.Policy, error)
}
