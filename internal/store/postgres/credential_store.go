package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/algobot/internal/domain"
)

// CredentialStore keeps sealed broker sessions in broker_credentials. It
// never sees plaintext; sealing happens in the crypto vault.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a CredentialStore.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

func (s *CredentialStore) Put(ctx context.Context, userID string, sealed []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broker_credentials (user_id, sealed) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET sealed = EXCLUDED.sealed, updated_at = NOW()`,
		userID, sealed)
	if err != nil {
		return fmt.Errorf("postgres: put credentials %s: %w", userID, err)
	}
	return nil
}

func (s *CredentialStore) Get(ctx context.Context, userID string) ([]byte, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx, `SELECT sealed FROM broker_credentials WHERE user_id = $1`, userID).Scan(&sealed)
	if notFound(err) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get credentials %s: %w", userID, err)
	}
	return sealed, nil
}

var _ domain.CredentialStore = (*CredentialStore)(nil)
