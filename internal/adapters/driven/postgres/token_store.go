package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.TokenStore = (*TokenStore)(nil)

// TokenKeyPurpose is the HKDF purpose of the marketplace token key.
const TokenKeyPurpose = "marketplace-tokens"

const defaultTokenID = "default"

// TokenStore implements driven.TokenStore on the marketplace_tokens table.
// The token pair is stored as a single AES-GCM blob bound to the row id.
type TokenStore struct {
	db        *DB
	encryptor *SecretEncryptor
}

// NewTokenStore creates a new TokenStore
func NewTokenStore(db *DB, encryptor *SecretEncryptor) *TokenStore {
	return &TokenStore{db: db, encryptor: encryptor}
}

// Get returns the stored token or domain.ErrNotFound
func (s *TokenStore) Get(ctx context.Context) (*domain.MarketplaceToken, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM marketplace_tokens WHERE id = $1`, defaultTokenID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var token domain.MarketplaceToken
	if err := s.encryptor.Decrypt(blob, []byte(defaultTokenID), &token); err != nil {
		return nil, fmt.Errorf("decrypt marketplace token: %w", err)
	}
	return &token, nil
}

// Save encrypts and stores the token pair
func (s *TokenStore) Save(ctx context.Context, token *domain.MarketplaceToken) error {
	blob, err := s.encryptor.Encrypt(token, []byte(defaultTokenID))
	if err != nil {
		return fmt.Errorf("encrypt marketplace token: %w", err)
	}

	var expiresAt *time.Time
	if !token.ExpiresAt.IsZero() {
		expiresAt = &token.ExpiresAt
	}

	query := `
		INSERT INTO marketplace_tokens (id, secret, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			secret = EXCLUDED.secret,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, defaultTokenID, blob, NullTime(expiresAt), time.Now())
	return err
}
