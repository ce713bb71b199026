package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	keyCreated = "created"
	keyDeleted = "deleted"
)

// PersistentKeyStore implements KeyStore with a PostgreSQL backend. Keys are
// stored bcrypt-hashed; the plaintext only exists in the moment of creation
// and in the caller's hands.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPersistentKeyStore creates a PostgreSQL-backed key store.
func NewPersistentKeyStore(conn *Connection, logger *slog.Logger) *PersistentKeyStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &PersistentKeyStore{conn: conn, logger: logger}
}

// FindByKey retrieves an API key by its plaintext value using bcrypt hash
// comparison. All active keys are scanned and compared in-memory, which is
// acceptable for the expected key population (tens, not thousands).
// Returns (nil, false) if the key is unknown, inactive or expired.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*Key, bool) {
	if key == "" {
		return nil, false
	}

	query := selectKeyQuery + ` WHERE active = TRUE`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		s.logger.Error("failed to query API keys", slog.String("error", err.Error()))

		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	var found *Key

	for rows.Next() {
		apiKey, err := scanKey(rows)
		if err != nil {
			continue
		}

		// apiKey.Key holds the stored bcrypt hash at this point.
		if CompareAPIKeyHash(apiKey.Key, key) {
			apiKey.Key = MaskKey(key)
			found = apiKey

			break
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("failed to find API key", slog.String("error", err.Error()))

		return nil, false
	}

	if found == nil || !found.Usable(time.Now()) {
		return nil, false
	}

	return found, true
}

// Add stores a new API key. The plaintext key in apiKey.Key is hashed with
// bcrypt before storage and replaced with a masked version on return.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *Key) error {
	if apiKey == nil {
		return ErrKeyNil
	}

	// Bcrypt produces a fresh salt per hash, so duplicates can only be
	// detected by comparing against the existing active keys.
	if existing, found := s.FindByKey(ctx, apiKey.Key); found && existing != nil {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	if apiKey.ID == "" {
		apiKey.ID = uuid.NewString()
	}

	if apiKey.CreatedAt.IsZero() {
		apiKey.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO api_keys (id, key_hash, name, unrestricted, group_ids, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		apiKey.ID,
		keyHash,
		apiKey.Name,
		apiKey.Unrestricted,
		pq.Array(apiKey.GroupIDs),
		apiKey.CreatedAt,
		apiKey.ExpiresAt,
		apiKey.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.audit(ctx, keyCreated, apiKey)
	apiKey.Key = MaskKey(apiKey.Key)

	return nil
}

// Delete performs a soft delete by setting active = FALSE. The row is kept
// for the audit trail.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	result, err := s.conn.ExecContext(ctx, `UPDATE api_keys SET active = FALSE WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrKeyNotFound
	}

	s.audit(ctx, keyDeleted, &Key{ID: keyID})

	return nil
}

// List returns all active API keys with masked key material.
func (s *PersistentKeyStore) List(ctx context.Context) ([]*Key, error) {
	query := selectKeyQuery + ` WHERE active = TRUE ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*Key{}

	for rows.Next() {
		apiKey, err := scanKey(rows)
		if err != nil {
			continue
		}

		apiKey.Key = MaskKey(apiKey.Key)
		keys = append(keys, apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return keys, nil
}

// audit writes a best-effort audit entry; failures are logged, not propagated.
func (s *PersistentKeyStore) audit(ctx context.Context, operation string, apiKey *Key) {
	query := `
		INSERT INTO api_key_audit_log (api_key_id, operation, masked_key)
		VALUES ($1, $2, $3)
	`

	if _, err := s.conn.ExecContext(ctx, query, apiKey.ID, operation, MaskKey(apiKey.Key)); err != nil {
		s.logger.Error("failed to write API key audit entry",
			slog.String("operation", operation),
			slog.String("key_id", apiKey.ID),
			slog.String("error", err.Error()))
	}
}

const selectKeyQuery = `
	SELECT id, key_hash, name, unrestricted, group_ids, created_at, expires_at, active
	FROM api_keys
`

func scanKey(scanner rowScanner) (*Key, error) {
	var (
		apiKey    Key
		groupIDs  pq.Int64Array
		expiresAt sql.NullTime
	)

	err := scanner.Scan(
		&apiKey.ID,
		&apiKey.Key, // bcrypt hash; callers mask or discard it
		&apiKey.Name,
		&apiKey.Unrestricted,
		&groupIDs,
		&apiKey.CreatedAt,
		&expiresAt,
		&apiKey.Active,
	)
	if err != nil {
		return nil, err
	}

	apiKey.GroupIDs = groupIDs

	if expiresAt.Valid {
		apiKey.ExpiresAt = &expiresAt.Time
	}

	return &apiKey, nil
}
