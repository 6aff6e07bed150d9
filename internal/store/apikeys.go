package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marqueeapi/marquee/internal/model"
)

// apiKeyRow is a flat struct that maps 1:1 to the api_keys table columns.
// Permissions and metadata are stored as JSON text so every supported
// dialect can hold them without array or JSON column types.
type apiKeyRow struct {
	KeyID             string     `db:"key_id"`
	KeyHash           string     `db:"key_hash"`
	MaskedKey         string     `db:"masked_key"`
	Plan              string     `db:"plan_name"`
	PermissionsJSON   string     `db:"permissions_json"`
	RateLimitRequests int        `db:"rate_limit_requests"`
	RateLimitWindow   string     `db:"rate_limit_window"`
	Status            string     `db:"status"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	ExpiresAt         *time.Time `db:"expires_at"`
	LastUsedAt        *time.Time `db:"last_used_at"`
	CreatedBy         string     `db:"created_by"`
	Description       string     `db:"description"`
	MetadataJSON      string     `db:"metadata_json"`

	// ExpectedStatus is the compare-and-set guard for updates. It is not a
	// column.
	ExpectedStatus string `db:"expected_status"`
}

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	perms := k.Permissions
	if perms == nil {
		perms = []string{}
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal permissions: %w", err)
	}
	meta := k.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return apiKeyRow{
		KeyID:             k.KeyID,
		KeyHash:           k.KeyHash,
		MaskedKey:         k.MaskedKey,
		Plan:              string(k.Plan),
		PermissionsJSON:   string(permsJSON),
		RateLimitRequests: k.RateLimit.Requests,
		RateLimitWindow:   k.RateLimit.Window,
		Status:            string(k.Status),
		CreatedAt:         k.CreatedAt.UTC(),
		UpdatedAt:         k.UpdatedAt.UTC(),
		ExpiresAt:         utcPtr(k.ExpiresAt),
		LastUsedAt:        utcPtr(k.LastUsedAt),
		CreatedBy:         k.CreatedBy,
		Description:       k.Description,
		MetadataJSON:      string(metaJSON),
	}, nil
}

func (r apiKeyRow) toModel() (*model.APIKey, error) {
	var perms []string
	if r.PermissionsJSON != "" {
		if err := json.Unmarshal([]byte(r.PermissionsJSON), &perms); err != nil {
			return nil, fmt.Errorf("unmarshal permissions: %w", err)
		}
	}
	if perms == nil {
		perms = []string{}
	}
	meta := map[string]string{}
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &model.APIKey{
		KeyID:       r.KeyID,
		KeyHash:     r.KeyHash,
		MaskedKey:   r.MaskedKey,
		Plan:        model.Plan(r.Plan),
		Permissions: perms,
		RateLimit:   model.RateLimit{Requests: r.RateLimitRequests, Window: r.RateLimitWindow},
		Status:      model.KeyStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		ExpiresAt:   utcPtr(r.ExpiresAt),
		LastUsedAt:  utcPtr(r.LastUsedAt),
		CreatedBy:   r.CreatedBy,
		Description: r.Description,
		Metadata:    meta,
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

const apiKeyColumns = `key_id, key_hash, masked_key, plan_name, permissions_json, rate_limit_requests,
	rate_limit_window, status, created_at, updated_at, expires_at, last_used_at,
	created_by, description, metadata_json`

// CreateAPIKey inserts a new API key record. KeyID and KeyHash must already
// be set; a collision on either returns ErrConflict.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `INSERT INTO api_keys
		(key_id, key_hash, masked_key, plan_name, permissions_json, rate_limit_requests,
		 rate_limit_window, status, created_at, updated_at, expires_at, last_used_at,
		 created_by, description, metadata_json)
		VALUES
		(:key_id, :key_hash, :masked_key, :plan_name, :permissions_json, :rate_limit_requests,
		 :rate_limit_window, :status, :created_at, :updated_at, :expires_at, :last_used_at,
		 :created_by, :description, :metadata_json)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return s.wrap("insert api key", err)
	}
	return nil
}

// GetAPIKey returns an API key by its key ID.
func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "get api key", "key_id", keyID)
}

// GetAPIKeyByHash looks up an API key by the SHA-256 fingerprint of its
// plaintext value.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "get api key by hash", "key_hash", hash)
}

func (s *Store) getAPIKey(ctx context.Context, op, column, value string) (*model.APIKey, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row apiKeyRow
	q := s.db.Rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE " + column + " = ?")
	if err := s.db.GetContext(ctx, &row, q, value); err != nil {
		return nil, s.wrap(op, err)
	}
	return row.toModel()
}

// ListAPIKeys returns API keys, newest first. An empty status returns all.
func (s *Store) ListAPIKeys(ctx context.Context, status model.KeyStatus) ([]model.APIKey, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		rows []apiKeyRow
		err  error
	)
	base := "SELECT " + apiKeyColumns + " FROM api_keys"
	if status == "" {
		err = s.db.SelectContext(ctx, &rows, base+" ORDER BY created_at DESC, key_id")
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(base+" WHERE status = ? ORDER BY created_at DESC, key_id"), string(status))
	}
	if err != nil {
		return nil, s.wrap("list api keys", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, nil
}

// UpdateAPIKey writes the mutable fields of key, but only if the stored
// status still equals expected. It reports whether the row was updated; a
// false result means the key does not exist or its status changed
// concurrently.
func (s *Store) UpdateAPIKey(ctx context.Context, key *model.APIKey, expected model.KeyStatus) (bool, error) {
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return false, err
	}
	row.ExpectedStatus = string(expected)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	const q = `UPDATE api_keys SET
		plan_name = :plan_name, permissions_json = :permissions_json,
		rate_limit_requests = :rate_limit_requests, rate_limit_window = :rate_limit_window,
		status = :status, expires_at = :expires_at, description = :description,
		metadata_json = :metadata_json, updated_at = :updated_at
		WHERE key_id = :key_id AND status = :expected_status`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return false, s.wrap("update api key", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, s.wrap("update api key rows affected", err)
	}
	return n > 0, nil
}

// TransitionAPIKeyStatus atomically moves a key from one status to another.
// It reports false when the key does not exist or is not in status from.
func (s *Store) TransitionAPIKeyStatus(ctx context.Context, keyID string, from, to model.KeyStatus, at time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE api_keys SET status = ?, updated_at = ? WHERE key_id = ? AND status = ?"),
		string(to), at.UTC(), keyID, string(from))
	if err != nil {
		return false, s.wrap("transition api key status", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, s.wrap("transition api key rows affected", err)
	}
	return n > 0, nil
}

// TouchAPIKey sets the last_used_at timestamp for an API key.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE api_keys SET last_used_at = ? WHERE key_id = ?"), at.UTC(), keyID)
	if err != nil {
		return s.wrap("touch api key", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return s.wrap("touch api key rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAPIKeys returns the number of keys per status.
func (s *Store) CountAPIKeys(ctx context.Context) (map[model.KeyStatus]int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS n FROM api_keys GROUP BY status"); err != nil {
		return nil, s.wrap("count api keys", err)
	}
	out := make(map[model.KeyStatus]int, len(rows))
	for _, r := range rows {
		out[model.KeyStatus(r.Status)] = r.N
	}
	return out, nil
}
