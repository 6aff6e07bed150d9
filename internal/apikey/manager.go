// Package apikey is the authoritative source of API-key records. It
// creates, reads, updates, revokes, rotates and lazily expires keys, and
// resolves plaintext keys for the legacy authentication path.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"

	"github.com/marqueeapi/marquee/internal/model"
	"github.com/marqueeapi/marquee/internal/store"
)

var (
	ErrNotFound          = errors.New("api key not found")
	ErrInvalidState      = errors.New("api key is not active")
	ErrExpired           = errors.New("api key expired")
	ErrInvalidTransition = errors.New("invalid api key status transition")
	ErrValidation        = errors.New("invalid api key input")
	ErrConflict          = errors.New("api key was modified concurrently")
)

// Store is the persistence the Manager needs. *store.Store implements it.
type Store interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*model.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context, status model.KeyStatus) ([]model.APIKey, error)
	UpdateAPIKey(ctx context.Context, key *model.APIKey, expected model.KeyStatus) (bool, error)
	TransitionAPIKeyStatus(ctx context.Context, keyID string, from, to model.KeyStatus, at time.Time) (bool, error)
	TouchAPIKey(ctx context.Context, keyID string, at time.Time) error
}

const (
	DefaultCacheTTL  = 5 * time.Second
	DefaultCacheSize = 10000

	updateAttempts = 3
	touchTimeout   = 2 * time.Second
)

// Options configures a Manager.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
	// CacheTTL bounds how long a resolved key record is reused by Lookup.
	// Negative disables the cache.
	CacheTTL  time.Duration
	CacheSize int64
	// DisableTouch turns off last-used tracking on Lookup.
	DisableTouch bool
}

// Manager manages API-key records.
type Manager struct {
	store        Store
	now          func() time.Time
	logger       *slog.Logger
	cache        *ristretto.Cache[string, *model.APIKey]
	cacheTTL     time.Duration
	disableTouch bool
	touches      sync.WaitGroup

	// cacheGen counts invalidations. A lookup only caches what it read if
	// no invalidation happened between its store read and the cache write.
	cacheMu  sync.Mutex
	cacheGen uint64
}

// NewManager returns a Manager over s.
func NewManager(s Store, opts Options) (*Manager, error) {
	m := &Manager{
		store:        s,
		now:          opts.Now,
		logger:       opts.Logger,
		cacheTTL:     opts.CacheTTL,
		disableTouch: opts.DisableTouch,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.cacheTTL == 0 {
		m.cacheTTL = DefaultCacheTTL
	}
	if m.cacheTTL > 0 {
		size := opts.CacheSize
		if size <= 0 {
			size = DefaultCacheSize
		}
		cache, err := ristretto.NewCache(&ristretto.Config[string, *model.APIKey]{
			NumCounters: size * 10,
			MaxCost:     size,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create api key cache: %w", err)
		}
		m.cache = cache
	}
	return m, nil
}

// Close waits for pending last-used updates and releases the cache.
func (m *Manager) Close() {
	m.touches.Wait()
	if m.cache != nil {
		m.cache.Close()
	}
}

// CreateInput describes a new key. Nil Permissions and RateLimit take the
// plan defaults. A zero ExpiresIn means the key never expires.
type CreateInput struct {
	Plan        model.Plan
	Permissions []string
	RateLimit   *model.RateLimit
	ExpiresIn   time.Duration
	Description string
	Metadata    map[string]string
	CreatedBy   string
}

// Create provisions a new key. The returned record carries the plaintext
// key; it is not persisted and cannot be recovered later.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*model.APIKey, error) {
	defaults, ok := in.Plan.Defaults()
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrValidation, in.Plan)
	}
	if in.CreatedBy == "" {
		return nil, fmt.Errorf("%w: createdBy is required", ErrValidation)
	}
	if in.ExpiresIn < 0 {
		return nil, fmt.Errorf("%w: expiresIn must not be negative", ErrValidation)
	}

	perms := defaults.Permissions
	if in.Permissions != nil {
		perms = in.Permissions
	}
	rl := defaults.RateLimit
	if in.RateLimit != nil {
		rl = *in.RateLimit
	}
	if err := rl.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := m.now().UTC()
	rec := &model.APIKey{
		Plan:        in.Plan,
		Permissions: model.NormalizePermissions(perms),
		RateLimit:   rl,
		Status:      model.KeyStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   in.CreatedBy,
		Description: in.Description,
		Metadata:    copyMetadata(in.Metadata),
	}
	if in.ExpiresIn > 0 {
		exp := now.Add(in.ExpiresIn)
		rec.ExpiresAt = &exp
	}

	// Regenerate on the unlikely collision of a key hash or id.
	for attempt := 0; ; attempt++ {
		plain, err := Generate()
		if err != nil {
			return nil, err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate key id: %w", err)
		}
		rec.KeyID = id.String()
		rec.KeyHash = Fingerprint(plain)
		rec.MaskedKey = Mask(plain)

		err = m.store.CreateAPIKey(ctx, rec)
		if err == nil {
			out := rec.Clone()
			out.PlainKey = plain
			out.KeyHash = ""
			m.logger.Info("api key created", "key_id", rec.KeyID, "plan", rec.Plan, "created_by", rec.CreatedBy)
			return out, nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= 2 {
			return nil, fmt.Errorf("create api key: %w", err)
		}
	}
}

// Get returns the key with keyID, applying lazy expiry. Unless
// includeSensitive is set the fingerprint is stripped.
func (m *Manager) Get(ctx context.Context, keyID string, includeSensitive bool) (*model.APIKey, error) {
	rec, err := m.load(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if !includeSensitive {
		rec = MaskRecord(rec)
	}
	return rec, nil
}

// load reads a record by id and persists an expiry that has come due.
func (m *Manager) load(ctx context.Context, keyID string) (*model.APIKey, error) {
	rec, err := m.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return m.expireIfDue(ctx, rec)
}

// expireIfDue moves an active record past its expiry to expired. If
// another writer changed the status first, the stored record is returned.
func (m *Manager) expireIfDue(ctx context.Context, rec *model.APIKey) (*model.APIKey, error) {
	if rec.Status != model.KeyStatusActive || !IsExpired(rec, m.now()) {
		return rec, nil
	}

	now := m.now().UTC()
	ok, err := m.store.TransitionAPIKeyStatus(ctx, rec.KeyID, model.KeyStatusActive, model.KeyStatusExpired, now)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	m.invalidate(rec.KeyHash)
	if !ok {
		fresh, err := m.store.GetAPIKey(ctx, rec.KeyID)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		return fresh, nil
	}
	m.logger.Info("api key expired", "key_id", rec.KeyID)
	rec.Status = model.KeyStatusExpired
	rec.UpdatedAt = now
	return rec, nil
}

// IsExpired reports whether k has an expiry at or before now. It has no
// side effects.
func IsExpired(k *model.APIKey, now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// IsExpired reports whether k has expired according to the manager clock.
func (m *Manager) IsExpired(k *model.APIKey) bool {
	return IsExpired(k, m.now())
}

// List returns masked records, newest first. An empty status returns all.
func (m *Manager) List(ctx context.Context, status model.KeyStatus) ([]model.APIKey, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	recs, err := m.store.ListAPIKeys(ctx, status)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	out := make([]model.APIKey, 0, len(recs))
	for i := range recs {
		rec, err := m.expireIfDue(ctx, &recs[i])
		if err != nil {
			return nil, err
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, *MaskRecord(rec))
	}
	return out, nil
}

// Patch is a partial update. Nil fields keep their current values.
type Patch struct {
	Plan        *model.Plan
	Permissions []string
	RateLimit   *model.RateLimit
	Status      *model.KeyStatus
	ExpiresAt   *time.Time
	ClearExpiry bool
	Description *string
	Metadata    map[string]string
}

func (p Patch) apply(k *model.APIKey) error {
	if p.Plan != nil {
		if !p.Plan.Valid() {
			return fmt.Errorf("%w: unknown plan %q", ErrValidation, *p.Plan)
		}
		k.Plan = *p.Plan
	}
	if p.Permissions != nil {
		k.Permissions = model.NormalizePermissions(p.Permissions)
	}
	if p.RateLimit != nil {
		if err := p.RateLimit.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		k.RateLimit = *p.RateLimit
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrValidation, *p.Status)
		}
		if !model.CanTransition(k.Status, *p.Status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, k.Status, *p.Status)
		}
		k.Status = *p.Status
	}
	switch {
	case p.ClearExpiry:
		k.ExpiresAt = nil
	case p.ExpiresAt != nil:
		exp := p.ExpiresAt.UTC()
		k.ExpiresAt = &exp
	}
	if p.Description != nil {
		k.Description = *p.Description
	}
	if p.Metadata != nil {
		k.Metadata = copyMetadata(p.Metadata)
	}
	return nil
}

// Update applies p to the key with keyID. The write is conditional on the
// status read beforehand, so a concurrent revoke or expiry is never
// overwritten; after repeated lost races ErrConflict is returned.
func (m *Manager) Update(ctx context.Context, keyID string, p Patch) (*model.APIKey, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		cur, err := m.load(ctx, keyID)
		if err != nil {
			return nil, err
		}

		next := cur.Clone()
		if err := p.apply(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = m.now().UTC()

		ok, err := m.store.UpdateAPIKey(ctx, next, cur.Status)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		if ok {
			m.invalidate(cur.KeyHash)
			m.logger.Info("api key updated", "key_id", keyID, "status", next.Status)
			return MaskRecord(next), nil
		}
	}
	return nil, ErrConflict
}

// Revoke moves an active key to revoked. It returns false, without error,
// when the key does not exist or is no longer active, so callers cannot
// tell those cases apart through this call.
func (m *Manager) Revoke(ctx context.Context, keyID string) (bool, error) {
	rec, err := m.load(ctx, keyID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status != model.KeyStatusActive {
		return false, nil
	}

	ok, err := m.store.TransitionAPIKeyStatus(ctx, keyID, model.KeyStatusActive, model.KeyStatusRevoked, m.now().UTC())
	if err != nil {
		return false, mapStoreErr(err)
	}
	m.invalidate(rec.KeyHash)
	if ok {
		m.logger.Info("api key revoked", "key_id", keyID)
	}
	return ok, nil
}

// Rotate issues a replacement for an active key with the same plan,
// permissions, rate limit, expiry and metadata, then revokes the original.
// The new record carries its plaintext key.
func (m *Manager) Rotate(ctx context.Context, keyID, by string) (*model.APIKey, error) {
	cur, err := m.load(ctx, keyID)
	if err != nil {
		return nil, err
	}
	switch cur.Status {
	case model.KeyStatusActive:
	case model.KeyStatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrInvalidState
	}

	meta := copyMetadata(cur.Metadata)
	meta["rotated_from"] = cur.KeyID
	rl := cur.RateLimit
	in := CreateInput{
		Plan:        cur.Plan,
		Permissions: cur.Permissions,
		RateLimit:   &rl,
		Description: cur.Description,
		Metadata:    meta,
		CreatedBy:   by,
	}
	if cur.ExpiresAt != nil {
		in.ExpiresIn = cur.ExpiresAt.Sub(m.now())
		if in.ExpiresIn <= 0 {
			return nil, ErrExpired
		}
	}

	next, err := m.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	ok, err := m.Revoke(ctx, keyID)
	if err == nil && !ok {
		err = ErrConflict
	}
	if err != nil {
		// The original changed underneath us. Never leave two live keys.
		if _, rerr := m.Revoke(ctx, next.KeyID); rerr != nil {
			m.logger.Error("revoke replacement key after failed rotation", "key_id", next.KeyID, "error", rerr)
		}
		return nil, err
	}
	m.logger.Info("api key rotated", "key_id", keyID, "new_key_id", next.KeyID)
	return next, nil
}

// Lookup resolves a plaintext key for authentication. It returns
// ErrNotFound for unknown keys, ErrInvalidState for revoked keys and
// ErrExpired for keys past their expiry, persisting the expiry on first
// detection. Successful lookups record last use in the background.
func (m *Manager) Lookup(ctx context.Context, plainKey string) (*model.APIKey, error) {
	if !LooksLikeKey(plainKey) {
		return nil, ErrNotFound
	}
	hash := Fingerprint(plainKey)

	var rec *model.APIKey
	if m.cache != nil {
		if cached, ok := m.cache.Get(hash); ok {
			rec = cached.Clone()
		}
	}
	if rec == nil {
		gen := m.generation()
		stored, err := m.store.GetAPIKeyByHash(ctx, hash)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		rec = stored
		if rec.Status == model.KeyStatusActive {
			m.fill(hash, rec, gen)
		}
	}

	rec, err := m.expireIfDue(ctx, rec)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case model.KeyStatusActive:
	case model.KeyStatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrInvalidState
	}

	if !m.disableTouch {
		m.touch(rec.KeyID)
	}
	return rec, nil
}

func (m *Manager) touch(keyID string) {
	at := m.now().UTC()
	m.touches.Add(1)
	go func() {
		defer m.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := m.store.TouchAPIKey(ctx, keyID, at); err != nil {
			m.logger.Debug("update api key last used failed", "key_id", keyID, "error", err)
		}
	}()
}

func (m *Manager) generation() uint64 {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.cacheGen
}

// fill caches rec unless an invalidation ran since gen was read, in which
// case rec may predate a status change and the next lookup goes to the store.
func (m *Manager) fill(hash string, rec *model.APIKey, gen uint64) {
	if m.cache == nil {
		return
	}
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if m.cacheGen != gen {
		return
	}
	m.cache.SetWithTTL(hash, rec.Clone(), 1, m.cacheTTL)
}

func (m *Manager) invalidate(hash string) {
	if m.cache == nil || hash == "" {
		return
	}
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cacheGen++
	m.cache.Del(hash)
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
