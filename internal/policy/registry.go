package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/secondchance/internal/metrics"
	"github.com/goodtune/secondchance/internal/notify"
	"github.com/goodtune/secondchance/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// RegistryConfig tunes the restriction cache
type RegistryConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// cacheEntry caches both hits and misses so apps without a restriction do
// not reach storage on every evaluation.
type cacheEntry struct {
	restriction *Restriction
}

// Registry owns restrictions and grants. Restrictions are read through an
// expiring LRU cache; grants are held in memory and mirrored to storage.
type Registry struct {
	restrictions storage.RestrictionStore
	grantStore   storage.GrantStore
	linter       *Linter
	notifier     notify.Notifier
	clock        Clock
	logger       zerolog.Logger

	cache *expirable.LRU[string, cacheEntry]

	mu     sync.RWMutex
	grants map[string]storage.Grant
}

// NewRegistry creates a registry. linter and notifier may be nil.
func NewRegistry(
	restrictions storage.RestrictionStore,
	grants storage.GrantStore,
	linter *Linter,
	notifier notify.Notifier,
	cfg RegistryConfig,
	logger zerolog.Logger,
) *Registry {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}

	return &Registry{
		restrictions: restrictions,
		grantStore:   grants,
		linter:       linter,
		notifier:     notifier,
		clock:        RealClock{},
		logger:       logger.With().Str("component", "registry").Logger(),
		cache:        expirable.NewLRU[string, cacheEntry](cfg.CacheSize, nil, cfg.CacheTTL),
		grants:       make(map[string]storage.Grant),
	}
}

// SetClock sets the clock used for timestamps (for testing)
func (r *Registry) SetClock(clock Clock) {
	r.clock = clock
}

// Get returns the restriction for appID, or nil when none is configured.
// A record that cannot be interpreted is logged and treated as absent.
func (r *Registry) Get(ctx context.Context, appID string) (*Restriction, error) {
	if entry, ok := r.cache.Get(appID); ok {
		metrics.RestrictionCacheLookups.WithLabelValues("hit").Inc()
		return entry.restriction, nil
	}
	metrics.RestrictionCacheLookups.WithLabelValues("miss").Inc()

	rec, err := r.restrictions.Get(ctx, appID)
	if errors.Is(err, storage.ErrNotFound) {
		r.cache.Add(appID, cacheEntry{})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load restriction for %s: %w", appID, err)
	}

	restriction, err := FromRecord(*rec)
	if err != nil {
		r.logger.Warn().Err(err).Str("app_id", appID).Msg("Ignoring unusable restriction")
		r.cache.Add(appID, cacheEntry{})
		return nil, nil
	}

	r.cache.Add(appID, cacheEntry{restriction: restriction})
	return restriction, nil
}

// List returns all interpretable restrictions
func (r *Registry) List(ctx context.Context) ([]*Restriction, error) {
	records, err := r.restrictions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list restrictions: %w", err)
	}

	out := make([]*Restriction, 0, len(records))
	for _, rec := range records {
		restriction, err := FromRecord(rec)
		if err != nil {
			r.logger.Warn().Err(err).Str("app_id", rec.AppID).Msg("Ignoring unusable restriction")
			continue
		}
		out = append(out, restriction)
	}
	return out, nil
}

// Apply stores a restriction record, replacing any existing one for the
// app. Lint findings are returned and logged but never block the write.
func (r *Registry) Apply(ctx context.Context, rec storage.RestrictionRecord) ([]LintWarning, error) {
	if rec.AppID == "" {
		return nil, fmt.Errorf("restriction app_id is required")
	}
	if _, err := FromRecord(rec); err != nil {
		return nil, err
	}

	now := r.clock.Now()
	existing, err := r.restrictions.Get(ctx, rec.AppID)
	switch {
	case err == nil:
		rec.CreatedAt = existing.CreatedAt
		// Keep the reduction schedule unless the new record carries one.
		if rec.GradualReduction != nil && existing.GradualReduction != nil && rec.GradualReduction.LastReducedAt.IsZero() {
			rec.GradualReduction.LastReducedAt = existing.GradualReduction.LastReducedAt
		}
	case errors.Is(err, storage.ErrNotFound):
		rec.CreatedAt = now
	default:
		return nil, fmt.Errorf("failed to load restriction for %s: %w", rec.AppID, err)
	}
	rec.UpdatedAt = now

	var warnings []LintWarning
	if r.linter != nil {
		warnings, err = r.linter.Lint(ctx, []storage.RestrictionRecord{rec})
		if err != nil {
			r.logger.Warn().Err(err).Msg("Restriction lint failed")
		}
		for _, w := range warnings {
			r.logger.Warn().Str("app_id", w.AppID).Msg(w.Message)
		}
	}

	if err := r.restrictions.Upsert(ctx, rec); err != nil {
		return warnings, fmt.Errorf("failed to store restriction for %s: %w", rec.AppID, err)
	}
	r.cache.Remove(rec.AppID)

	r.logger.Info().Str("app_id", rec.AppID).Str("type", rec.Type).Msg("Restriction applied")
	return warnings, nil
}

// Delete removes the restriction for appID
func (r *Registry) Delete(ctx context.Context, appID string) error {
	if err := r.restrictions.Delete(ctx, appID); err != nil {
		return err
	}
	r.cache.Remove(appID)
	r.logger.Info().Str("app_id", appID).Msg("Restriction deleted")
	return nil
}

// Invalidate drops the cached restriction for appID, or every cached
// restriction when appID is empty. Used after edits made by another
// process.
func (r *Registry) Invalidate(appID string) {
	if appID == "" {
		r.cache.Purge()
		return
	}
	r.cache.Remove(appID)
}

// LoadGrants restores unexpired grants from storage
func (r *Registry) LoadGrants(ctx context.Context) error {
	grants, err := r.grantStore.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}

	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range grants {
		if now.Before(g.ExpiresAt) {
			r.grants[g.AppID] = g
		}
	}

	r.logger.Info().Int("count", len(r.grants)).Msg("Grants loaded")
	return nil
}

// InstallGrant makes grant visible to evaluation immediately and persists it
func (r *Registry) InstallGrant(ctx context.Context, grant storage.Grant) error {
	r.mu.Lock()
	r.grants[grant.AppID] = grant
	r.mu.Unlock()

	if err := r.grantStore.Put(ctx, grant); err != nil {
		return fmt.Errorf("failed to persist grant for %s: %w", grant.AppID, err)
	}

	r.logger.Info().
		Str("app_id", grant.AppID).
		Str("request_id", grant.RequestID).
		Time("expires_at", grant.ExpiresAt).
		Msg("Grant installed")
	return nil
}

// ActiveGrant returns the grant covering now, if any. Stale grants are
// dropped silently.
func (r *Registry) ActiveGrant(appID string, now time.Time) *storage.Grant {
	r.mu.RLock()
	g, ok := r.grants[appID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	if !now.Before(g.ExpiresAt) {
		r.mu.Lock()
		if cur, ok := r.grants[appID]; ok && cur.ExpiresAt.Equal(g.ExpiresAt) {
			delete(r.grants, appID)
		}
		r.mu.Unlock()
		return nil
	}
	if !g.Covers(now) {
		return nil
	}
	return &g
}

// ReduceIfDue applies a due gradual reduction for appID and persists it.
// It returns the reduction when the daily limit dropped. The restriction
// is read from storage, not the cache, and the write is skipped when the
// stored record changed in the meantime.
func (r *Registry) ReduceIfDue(ctx context.Context, appID string, now time.Time) (*Reduction, error) {
	rec, err := r.restrictions.Get(ctx, appID)
	if errors.Is(err, storage.ErrNotFound) {
		r.cache.Remove(appID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load restriction for %s: %w", appID, err)
	}
	current, err := FromRecord(*rec)
	if err != nil {
		return nil, nil
	}

	updated, reduction := NextReduction(current, now)
	if updated == nil {
		r.cache.Add(appID, cacheEntry{restriction: current})
		return nil, nil
	}

	written, err := r.restrictions.Replace(ctx, *rec, updated.Record())
	if err != nil {
		return nil, fmt.Errorf("failed to store gradual reduction for %s: %w", appID, err)
	}
	if !written {
		r.cache.Remove(appID)
		r.logger.Info().Str("app_id", appID).Msg("Restriction changed during gradual reduction, skipped")
		return nil, nil
	}
	r.cache.Add(appID, cacheEntry{restriction: updated})

	if reduction == nil {
		r.logger.Debug().Str("app_id", appID).Msg("Gradual reduction schedule armed")
		return nil, nil
	}

	metrics.GradualReductions.Inc()
	r.logger.Info().
		Str("app_id", appID).
		Int("from_minutes", reduction.FromMinutes).
		Int("to_minutes", reduction.ToMinutes).
		Msg("Daily limit reduced")

	if r.notifier != nil {
		notice := notify.Notice{
			Audience: notify.AudienceClient,
			Kind:     "gradual_reduction",
			AppID:    appID,
			Title:    "Daily limit lowered",
			Body:     fmt.Sprintf("%s is now limited to %d minutes a day (was %d)", appID, reduction.ToMinutes, reduction.FromMinutes),
			At:       now,
		}
		if err := r.notifier.Notify(ctx, notice); err != nil {
			r.logger.Warn().Err(err).Str("app_id", appID).Msg("Failed to deliver reduction notice")
		}
	}

	return reduction, nil
}
