// Package service contains application services.
package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	cgotel "github.com/Strob0t/costgate/internal/adapter/otel"
	"github.com/Strob0t/costgate/internal/config"
	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/quota"
	"github.com/Strob0t/costgate/internal/port/cache"
	"github.com/Strob0t/costgate/internal/port/quotastore"
)

const cacheKeyPrefix = "quota:v1:"

// CacheKey returns the cache key for a principal. Roles are order-insensitive.
func CacheKey(userID string, roles []string) string {
	roles = normalizeRoles(roles)
	h := blake2b.Sum256([]byte(userID + "\x00" + strings.Join(roles, "\x00")))
	return cacheKeyPrefix + hex.EncodeToString(h[:])
}

// normalizeRoles trims, sorts and dedupes roles and drops empty ones.
func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// cacheEntry wraps a resolution so that "no quota" can be cached as well.
type cacheEntry struct {
	Resolved *quota.Resolved `json:"resolved"`
}

// keySet tracks the cache keys held for one user with their latest expiry.
// A dead set has been removed from the index and must not be written to.
type keySet struct {
	mu   sync.Mutex
	dead bool
	keys map[string]time.Time
}

// genStripe orders invalidations against in-flight resolutions for the users
// hashing to it. gen is bumped on every invalidation so that a resolution
// started before it does not repopulate the cache afterwards. Sharing a
// stripe only costs a skipped cache write.
type genStripe struct {
	mu  sync.Mutex
	gen uint64
}

const (
	genStripes = 256
	// loadTimeout bounds a shared store load, which runs detached from the
	// callers waiting on it.
	loadTimeout = 10 * time.Second
)

// Resolver maps a principal to the quota tier that applies to it.
type Resolver struct {
	store   quotastore.Store
	cache   cache.Cache
	ttl     time.Duration
	roleTTL time.Duration
	metrics *cgotel.Metrics
	now     func() time.Time

	group     singleflight.Group
	keys      sync.Map // userID -> *keySet
	seed      maphash.Seed
	stripes   [genStripes]genStripe
	clearMu   sync.RWMutex
	gen       atomic.Uint64
	nextPrune atomic.Int64 // unix nanos
}

// NewResolver creates a Resolver backed by store and cache.
func NewResolver(store quotastore.Store, c cache.Cache, cfg config.Cache) *Resolver {
	roleTTL := cfg.RoleTTL
	if roleTTL <= 0 {
		roleTTL = cfg.TTL
	}
	return &Resolver{
		store:   store,
		cache:   c,
		ttl:     cfg.TTL,
		roleTTL: roleTTL,
		now:     time.Now,
		seed:    maphash.MakeSeed(),
	}
}

// SetMetrics attaches the metrics recorder.
func (r *Resolver) SetMetrics(m *cgotel.Metrics) { r.metrics = m }

// Resolve returns the tier that applies to userID with the given roles, or
// nil when no enabled assignment matches. Cache failures fall back to the store.
func (r *Resolver) Resolve(ctx context.Context, userID string, roles []string) (*quota.Resolved, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	ctx, span := cgotel.StartResolveSpan(ctx, userID, roles)
	defer span.End()

	roles = normalizeRoles(roles)
	key := CacheKey(userID, roles)

	if res, ok := r.lookup(ctx, userID, key); ok {
		return cloneResolved(res), nil
	}

	// The load is shared by every caller of key, so it must not die with
	// whichever caller happened to start it. Each caller still stops waiting
	// when its own context ends.
	ch := r.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		userGen, allGen := r.userGen(userID), r.gen.Load()
		res, err := r.resolve(loadCtx, userID, roles)
		if err != nil {
			return nil, err
		}
		r.populate(loadCtx, userID, key, res, userGen, allGen)
		return res, nil
	})
	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.maybePrune()
	if out.Err != nil {
		return nil, out.Err
	}
	return cloneResolved(out.Val.(*quota.Resolved)), nil
}

func cloneResolved(res *quota.Resolved) *quota.Resolved {
	if res == nil {
		return nil
	}
	c := *res
	if res.Tier.DailyCostLimit != nil {
		v := *res.Tier.DailyCostLimit
		c.Tier.DailyCostLimit = &v
	}
	return &c
}

// resolve walks the cascade: direct user, then roles, then the default tier.
func (r *Resolver) resolve(ctx context.Context, userID string, roles []string) (*quota.Resolved, error) {
	direct, err := r.store.GetAssignmentByUser(ctx, userID)
	switch {
	case err == nil:
		res, err := r.fromAssignment(ctx, direct, "")
		if err != nil || res != nil {
			return res, err
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("direct assignment for %s: %w", userID, err)
	}

	var candidates []quota.Assignment
	for _, role := range roles {
		as, err := r.store.GetAssignmentsByRole(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("role assignments for %s: %w", role, err)
		}
		for i := range as {
			if as[i].Enabled && as[i].Type == quota.AssignJWTRole {
				candidates = append(candidates, as[i])
			}
		}
	}
	if res, err := r.firstResolvable(ctx, candidates); err != nil || res != nil {
		return res, err
	}

	defaults, err := r.store.ListAssignmentsByType(ctx, quota.AssignDefaultTier)
	if err != nil {
		return nil, fmt.Errorf("default assignments: %w", err)
	}
	enabled := defaults[:0:0]
	for i := range defaults {
		if defaults[i].Enabled {
			enabled = append(enabled, defaults[i])
		}
	}
	return r.firstResolvable(ctx, enabled)
}

// firstResolvable tries candidates in precedence order and returns the first
// whose tier exists and is enabled.
func (r *Resolver) firstResolvable(ctx context.Context, candidates []quota.Assignment) (*quota.Resolved, error) {
	sort.Slice(candidates, func(i, j int) bool {
		return quota.RoleOrder(&candidates[i], &candidates[j])
	})
	for i := range candidates {
		res, err := r.fromAssignment(ctx, &candidates[i], candidates[i].JWTRole)
		if err != nil || res != nil {
			return res, err
		}
	}
	return nil, nil
}

// fromAssignment returns nil without error when the assignment or its tier is
// unusable, so the cascade moves on.
func (r *Resolver) fromAssignment(ctx context.Context, a *quota.Assignment, role string) (*quota.Resolved, error) {
	if !a.Enabled {
		return nil, nil
	}
	t, err := r.store.GetTier(ctx, a.TierID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.WarnContext(ctx, "assignment references missing tier", "assignment_id", a.ID, "tier_id", a.TierID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tier %s: %w", a.TierID, err)
	}
	if !t.Enabled {
		return nil, nil
	}
	return &quota.Resolved{
		TierID: t.ID,
		Tier:   *t,
		Source: quota.Source{
			AssignmentID:   a.ID,
			AssignmentType: a.Type,
			MatchedRole:    role,
		},
		ResolvedAt: r.now().UTC(),
	}, nil
}

func (r *Resolver) lookup(ctx context.Context, userID, key string) (*quota.Resolved, bool) {
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "quota cache read failed, using store", "user_id", userID, "error", err)
		r.metrics.RecordCacheLookup(ctx, false)
		return nil, false
	}
	if !ok {
		r.metrics.RecordCacheLookup(ctx, false)
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.WarnContext(ctx, "quota cache entry corrupt", "user_id", userID, "error", err)
		r.metrics.RecordCacheLookup(ctx, false)
		return nil, false
	}
	r.metrics.RecordCacheLookup(ctx, true)

	// Entries written by another instance through a shared cache level still
	// need to be reachable from Invalidate on this one.
	r.track(userID, key, r.now().Add(max(r.ttl, r.roleTTL)))
	return entry.Resolved, true
}

func (r *Resolver) populate(ctx context.Context, userID, key string, res *quota.Resolved, userGen, allGen uint64) {
	data, err := json.Marshal(cacheEntry{Resolved: res})
	if err != nil {
		slog.WarnContext(ctx, "quota cache encode failed", "user_id", userID, "error", err)
		return
	}
	ttl := r.roleTTL
	if res != nil && res.Source.AssignmentType == quota.AssignDirectUser {
		ttl = r.ttl
	}

	r.clearMu.RLock()
	defer r.clearMu.RUnlock()
	st := r.stripe(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gen != userGen || r.gen.Load() != allGen {
		return
	}
	if err := r.cache.Set(ctx, key, data, ttl); err != nil {
		slog.WarnContext(ctx, "quota cache write failed", "user_id", userID, "error", err)
		return
	}
	r.track(userID, key, r.now().Add(ttl))
}

func (r *Resolver) stripe(userID string) *genStripe {
	return &r.stripes[maphash.String(r.seed, userID)%genStripes]
}

func (r *Resolver) userGen(userID string) uint64 {
	st := r.stripe(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gen
}

// track records key under userID. A set that died between the load and the
// lock has already left the index, so the retry gets a fresh one.
func (r *Resolver) track(userID, key string, expires time.Time) {
	for {
		v, _ := r.keys.LoadOrStore(userID, &keySet{keys: make(map[string]time.Time)})
		ks := v.(*keySet)
		ks.mu.Lock()
		if !ks.dead {
			if expires.After(ks.keys[key]) {
				ks.keys[key] = expires
			}
			ks.mu.Unlock()
			return
		}
		ks.mu.Unlock()
	}
}

// drop removes ks from the index. The caller holds ks.mu.
func (r *Resolver) drop(userID string, ks *keySet) {
	ks.dead = true
	r.keys.CompareAndDelete(userID, ks)
}

// maybePrune forgets keys whose cache entries have expired, at most once per
// TTL. Users whose keys have all expired leave the index.
func (r *Resolver) maybePrune() {
	now := r.now()
	next := r.nextPrune.Load()
	if now.UnixNano() < next || !r.nextPrune.CompareAndSwap(next, now.Add(max(r.ttl, time.Minute)).UnixNano()) {
		return
	}
	r.prune(now)
}

func (r *Resolver) prune(now time.Time) {
	r.keys.Range(func(k, v any) bool {
		ks := v.(*keySet)
		ks.mu.Lock()
		for key, exp := range ks.keys {
			if !exp.After(now) {
				delete(ks.keys, key)
			}
		}
		if len(ks.keys) == 0 {
			r.drop(k.(string), ks)
		}
		ks.mu.Unlock()
		return true
	})
}

// Invalidate drops every cached resolution for userID, whatever roles it was
// resolved with.
func (r *Resolver) Invalidate(ctx context.Context, userID string) error {
	st := r.stripe(userID)
	st.mu.Lock()
	st.gen++
	var keys map[string]time.Time
	if v, ok := r.keys.Load(userID); ok {
		ks := v.(*keySet)
		ks.mu.Lock()
		keys = ks.keys
		r.drop(userID, ks)
		ks.mu.Unlock()
	}
	st.mu.Unlock()

	var errs []error
	for k := range keys {
		if err := r.cache.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalidate %s: %w", userID, err)
	}
	return nil
}

// InvalidateAll drops every cached resolution.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	r.clearMu.Lock()
	defer r.clearMu.Unlock()
	r.gen.Add(1)
	r.keys.Range(func(k, v any) bool {
		ks := v.(*keySet)
		ks.mu.Lock()
		r.drop(k.(string), ks)
		ks.mu.Unlock()
		return true
	})
	if err := r.cache.Clear(ctx); err != nil {
		return fmt.Errorf("invalidate all: %w", err)
	}
	return nil
}
