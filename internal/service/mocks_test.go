package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
	"github.com/Strob0t/costgate/internal/domain/quota"
	"github.com/Strob0t/costgate/internal/port/messagequeue"
)

// memStore implements quotastore.Store with the same uniqueness rules as the
// SQL backends.
type memStore struct {
	mu          sync.Mutex
	tiers       map[string]quota.Tier
	assignments map[string]quota.Assignment
	seq         int64
	err         error

	userLookups  int
	onUserLookup func()
}

func newMemStore() *memStore {
	return &memStore{tiers: map[string]quota.Tier{}, assignments: map[string]quota.Assignment{}}
}

func (m *memStore) CreateTier(_ context.Context, t *quota.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := m.tiers[t.ID]; ok {
		return fmt.Errorf("tier %s: %w", t.ID, domain.ErrConflict)
	}
	m.tiers[t.ID] = *t
	return nil
}

func (m *memStore) GetTier(_ context.Context, id string) (*quota.Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.tiers[id]
	if !ok {
		return nil, fmt.Errorf("tier %s: %w", id, domain.ErrNotFound)
	}
	return &t, nil
}

func (m *memStore) ListTiers(context.Context) ([]quota.Tier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]quota.Tier, 0, len(m.tiers))
	for _, t := range m.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateTier(_ context.Context, t *quota.Tier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tiers[t.ID]; !ok {
		return fmt.Errorf("tier %s: %w", t.ID, domain.ErrNotFound)
	}
	m.tiers[t.ID] = *t
	return nil
}

func (m *memStore) DeleteTier(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tiers[id]; !ok {
		return fmt.Errorf("tier %s: %w", id, domain.ErrNotFound)
	}
	for _, a := range m.assignments {
		if a.TierID == id && a.Enabled {
			return fmt.Errorf("tier %s: %w", id, domain.ErrConflict)
		}
	}
	delete(m.tiers, id)
	return nil
}

// clashes reports whether a would break one of the partial unique indexes.
func (m *memStore) clashes(a *quota.Assignment) bool {
	if !a.Enabled {
		return false
	}
	for _, o := range m.assignments {
		if o.ID == a.ID || !o.Enabled || o.Type != a.Type {
			continue
		}
		switch a.Type {
		case quota.AssignDirectUser:
			if o.UserID == a.UserID {
				return true
			}
		case quota.AssignJWTRole:
			if o.JWTRole == a.JWTRole {
				return true
			}
		case quota.AssignDefaultTier:
			return true
		}
	}
	return false
}

func (m *memStore) CreateAssignment(_ context.Context, a *quota.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if m.clashes(a) {
		return fmt.Errorf("assignment: %w", domain.ErrConflict)
	}
	m.seq++
	a.Seq = m.seq
	m.assignments[a.ID] = *a
	return nil
}

func (m *memStore) GetAssignment(_ context.Context, id string) (*quota.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", id, domain.ErrNotFound)
	}
	return &a, nil
}

func (m *memStore) GetAssignmentByUser(_ context.Context, userID string) (*quota.Assignment, error) {
	m.mu.Lock()
	m.userLookups++
	hook := m.onUserLookup
	err := m.err
	var found *quota.Assignment
	for _, a := range m.assignments {
		if a.Type == quota.AssignDirectUser && a.UserID == userID && a.Enabled {
			found = &a
			break
		}
	}
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
	}
	return found, nil
}

func (m *memStore) filter(keep func(quota.Assignment) bool) []quota.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []quota.Assignment{}
	for _, a := range m.assignments {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (m *memStore) GetAssignmentsByRole(_ context.Context, role string) ([]quota.Assignment, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.filter(func(a quota.Assignment) bool {
		return a.Type == quota.AssignJWTRole && a.JWTRole == role
	}), nil
}

func (m *memStore) ListAssignmentsByType(_ context.Context, t quota.AssignmentType) ([]quota.Assignment, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.filter(func(a quota.Assignment) bool { return a.Type == t }), nil
}

func (m *memStore) ListAssignmentsByTier(_ context.Context, tierID string) ([]quota.Assignment, error) {
	return m.filter(func(a quota.Assignment) bool { return a.TierID == tierID }), nil
}

func (m *memStore) UpdateAssignment(_ context.Context, a *quota.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.ID]; !ok {
		return fmt.Errorf("assignment %s: %w", a.ID, domain.ErrNotFound)
	}
	if m.clashes(a) {
		return fmt.Errorf("assignment: %w", domain.ErrConflict)
	}
	m.assignments[a.ID] = *a
	return nil
}

func (m *memStore) DeleteAssignment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[id]; !ok {
		return fmt.Errorf("assignment %s: %w", id, domain.ErrNotFound)
	}
	delete(m.assignments, id)
	return nil
}

func (m *memStore) lookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userLookups
}

// memCache implements cache.Cache and records the TTL of every write.
type memCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	ttls    map[string]time.Duration
	failErr error
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return nil, false, c.failErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.data[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = map[string][]byte{}
	return nil
}

func (c *memCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// memLedger implements costledger.Ledger.
type memLedger struct {
	mu        sync.Mutex
	summaries map[string]*cost.Summary
	err       error
	failDelta func(cost.Delta) error // per-delta write failure; fails the whole batch
	reads     int
}

func newMemLedger() *memLedger {
	return &memLedger{summaries: map[string]*cost.Summary{}}
}

func (l *memLedger) set(userID, period string, total cost.Micros) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := cost.EmptySummary(userID, period)
	s.TotalCost = total
	s.SortKey = cost.SortKey(total)
	l.summaries[userID+"|"+period] = s
}

func (l *memLedger) GetSummary(_ context.Context, userID, period string) (*cost.Summary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.err != nil {
		return nil, l.err
	}
	if s, ok := l.summaries[userID+"|"+period]; ok {
		c := *s
		return &c, nil
	}
	return cost.EmptySummary(userID, period), nil
}

func (l *memLedger) Increment(_ context.Context, deltas ...cost.Delta) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	for _, d := range deltas {
		if l.failDelta == nil {
			break
		}
		if err := l.failDelta(d); err != nil {
			return err
		}
	}
	for _, d := range deltas {
		key := d.UserID + "|" + d.Period
		s, ok := l.summaries[key]
		if !ok {
			s = cost.EmptySummary(d.UserID, d.Period)
			l.summaries[key] = s
		}
		s.TotalCost += d.Cost
		s.TotalRequests++
		s.InputTokens += d.Usage.InputTokens
		s.OutputTokens += d.Usage.OutputTokens
		s.SortKey = cost.SortKey(s.TotalCost)
	}
	return nil
}

func (l *memLedger) TopUsers(_ context.Context, q cost.TopQuery) ([]cost.TopUser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []cost.TopUser{}
	for _, s := range l.summaries {
		if s.Period == q.Period && s.TotalCost >= q.MinCost {
			out = append(out, cost.TopUser{UserID: s.UserID, TotalCost: s.TotalCost, TotalRequests: s.TotalRequests})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalCost > out[j].TotalCost })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (l *memLedger) readCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

// memEventLog implements eventlog.Log.
type memEventLog struct {
	mu     sync.Mutex
	events []quota.Event
}

func (l *memEventLog) Record(_ context.Context, ev *quota.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *ev)
	return nil
}

func (l *memEventLog) ListByUser(_ context.Context, userID string, q quota.EventQuery) ([]quota.Event, error) {
	return l.list(func(e quota.Event) bool { return e.UserID == userID }, q), nil
}

func (l *memEventLog) ListByTier(_ context.Context, tierID string, q quota.EventQuery) ([]quota.Event, error) {
	return l.list(func(e quota.Event) bool { return e.TierID == tierID }, q), nil
}

func (l *memEventLog) list(keep func(quota.Event) bool, q quota.EventQuery) []quota.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []quota.Event{}
	for _, e := range l.events {
		if keep(e) && len(out) < q.Limit {
			out = append(out, e)
		}
	}
	return out
}

func (l *memEventLog) byType(t quota.EventType) []quota.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []quota.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memRollups implements costledger.RollupStore.
type memRollups struct {
	mu      sync.Mutex
	rows    map[cost.RollupKey]*cost.Rollup
	failFor cost.RollupType
}

func newMemRollups() *memRollups {
	return &memRollups{rows: map[cost.RollupKey]*cost.Rollup{}}
}

func (r *memRollups) ApplyRollup(_ context.Context, key cost.RollupKey, rec cost.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key.Type == r.failFor {
		return fmt.Errorf("rollup: %w", domain.ErrStorageUnavailable)
	}
	row, ok := r.rows[key]
	if !ok {
		row = &cost.Rollup{RollupKey: key}
		r.rows[key] = row
	}
	row.TotalCost += rec.Cost
	row.TotalRequests++
	row.InputTokens += rec.Usage.InputTokens
	row.OutputTokens += rec.Usage.OutputTokens
	return nil
}

func (r *memRollups) GetRollup(_ context.Context, key cost.RollupKey) (*cost.Rollup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[key]
	if !ok {
		return nil, fmt.Errorf("rollup: %w", domain.ErrNotFound)
	}
	c := *row
	return &c, nil
}

func (r *memRollups) ListRollups(_ context.Context, t cost.RollupType, period string, _ int) ([]cost.Rollup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cost.Rollup
	for k, row := range r.rows {
		if k.Type == t && k.Period == period {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalCost > out[j].TotalCost })
	return out, nil
}

// memQueue implements messagequeue.Queue with synchronous in-process delivery.
type memQueue struct {
	mu       sync.Mutex
	subs     map[string][]messagequeue.Handler
	groups   map[string]messagequeue.Handler
	handled  []error
	publishE error
}

func newMemQueue() *memQueue {
	return &memQueue{subs: map[string][]messagequeue.Handler{}, groups: map[string]messagequeue.Handler{}}
}

func (q *memQueue) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	if q.publishE != nil {
		q.mu.Unlock()
		return q.publishE
	}
	handlers := append([]messagequeue.Handler(nil), q.subs[subject]...)
	for key, h := range q.groups {
		if len(key) > len(subject) && key[:len(subject)+1] == subject+"|" {
			handlers = append(handlers, h)
		}
	}
	q.mu.Unlock()

	for _, h := range handlers {
		err := h(ctx, subject, data)
		q.mu.Lock()
		q.handled = append(q.handled, err)
		q.mu.Unlock()
	}
	return nil
}

func (q *memQueue) Subscribe(_ context.Context, subject string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs[subject] = append(q.subs[subject], h)
	return func() {}, nil
}

func (q *memQueue) QueueSubscribe(_ context.Context, subject, group string, h messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.groups[subject+"|"+group] = h
	return func() {}, nil
}

func (q *memQueue) Drain() error      { return nil }
func (q *memQueue) Close() error      { return nil }
func (q *memQueue) IsConnected() bool { return true }
