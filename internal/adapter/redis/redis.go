// Package redis provides a Redis-backed cost ledger and rollup store.
//
// Each (user, period) summary is a hash updated by a Lua script, so totals,
// the per-model breakdown, the sort key and the period's top-N sorted set
// move together in one atomic step. Top-N queries read the sorted set with
// ZREVRANGEBYSCORE and never scan keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Strob0t/costgate/internal/domain"
	"github.com/Strob0t/costgate/internal/domain/cost"
)

// Ledger is a Redis-backed costledger.Ledger and costledger.RollupStore.
type Ledger struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

// Option configures Ledger.
type Option func(*Ledger)

// WithKeyPrefix sets the Redis key prefix (default "costgate:").
func WithKeyPrefix(prefix string) Option {
	return func(l *Ledger) { l.keyPrefix = prefix }
}

// New creates a Ledger. The client must be a connected *goredis.Client or
// *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Ledger {
	l := &Ledger{
		client:    client,
		keyPrefix: "costgate:",
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewClient connects to addr and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (l *Ledger) summaryKey(userID, period string) string {
	return l.keyPrefix + "sum:" + period + ":" + userID
}

func (l *Ledger) topKey(period string) string {
	return l.keyPrefix + "top:" + period
}

func (l *Ledger) rollupKey(k cost.RollupKey) string {
	return l.keyPrefix + "rollup:" + string(k.Type) + ":" + k.Period + ":" + k.Identifier
}

func (l *Ledger) rollupIndexKey(t cost.RollupType, period string) string {
	return l.keyPrefix + "rollups:" + string(t) + ":" + period
}

// Per-model hash fields are "<field>:<model id>".
const (
	modelCostField     = "mc:"
	modelRequestsField = "mr:"
	modelInputField    = "mi:"
	modelOutputField   = "mo:"
)

// incrementScript atomically applies one or more deltas.
// KEYS[2i-1] = summary hash of delta i
// KEYS[2i]   = top-N sorted set of delta i's period
// ARGV[1]    = now (unix nanos)
// ARGV[5i-3 .. 5i+1] = user id, cost (micros), input tokens, output tokens,
// model id ("" for none) of delta i
//
// Returns the new total of the last delta.
var incrementScript = goredis.NewScript(`
local now = ARGV[1]
local total = 0
for i = 1, #KEYS / 2 do
    local sum_key = KEYS[2 * i - 1]
    local top_key = KEYS[2 * i]
    local a = 5 * (i - 1) + 1
    local user = ARGV[a + 1]
    local delta = tonumber(ARGV[a + 2])
    local input = tonumber(ARGV[a + 3])
    local output = tonumber(ARGV[a + 4])
    local model = ARGV[a + 5]

    total = redis.call("HINCRBY", sum_key, "total_cost", delta)
    redis.call("HINCRBY", sum_key, "total_requests", 1)
    redis.call("HINCRBY", sum_key, "input_tokens", input)
    redis.call("HINCRBY", sum_key, "output_tokens", output)
    redis.call("HSET", sum_key, "last_updated", now, "sort_key", string.format("%020d", total))

    if model ~= "" then
        redis.call("HINCRBY", sum_key, "mc:" .. model, delta)
        redis.call("HINCRBY", sum_key, "mr:" .. model, 1)
        redis.call("HINCRBY", sum_key, "mi:" .. model, input)
        redis.call("HINCRBY", sum_key, "mo:" .. model, output)
    end

    redis.call("ZADD", top_key, total, user)
end
return total
`)

// rollupScript atomically adds a record to a rollup hash and its index.
// KEYS[1] = rollup hash
// KEYS[2] = (type, period) sorted set
// ARGV[1] = identifier
// ARGV[2] = cost delta
// ARGV[3] = input tokens
// ARGV[4] = output tokens
// ARGV[5] = now (unix nanos)
var rollupScript = goredis.NewScript(`
local total = redis.call("HINCRBY", KEYS[1], "total_cost", tonumber(ARGV[2]))
redis.call("HINCRBY", KEYS[1], "total_requests", 1)
redis.call("HINCRBY", KEYS[1], "input_tokens", tonumber(ARGV[3]))
redis.call("HINCRBY", KEYS[1], "output_tokens", tonumber(ARGV[4]))
redis.call("HSET", KEYS[1], "last_updated", ARGV[5])
redis.call("ZADD", KEYS[2], total, ARGV[1])
return total
`)

func unavailable(err error, format string, args ...any) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("costgate/redis: %s: %w", fmt.Sprintf(format, args...), err)
	}
	return fmt.Errorf("costgate/redis: %s: %w: %w", fmt.Sprintf(format, args...), domain.ErrStorageUnavailable, err)
}

// Increment adds the deltas to their summaries in one script run. Every
// delta is validated first so the script cannot stop half way on bad input.
func (l *Ledger) Increment(ctx context.Context, deltas ...cost.Delta) error {
	if len(deltas) == 0 {
		return nil
	}
	keys := make([]string, 0, 2*len(deltas))
	args := make([]any, 0, 1+5*len(deltas))
	args = append(args, l.now().UnixNano())
	for _, d := range deltas {
		if err := d.Validate(); err != nil {
			return err
		}
		keys = append(keys, l.summaryKey(d.UserID, d.Period), l.topKey(d.Period))
		args = append(args, d.UserID, int64(d.Cost), d.Usage.InputTokens, d.Usage.OutputTokens, d.ModelID)
	}
	if _, err := incrementScript.Run(ctx, l.client, keys, args...).Int64(); err != nil {
		return unavailable(err, "increment %s/%s", deltas[0].UserID, deltas[0].Period)
	}
	return nil
}

func (l *Ledger) GetSummary(ctx context.Context, userID, period string) (*cost.Summary, error) {
	if err := cost.ValidatePeriod(period); err != nil {
		return nil, err
	}
	fields, err := l.client.HGetAll(ctx, l.summaryKey(userID, period)).Result()
	if err != nil {
		return nil, unavailable(err, "get summary %s/%s", userID, period)
	}
	s := cost.EmptySummary(userID, period)
	if len(fields) == 0 {
		return s, nil
	}

	models := map[string]*cost.ModelUsage{}
	model := func(id string) *cost.ModelUsage {
		m, ok := models[id]
		if !ok {
			m = &cost.ModelUsage{ModelID: id}
			models[id] = m
		}
		return m
	}
	for k, v := range fields {
		n, _ := strconv.ParseInt(v, 10, 64)
		switch {
		case k == "total_cost":
			s.TotalCost = cost.Micros(n)
		case k == "total_requests":
			s.TotalRequests = n
		case k == "input_tokens":
			s.InputTokens = n
		case k == "output_tokens":
			s.OutputTokens = n
		case k == "last_updated":
			s.LastUpdated = time.Unix(0, n).UTC()
		case k == "sort_key":
			s.SortKey = v
		case strings.HasPrefix(k, modelCostField):
			model(k[len(modelCostField):]).Cost = cost.Micros(n)
		case strings.HasPrefix(k, modelRequestsField):
			model(k[len(modelRequestsField):]).Requests = n
		case strings.HasPrefix(k, modelInputField):
			model(k[len(modelInputField):]).InputTokens = n
		case strings.HasPrefix(k, modelOutputField):
			model(k[len(modelOutputField):]).OutputTokens = n
		}
	}
	for _, m := range models {
		s.Models = append(s.Models, *m)
	}
	sort.Slice(s.Models, func(i, j int) bool { return s.Models[i].ModelID < s.Models[j].ModelID })
	return s, nil
}

// TopUsers reads the period's sorted set highest score first, then fetches
// request counts for just the returned members.
func (l *Ledger) TopUsers(ctx context.Context, q cost.TopQuery) ([]cost.TopUser, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	zs, err := l.client.ZRevRangeByScoreWithScores(ctx, l.topKey(q.Period), &goredis.ZRangeBy{
		Max:   "+inf",
		Min:   strconv.FormatInt(int64(q.MinCost), 10),
		Count: int64(q.Limit),
	}).Result()
	if err != nil {
		return nil, unavailable(err, "top users %s", q.Period)
	}
	if len(zs) == 0 {
		return []cost.TopUser{}, nil
	}

	pipe := l.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(zs))
	for i, z := range zs {
		user, _ := z.Member.(string)
		cmds[i] = pipe.HMGet(ctx, l.summaryKey(user, q.Period), "total_requests", "last_updated")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, unavailable(err, "top users %s", q.Period)
	}

	out := make([]cost.TopUser, 0, len(zs))
	for i, z := range zs {
		user, _ := z.Member.(string)
		u := cost.TopUser{UserID: user, TotalCost: cost.Micros(int64(z.Score))}
		if vals, err := cmds[i].Result(); err == nil && len(vals) == 2 {
			u.TotalRequests = parseInt(vals[0])
			u.LastUpdated = time.Unix(0, parseInt(vals[1])).UTC()
		}
		out = append(out, u)
	}
	return out, nil
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// --- Rollups ---

func (l *Ledger) ApplyRollup(ctx context.Context, key cost.RollupKey, rec cost.UsageRecord) error {
	_, err := rollupScript.Run(ctx, l.client,
		[]string{l.rollupKey(key), l.rollupIndexKey(key.Type, key.Period)},
		key.Identifier, int64(rec.Cost), rec.Usage.InputTokens, rec.Usage.OutputTokens, l.now().UnixNano(),
	).Int64()
	if err != nil {
		return unavailable(err, "apply rollup %s/%s/%s", key.Type, key.Period, key.Identifier)
	}
	return nil
}

func (l *Ledger) GetRollup(ctx context.Context, key cost.RollupKey) (*cost.Rollup, error) {
	vals, err := l.client.HMGet(ctx, l.rollupKey(key),
		"total_cost", "total_requests", "input_tokens", "output_tokens", "last_updated").Result()
	if err != nil {
		return nil, unavailable(err, "get rollup %s/%s/%s", key.Type, key.Period, key.Identifier)
	}
	if vals[0] == nil {
		return nil, fmt.Errorf("get rollup %s/%s/%s: %w", key.Type, key.Period, key.Identifier, domain.ErrNotFound)
	}
	return &cost.Rollup{
		RollupKey:     key,
		TotalCost:     cost.Micros(parseInt(vals[0])),
		TotalRequests: parseInt(vals[1]),
		InputTokens:   parseInt(vals[2]),
		OutputTokens:  parseInt(vals[3]),
		LastUpdated:   time.Unix(0, parseInt(vals[4])).UTC(),
	}, nil
}

func (l *Ledger) ListRollups(ctx context.Context, t cost.RollupType, period string, limit int) ([]cost.Rollup, error) {
	switch {
	case limit <= 0:
		limit = cost.DefaultTopLimit
	case limit > cost.MaxTopLimit:
		limit = cost.MaxTopLimit
	}
	ids, err := l.client.ZRevRange(ctx, l.rollupIndexKey(t, period), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable(err, "list rollups %s/%s", t, period)
	}
	out := make([]cost.Rollup, 0, len(ids))
	for _, id := range ids {
		r, err := l.GetRollup(ctx, cost.RollupKey{Type: t, Period: period, Identifier: id})
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}
