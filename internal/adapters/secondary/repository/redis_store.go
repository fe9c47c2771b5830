package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

// RedisTimelineStore implémente ports.TimelineStore sur des sorted sets Redis.
// Chaque méthode est une commande unique (ou un script Lua), donc atomique par clé.
type RedisTimelineStore struct {
	client *redis.Client
}

var _ ports.TimelineStore = (*RedisTimelineStore)(nil)

func NewRedisTimelineStore(client *redis.Client) *RedisTimelineStore {
	return &RedisTimelineStore{client: client}
}

// swapScript : KEYS = deletes..., puis paires (from, to)..., puis la clé "populated".
// ARGV = nombre de deletes, nombre de moves, "1" si populated est fourni.
var swapScript = redis.NewScript(`
local nd = tonumber(ARGV[1])
local nm = tonumber(ARGV[2])
for i = 1, nd do
  redis.call('DEL', KEYS[i])
end
for i = 0, nm - 1 do
  local src = KEYS[nd + 2 * i + 1]
  local dst = KEYS[nd + 2 * i + 2]
  if redis.call('EXISTS', src) == 1 then
    redis.call('RENAME', src, dst)
  else
    redis.call('DEL', dst)
  end
end
if ARGV[3] == '1' then
  redis.call('SET', KEYS[#KEYS], '1')
end
return nm
`)

func (r *RedisTimelineStore) Add(ctx context.Context, key string, member int64, score float64) error {
	err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	return storeErr("zadd", key, err)
}

func (r *RedisTimelineStore) AddNX(ctx context.Context, key string, member int64, score float64) (bool, error) {
	n, err := r.client.ZAddNX(ctx, key, redis.Z{Score: score, Member: member}).Result()
	if err != nil {
		return false, storeErr("zadd nx", key, err)
	}
	return n == 1, nil
}

func (r *RedisTimelineStore) Remove(ctx context.Context, key string, members ...int64) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := r.client.ZRem(ctx, key, args...).Result()
	if err != nil {
		return 0, storeErr("zrem", key, err)
	}
	return n, nil
}

func (r *RedisTimelineStore) RemoveByScore(ctx context.Context, key string, min, max float64) ([]int64, error) {
	lo, hi := formatScore(min), formatScore(max)

	var rng *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: lo, Max: hi})
		pipe.ZRemRangeByScore(ctx, key, lo, hi)
		return nil
	})
	if err != nil {
		return nil, storeErr("zremrangebyscore", key, err)
	}
	return parseMembers(rng.Val()), nil
}

// Range : ordre décroissant, bornes exclusives ("(" en syntaxe Redis), 0 = non borné.
func (r *RedisTimelineStore) Range(ctx context.Context, key string, q ports.RangeQuery) ([]int64, error) {
	res, err := r.client.ZRevRangeByScore(ctx, key, rangeBy(q)).Result()
	if err != nil {
		return nil, storeErr("zrevrangebyscore", key, err)
	}
	return parseMembers(res), nil
}

func (r *RedisTimelineStore) RangeAsc(ctx context.Context, key string, q ports.RangeQuery) ([]int64, error) {
	res, err := r.client.ZRangeByScore(ctx, key, rangeBy(q)).Result()
	if err != nil {
		return nil, storeErr("zrangebyscore", key, err)
	}
	return parseMembers(res), nil
}

func (r *RedisTimelineStore) Members(ctx context.Context, key string) ([]int64, error) {
	res, err := r.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, storeErr("zrevrange", key, err)
	}
	return parseMembers(res), nil
}

func (r *RedisTimelineStore) Score(ctx context.Context, key string, member int64) (float64, bool, error) {
	score, err := r.client.ZScore(ctx, key, strconv.FormatInt(member, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("zscore", key, err)
	}
	return score, true, nil
}

func (r *RedisTimelineStore) RevRank(ctx context.Context, key string, member int64) (int64, bool, error) {
	rank, err := r.client.ZRevRank(ctx, key, strconv.FormatInt(member, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("zrevrank", key, err)
	}
	return rank, true, nil
}

func (r *RedisTimelineStore) ScoreAtRevRank(ctx context.Context, key string, rank int64) (float64, bool, error) {
	res, err := r.client.ZRevRangeWithScores(ctx, key, rank, rank).Result()
	if err != nil {
		return 0, false, storeErr("zrevrange", key, err)
	}
	if len(res) == 0 {
		return 0, false, nil
	}
	return res[0].Score, true, nil
}

func (r *RedisTimelineStore) Size(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, storeErr("zcard", key, err)
	}
	return n, nil
}

// Trim garde les maxSize meilleurs scores : on coupe par rang depuis le bas.
func (r *RedisTimelineStore) Trim(ctx context.Context, key string, maxSize int64) (int64, error) {
	n, err := r.client.ZRemRangeByRank(ctx, key, 0, -(maxSize + 1)).Result()
	if err != nil {
		return 0, storeErr("zremrangebyrank", key, err)
	}
	return n, nil
}

func (r *RedisTimelineStore) SetAdd(ctx context.Context, key string, member int64) error {
	return storeErr("sadd", key, r.client.SAdd(ctx, key, member).Err())
}

func (r *RedisTimelineStore) SetRemove(ctx context.Context, key string, member int64) error {
	return storeErr("srem", key, r.client.SRem(ctx, key, member).Err())
}

func (r *RedisTimelineStore) SetMembers(ctx context.Context, key string) ([]int64, error) {
	res, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, storeErr("smembers", key, err)
	}
	return parseMembers(res), nil
}

func (r *RedisTimelineStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, storeErr("exists", key, err)
	}
	return n > 0, nil
}

// Keys passe par SCAN, jamais KEYS (bloquant en prod).
func (r *RedisTimelineStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, storeErr("scan", pattern, err)
	}
	return keys, nil
}

func (r *RedisTimelineStore) Clear(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return storeErr("del", keys[0], r.client.Del(ctx, keys...).Err())
}

func (r *RedisTimelineStore) SetMarker(ctx context.Context, key string, ttl time.Duration, onlyIfAbsent bool) (bool, error) {
	if !onlyIfAbsent {
		if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
			return false, storeErr("set", key, err)
		}
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, storeErr("setnx", key, err)
	}
	return ok, nil
}

func (r *RedisTimelineStore) Swap(ctx context.Context, spec ports.SwapSpec) error {
	keys := make([]string, 0, len(spec.Deletes)+2*len(spec.Moves)+1)
	keys = append(keys, spec.Deletes...)
	for _, mv := range spec.Moves {
		keys = append(keys, mv.From, mv.To)
	}
	populated := "0"
	if spec.Populated != "" {
		keys = append(keys, spec.Populated)
		populated = "1"
	}

	err := swapScript.Run(ctx, r.client, keys, len(spec.Deletes), len(spec.Moves), populated).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return storeErr("swap", spec.Populated, err)
	}
	return nil
}

// --- HELPERS ---

func rangeBy(q ports.RangeQuery) *redis.ZRangeBy {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: q.Limit}
	if q.Max != 0 {
		by.Max = "(" + formatScore(q.Max)
	}
	if q.Min != 0 {
		by.Min = "(" + formatScore(q.Min)
	}
	if q.Limit <= 0 {
		by.Count = 0
	}
	return by
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// parseMembers ignore les membres non numériques (donnée corrompue) plutôt que d'échouer.
func parseMembers(raw []string) []int64 {
	ids := make([]int64, 0, len(raw))
	for _, m := range raw {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func storeErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.StoreError{Op: op, Key: key, Err: err}
}
