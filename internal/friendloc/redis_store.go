package friendloc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/livemap/internal/livemap/domain"
)

const defaultPositionsKey = "friendloc:positions"

var errInvalidRecord = errors.New("invalid position record")

// RedisStore keeps positions in a Redis hash, one field per user. The receipt
// timestamp comes from the Redis server clock inside the write script.
type RedisStore struct {
	client redis.Cmdable
	key    string
	put    *redis.Script
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = defaultPositionsKey
	}
	return &RedisStore{client: client, key: key, put: redis.NewScript(putPositionLua)}
}

// Put writes lat,lon and the server receipt time atomically.
func (r *RedisStore) Put(ctx context.Context, userID string, lat, lon float64) (domain.Position, error) {
	raw, err := r.put.Run(ctx, r.client, []string{r.key}, userID, formatCoord(lat), formatCoord(lon)).Text()
	if err != nil {
		return domain.Position{}, fmt.Errorf("redis put position: %w", err)
	}
	return parseRecord(userID, raw)
}

// Delete removes the user's field; HDEL on a missing field is a no-op.
func (r *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := r.client.HDel(ctx, r.key, userID).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

// Snapshot fetches the positions for ids in one round trip.
func (r *RedisStore) Snapshot(ctx context.Context, ids []string) (map[string]domain.Position, error) {
	res := make(map[string]domain.Position, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	values, err := r.client.HMGet(ctx, r.key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		pos, err := parseRecord(ids[i], raw)
		if err != nil {
			return nil, err
		}
		res[ids[i]] = pos
	}
	return res, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// parseRecord decodes "lat,lon,unixSeconds,microseconds".
func parseRecord(userID, raw string) (domain.Position, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return domain.Position{}, fmt.Errorf("%w: %q", errInvalidRecord, raw)
	}
	nums := make([]float64, 2)
	for i := range nums {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return domain.Position{}, fmt.Errorf("%w: %q", errInvalidRecord, raw)
		}
		nums[i] = v
	}
	sec, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return domain.Position{}, fmt.Errorf("%w: %q", errInvalidRecord, raw)
	}
	usec, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return domain.Position{}, fmt.Errorf("%w: %q", errInvalidRecord, raw)
	}
	return domain.Position{
		UserID:           userID,
		Latitude:         nums[0],
		Longitude:        nums[1],
		CapturedAtMillis: sec*1000 + usec/1000,
	}, nil
}

const putPositionLua = `
local now = redis.call('TIME')
local record = ARGV[2] .. ',' .. ARGV[3] .. ',' .. now[1] .. ',' .. now[2]
redis.call('HSET', KEYS[1], ARGV[1], record)
return record
`
