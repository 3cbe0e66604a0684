package rolling

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v8"
	kitlog "github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/thingful/agripipe/pkg/system"
)

// RedisStore participates in the server's component lifecycle.
var (
	_ system.Startable = (*RedisStore)(nil)
	_ system.Stoppable = (*RedisStore)(nil)
)

// RedisStore is our durable window Store implementation backed by redis
// sorted sets. Each window key maps to a sorted set scored by observation
// time, so eviction is a single range deletion.
type RedisStore struct {
	connStr string
	logger  kitlog.Logger
	client  *rd.Client
}

// NewRedisStore returns a redis backed Store. The connection is not opened
// until Start is called.
func NewRedisStore(connStr string, logger kitlog.Logger) *RedisStore {
	logger = kitlog.With(logger, "module", "redis")

	logger.Log("msg", "creating redis window store")

	return &RedisStore{
		connStr: connStr,
		logger:  logger,
	}
}

// Start opens the redis connection, verifying we can reach the server.
func (s *RedisStore) Start() error {
	s.logger.Log("msg", "starting redis window store")

	opt, err := rd.ParseURL(s.connStr)
	if err != nil {
		return errors.Wrap(err, "failed to parse redis connection url")
	}

	client := rd.NewClient(opt)
	if err = client.Ping(context.Background()).Err(); err != nil {
		return errors.Wrap(err, "failed to ping redis")
	}

	s.client = client

	return nil
}

// Stop closes the redis connection.
func (s *RedisStore) Stop() error {
	s.logger.Log("msg", "stopping redis window store")
	return s.client.Close()
}

// Ping verifies the redis connection is alive.
func (s *RedisStore) Ping() error {
	return s.client.Ping(context.Background()).Err()
}

// Load is our implementation of the Store interface method. Entries come back
// in score order, which is timestamp order.
func (s *RedisStore) Load(ctx context.Context, key string) ([]Entry, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &rd.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read window from sorted set")
	}

	entries := make([]Entry, 0, len(members))

	for _, m := range members {
		e, err := parseMember(m)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, nil
}

// Append is our implementation of the Store interface method. We add the new
// member then trim everything scored before the eviction cutoff.
func (s *RedisStore) Append(ctx context.Context, key string, e Entry, evictBefore time.Time) error {
	err := s.client.ZAdd(ctx, key, &rd.Z{
		Score:  float64(e.Timestamp.Unix()),
		Member: formatMember(e),
	}).Err()
	if err != nil {
		return errors.Wrap(err, "failed to add entry to sorted set")
	}

	err = s.client.ZRemRangeByScore(
		ctx,
		key,
		"-inf",
		"("+strconv.FormatInt(evictBefore.Unix(), 10),
	).Err()
	if err != nil {
		return errors.Wrap(err, "failed to evict old entries from sorted set")
	}

	return nil
}

// formatMember encodes an entry as a sorted set member. The nanosecond
// timestamp prefix keeps members unique even when two readings carry the same
// value, which a bare float member would collapse.
func formatMember(e Entry) string {
	return fmt.Sprintf("%d|%s", e.Timestamp.UnixNano(), strconv.FormatFloat(e.Value, 'g', -1, 64))
}

// parseMember decodes a sorted set member back into an entry.
func parseMember(m string) (Entry, error) {
	parts := strings.SplitN(m, "|", 2)
	if len(parts) != 2 {
		return Entry{}, errors.Errorf("malformed window member: %s", m)
	}

	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, errors.Wrap(err, "failed to parse member timestamp")
	}

	value, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Entry{}, errors.Wrap(err, "failed to parse member value")
	}

	return Entry{Timestamp: time.Unix(0, nanos).UTC(), Value: value}, nil
}
