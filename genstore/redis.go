package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("genstore: nil redis client")

type RedisOptions struct {
	Client redis.UniversalClient
	// Namespace should match the tier namespace so several tiers can share
	// one Redis.
	Namespace string
	// TTL > 0 expires idle generation keys. An expired key reads as 0.
	TTL time.Duration
	// CloseClient closes Client on Close; set it only when the store owns it.
	CloseClient bool
}

// Redis shares generations across processes, so an invalidation in one
// process is seen by every process reading the same tier.
type Redis struct {
	rdb   redis.UniversalClient
	ns    string
	ttl   time.Duration
	owned bool
}

var _ Store = (*Redis)(nil)

func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: opts.Client, ns: opts.Namespace, ttl: opts.TTL, owned: opts.CloseClient}, nil
}

func (s *Redis) key(k string) string { return "gen:" + s.ns + ":" + k }

func (s *Redis) Snapshot(ctx context.Context, k string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseGen(k, res)
}

func (s *Redis) SnapshotMany(ctx context.Context, ks []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ks))
	if len(ks) == 0 {
		return out, nil
	}
	full := make([]string, len(ks))
	for i, k := range ks {
		full[i] = s.key(k)
	}
	vals, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == nil {
			out[ks[i]] = 0
			continue
		}
		g, err := parseGen(ks[i], fmt.Sprint(v))
		if err != nil {
			return nil, err
		}
		out[ks[i]] = g
	}
	return out, nil
}

// Bump increments the generation. With a TTL the INCR and EXPIRE share one
// pipelined round-trip.
func (s *Redis) Bump(ctx context.Context, k string) (uint64, error) {
	rk := s.key(k)
	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, rk).Result()
		return uint64(v), err
	}
	var incr *redis.IntCmd
	if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, rk)
		p.Expire(ctx, rk, s.ttl)
		return nil
	}); err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

func (s *Redis) Close(context.Context) error {
	if !s.owned {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func parseGen(k, v string) (uint64, error) {
	g, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("genstore: parse generation of %s: %w", k, err)
	}
	return g, nil
}
