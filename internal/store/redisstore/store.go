package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const uploadTokenPrefix = "upload_token:"

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// PutUploadToken registers an issued upload token. The TTL matches the
// signature expiry so stale tokens vanish on their own.
func (s *Store) PutUploadToken(ctx context.Context, token string, ttl time.Duration) error {
	return s.rdb.Set(ctx, uploadTokenPrefix+token, "1", ttl).Err()
}

// RedeemUploadToken consumes a token. GETDEL makes the redeem atomic: a
// token is usable exactly once.
func (s *Store) RedeemUploadToken(ctx context.Context, token string) (bool, error) {
	err := s.rdb.GetDel(ctx, uploadTokenPrefix+token).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
