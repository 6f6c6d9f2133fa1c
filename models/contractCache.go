package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedContractStore is a read-through redis cache in front of another store.
// Writes go to the inner store first and then drop the cached copy.
type CachedContractStore struct {
	Inner  ContractStore
	Redis  *redis.Client
	TTL    time.Duration
	Logger *logrus.Logger
}

func NewCachedContractStore(inner ContractStore, rdb *redis.Client, ttl time.Duration, logger *logrus.Logger) *CachedContractStore {
	return &CachedContractStore{Inner: inner, Redis: rdb, TTL: ttl, Logger: logger}
}

func contractCacheKey(id string) string {
	return "Contract:" + id
}

func (s *CachedContractStore) Create(ctx context.Context, c *Contract) error {
	return s.Inner.Create(ctx, c)
}

func (s *CachedContractStore) Get(ctx context.Context, id string) (*Contract, error) {
	if s.Redis != nil {
		val, err := s.Redis.Get(ctx, contractCacheKey(id)).Bytes()
		switch {
		case err == nil:
			if c, derr := decodeContract(val); derr == nil {
				return c, nil
			}
		case !errors.Is(err, redis.Nil):
			s.warn("get", id, err)
		}
	}
	c, err := s.Inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Redis != nil {
		if b, merr := json.Marshal(c); merr == nil {
			if err := s.Redis.Set(ctx, contractCacheKey(id), b, s.TTL).Err(); err != nil {
				s.warn("set", id, err)
			}
		}
	}
	return c, nil
}

func (s *CachedContractStore) Save(ctx context.Context, c *Contract, expectedVersion int64) error {
	err := s.Inner.Save(ctx, c, expectedVersion)
	// a failed save may mean the cached copy is stale
	s.invalidate(ctx, c.ID)
	return err
}

func (s *CachedContractStore) ListByUser(ctx context.Context, userId, email string) ([]*Contract, error) {
	return s.Inner.ListByUser(ctx, userId, email)
}

func (s *CachedContractStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	err := s.Inner.Delete(ctx, id, expectedVersion)
	s.invalidate(ctx, id)
	return err
}

func (s *CachedContractStore) invalidate(ctx context.Context, id string) {
	if s.Redis == nil {
		return
	}
	if err := s.Redis.Del(ctx, contractCacheKey(id)).Err(); err != nil {
		s.warn("del", id, err)
	}
}

func (s *CachedContractStore) warn(op, id string, err error) {
	if s.Logger == nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"field":       "CachedContractStore",
		"op":          op,
		"contract_id": id,
	}).Warn("contract cache: " + err.Error())
}
