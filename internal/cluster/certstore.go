package cluster

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/caddyserver/certmagic"
	"github.com/redis/go-redis/v9"
)

const certPrefix = "scrawl:tls:"

// CertStorage keeps certmagic's certificates and locks in redis so every
// process serves the same certificate
type CertStorage struct {
	rdb    *redis.Client
	locker *redislock.Client
	locks  sync.Map
}

var _ certmagic.Storage = (*CertStorage)(nil)

func NewCertStorage(rdb *redis.Client) *CertStorage {
	return &CertStorage{rdb: rdb, locker: redislock.New(rdb)}
}

func certKey(key string) string {
	return certPrefix + key
}

func (s *CertStorage) Lock(ctx context.Context, name string) error {
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(1 * time.Second),
	}

	lock, err := s.locker.Obtain(ctx, fmt.Sprintf("%vlock:%v", certPrefix, name), 1*time.Minute, opts)
	if err != nil {
		return err
	}

	s.locks.Store(name, lock)
	return nil
}

func (s *CertStorage) Unlock(ctx context.Context, name string) error {
	lock, ok := s.locks.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("no lock for %v", name)
	}

	return lock.(*redislock.Lock).Release(ctx)
}

func (s *CertStorage) Store(ctx context.Context, key string, value []byte) error {
	hashmap := map[string]any{
		"modified": time.Now().Unix(),
		"data":     base64.RawURLEncoding.EncodeToString(value),
		"size":     len(value),
	}

	return s.rdb.HSet(ctx, certKey(key), hashmap).Err()
}

func (s *CertStorage) Load(ctx context.Context, key string) ([]byte, error) {
	res, err := s.rdb.HGet(ctx, certKey(key), "data").Result()
	if err == redis.Nil {
		return nil, fs.ErrNotExist
	} else if err != nil {
		return nil, err
	}

	return base64.RawURLEncoding.DecodeString(res)
}

func (s *CertStorage) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, certKey(key)).Err()
}

func (s *CertStorage) Exists(ctx context.Context, key string) bool {
	res, err := s.rdb.Exists(ctx, certKey(key)).Result()
	return err == nil && res > 0
}

// List returns keys under prefix. Without recursive only direct children are returned.
func (s *CertStorage) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	base := strings.TrimSuffix(prefix, "/")
	pattern := certKey(base) + "/*"

	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	seen := make(map[string]bool)
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), certPrefix)
		if !recursive {
			rest := strings.TrimPrefix(key, base+"/")
			if child, _, nested := strings.Cut(rest, "/"); nested {
				key = base + "/" + child
			}
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fs.ErrNotExist
	}
	return keys, nil
}

func (s *CertStorage) Stat(ctx context.Context, key string) (certmagic.KeyInfo, error) {
	info := certmagic.KeyInfo{}

	res, err := s.rdb.HMGet(ctx, certKey(key), "modified", "size").Result()
	if err != nil {
		return info, err
	}
	if res[0] == nil || res[1] == nil {
		return info, fs.ErrNotExist
	}

	modified, err := strconv.ParseInt(res[0].(string), 10, 64)
	if err != nil {
		return info, err
	}

	size, err := strconv.ParseInt(res[1].(string), 10, 64)
	if err != nil {
		return info, err
	}

	info.Key = key
	info.Modified = time.Unix(modified, 0)
	info.Size = size
	info.IsTerminal = true

	return info, nil
}
