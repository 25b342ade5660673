// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/Query-farm/wart-worker/series"
)

const (
	keyPrefix    = "wart:store:"
	sessionKey   = "wart:session:"
	epochField   = "epoch"
	tombstone    = "del:"
	maxTxRetries = 16
)

// Redis keeps a session's entries in Redis hashes so that state can
// outlive the worker process or be inspected from outside it. Committed
// values live in wart:store:<token>, staged values in
// wart:store:<token>:staged and the epoch in wart:session:<token>.
//
// Each read-modify-write runs as a WATCH/MULTI transaction and is retried
// when another writer touches the same hash.
type Redis struct {
	client    *redis.Client
	committed string
	staged    string
	session   string
}

// NewRedis returns the store for token backed by client.
func NewRedis(client *redis.Client, token string) *Redis {
	return &Redis{
		client:    client,
		committed: keyPrefix + token,
		staged:    keyPrefix + token + ":staged",
		session:   sessionKey + token,
	}
}

// RedisFactory creates Redis stores sharing one client.
func RedisFactory(client *redis.Client) Factory {
	return func(token string) Store { return NewRedis(client, token) }
}

// DialRedis connects to the server at url, a redis:// or rediss:// URL,
// retrying the initial ping with exponential backoff.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ping := func() error { return client.Ping(ctx).Err() }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Get(ctx context.Context, key string) (series.Series, bool, error) {
	return decodeReply(r.client.HGet(ctx, r.committed, key).Result())
}

func (r *Redis) Merge(ctx context.Context, key string, v series.Series, mt MergeType) error {
	return r.watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := decodeReply(tx.HGet(ctx, r.committed, key).Result())
		if err != nil {
			return err
		}
		next, keep, err := Apply(cur, ok, v, mt)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if keep {
				p.HSet(ctx, r.committed, key, encodeValue(next))
			} else {
				p.HDel(ctx, r.committed, key)
			}
			return nil
		})
		return err
	}, r.committed)
}

func (r *Redis) Peek(ctx context.Context, key string) (series.Series, bool, error) {
	return r.peek(ctx, r.client, key)
}

// peek reads the staged value of key through c, falling back to the
// committed one. A tombstone reads as absent.
func (r *Redis) peek(ctx context.Context, c redis.Cmdable, key string) (series.Series, bool, error) {
	raw, err := c.HGet(ctx, r.staged, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return decodeReply(c.HGet(ctx, r.committed, key).Result())
	case err != nil:
		return nil, false, err
	case raw == tombstone:
		return nil, false, nil
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) Stage(ctx context.Context, key string, v series.Series, mt MergeType) error {
	return r.watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := r.peek(ctx, tx, key)
		if err != nil {
			return err
		}
		next, keep, err := Apply(cur, ok, v, mt)
		if err != nil {
			return err
		}
		value := tombstone
		if keep {
			value = encodeValue(next)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, r.staged, key, value)
			return nil
		})
		return err
	}, r.committed, r.staged)
}

func (r *Redis) Commit(ctx context.Context) (uint64, error) {
	var epoch *redis.IntCmd
	err := r.watch(ctx, func(tx *redis.Tx) error {
		pending, err := tx.HGetAll(ctx, r.staged).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for key, raw := range pending {
				if raw == tombstone {
					p.HDel(ctx, r.committed, key)
				} else {
					p.HSet(ctx, r.committed, key, raw)
				}
			}
			p.Del(ctx, r.staged)
			epoch = p.HIncrBy(ctx, r.session, epochField, 1)
			return nil
		})
		return err
	}, r.committed, r.staged)
	if err != nil {
		return 0, err
	}
	return uint64(epoch.Val()), nil
}

func (r *Redis) Epoch(ctx context.Context) (uint64, error) {
	n, err := r.client.HGet(ctx, r.session, epochField).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, r.committed).Result()
	return int(n), err
}

func (r *Redis) Drop(ctx context.Context) error {
	return r.client.Unlink(ctx, r.committed, r.staged, r.session).Err()
}

func (r *Redis) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %s: too much contention", r.committed)
}

func decodeReply(raw string, err error) (series.Series, bool, error) {
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := decodeValue(raw)
	return v, err == nil, err
}

// Hash values are "<type>:<text>", for example "i32:4" or "s:hello".
func encodeValue(s series.Series) string {
	switch v := s.(type) {
	case series.Bools:
		return "b:" + strconv.FormatBool(v[0])
	case series.Int32s:
		return "i32:" + strconv.FormatInt(int64(v[0]), 10)
	case series.Int64s:
		return "i64:" + strconv.FormatInt(v[0], 10)
	case series.Float32s:
		return "f32:" + strconv.FormatFloat(float64(v[0]), 'g', -1, 32)
	case series.Float64s:
		return "f64:" + strconv.FormatFloat(v[0], 'g', -1, 64)
	case series.Strings:
		return "s:" + v[0]
	default:
		return tombstone
	}
}

func decodeValue(raw string) (series.Series, error) {
	tag, text, found := strings.Cut(raw, ":")
	if !found {
		return nil, fmt.Errorf("redis store: malformed value %q", raw)
	}
	var err error
	switch tag {
	case "b":
		var b bool
		if b, err = strconv.ParseBool(text); err == nil {
			return series.Bools{b}, nil
		}
	case "i32":
		var n int64
		if n, err = strconv.ParseInt(text, 10, 32); err == nil {
			return series.Int32s{int32(n)}, nil
		}
	case "i64":
		var n int64
		if n, err = strconv.ParseInt(text, 10, 64); err == nil {
			return series.Int64s{n}, nil
		}
	case "f32":
		var f float64
		if f, err = strconv.ParseFloat(text, 32); err == nil {
			return series.Float32s{float32(f)}, nil
		}
	case "f64":
		var f float64
		if f, err = strconv.ParseFloat(text, 64); err == nil {
			return series.Float64s{f}, nil
		}
	case "s":
		return series.Strings{text}, nil
	default:
		err = fmt.Errorf("unknown tag %q", tag)
	}
	return nil, fmt.Errorf("redis store: malformed value %q: %w", raw, err)
}
