// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package store holds a session's key/value state. Every entry is a
// single-element series; merges combine an incoming element with the
// stored one under a MergeType.
//
// Stores have two layers. Merge writes the committed layer directly.
// Stage writes a staged layer that Get does not see until Commit folds it
// in and advances the store's epoch.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Query-farm/wart-worker/series"
)

// ErrMalformedBatch reports a merge request whose shape is invalid, such
// as keys and values of different lengths.
var ErrMalformedBatch = errors.New("malformed batch")

// MergeType selects how an incoming value combines with a stored one.
type MergeType int

const (
	// Add accumulates: numbers are summed, booleans or-ed, strings
	// concatenated. A missing key takes the incoming value.
	Add MergeType = iota
	// Mov overwrites the stored value.
	Mov
	// Del removes the key. Values are ignored.
	Del
)

func (m MergeType) String() string {
	switch m {
	case Add:
		return "add"
	case Mov:
		return "mov"
	case Del:
		return "del"
	default:
		return fmt.Sprintf("MergeType(%d)", int(m))
	}
}

// ParseMergeType accepts the names produced by String in any case. The
// empty string means Add.
func ParseMergeType(s string) (MergeType, error) {
	switch strings.ToLower(s) {
	case "", "add":
		return Add, nil
	case "mov":
		return Mov, nil
	case "del":
		return Del, nil
	default:
		return 0, fmt.Errorf("%w: unknown merge type %q", ErrMalformedBatch, s)
	}
}

// Store is the per-session key/value state.
type Store interface {
	// Get reads the committed value of key.
	Get(ctx context.Context, key string) (series.Series, bool, error)
	// Merge applies v to the committed layer.
	Merge(ctx context.Context, key string, v series.Series, mt MergeType) error
	// Peek reads the value Stage would start from: the staged value of key
	// if there is one and the committed value otherwise.
	Peek(ctx context.Context, key string) (series.Series, bool, error)
	// Stage applies v to the staged layer, starting from the staged value
	// of key if there is one and the committed value otherwise.
	Stage(ctx context.Context, key string, v series.Series, mt MergeType) error
	// Commit makes staged values visible and returns the new epoch.
	Commit(ctx context.Context) (uint64, error)
	// Epoch returns the number of commits so far.
	Epoch(ctx context.Context) (uint64, error)
	// Len returns the number of committed keys.
	Len(ctx context.Context) (int, error)
	// Drop discards all state.
	Drop(ctx context.Context) error
}

// Factory creates the store for a newly opened session.
type Factory func(token string) Store

// Apply computes the result of merging v into the current entry (cur, ok).
// The result never shares storage with v. It returns keep=false when the
// entry should be removed. A key's type is
// fixed until it is deleted, so a type change fails with
// series.ErrTypeMismatch under both Add and Mov.
func Apply(cur series.Series, ok bool, v series.Series, mt MergeType) (next series.Series, keep bool, err error) {
	if mt == Del {
		return nil, false, nil
	}
	if series.Len(v) != 1 {
		return nil, false, fmt.Errorf("%w: merge value must hold one element, got %d", ErrMalformedBatch, series.Len(v))
	}
	if !ok {
		return series.Clone(v), true, nil
	}
	if cur.Type() != v.Type() {
		return nil, false, fmt.Errorf("%w: entry holds %s, got %s", series.ErrTypeMismatch, cur.Type(), v.Type())
	}
	switch mt {
	case Mov:
		return series.Clone(v), true, nil
	case Add:
		sum, err := series.Add(cur, v)
		return sum, true, err
	default:
		return nil, false, fmt.Errorf("%w: unknown merge type %d", ErrMalformedBatch, int(mt))
	}
}

// KeyError is a merge failure confined to one key of a batch.
type KeyError struct {
	Key string
	Err error
}

func (e *KeyError) Error() string { return fmt.Sprintf("key %q: %v", e.Key, e.Err) }
func (e *KeyError) Unwrap() error { return e.Err }

// MergeBatch merges keys[i] with element i of vals. A length mismatch
// rejects the whole batch with ErrMalformedBatch. Otherwise every key is
// attempted: keys that fail with a malformed value or a type mismatch are
// reported in keyErrs and the rest still apply. Any other error stops the
// batch and is returned together with the count applied so far.
func MergeBatch(ctx context.Context, st Store, keys []string, vals series.Series, mt MergeType) (ok int, keyErrs []*KeyError, err error) {
	if mt != Del && len(keys) != series.Len(vals) {
		return 0, nil, fmt.Errorf("%w: %d keys but %d values", ErrMalformedBatch, len(keys), series.Len(vals))
	}
	for i, key := range keys {
		if key == "" {
			keyErrs = append(keyErrs, &KeyError{Key: key, Err: fmt.Errorf("%w: empty key", ErrMalformedBatch)})
			continue
		}
		var v series.Series
		if mt != Del {
			v = series.Slice(vals, i, i+1)
		}
		if err := st.Merge(ctx, key, v, mt); err != nil {
			if errors.Is(err, series.ErrTypeMismatch) || errors.Is(err, ErrMalformedBatch) {
				keyErrs = append(keyErrs, &KeyError{Key: key, Err: err})
				continue
			}
			return ok, keyErrs, err
		}
		ok++
	}
	return ok, keyErrs, nil
}
