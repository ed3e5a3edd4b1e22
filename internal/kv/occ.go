package kv

import (
	"context"
	"errors"

	kerrors "github.com/keelmcp/keel/internal/errors"
)

// UpdateFunc computes the mutations for one optimistic update attempt from
// the current entry. It must be pure: it is re-invoked on every retry with a
// freshly read entry. Returning an error aborts the loop and propagates.
type UpdateFunc func(cur Entry) ([]Mutation, error)

// Update runs a bounded read-transform-conditional-write loop against key.
//
// Each attempt reads the entry with its revision token, asks fn for the
// mutations, and commits them conditional on the revision being unchanged.
// A lost race retries the whole cycle from a fresh read; once attempts are
// spent the budget exhaustion surfaces as ErrConcurrencyExhausted.
func (s *Store) Update(ctx context.Context, key string, attempts int, fn UpdateFunc) error {
	if attempts <= 0 {
		attempts = 1
	}

	for range attempts {
		cur, err := s.Get(ctx, key)
		if err != nil {
			return err
		}

		mutations, err := fn(cur)
		if err != nil {
			return err
		}

		err = s.Commit(ctx, TxOp{
			Checks:    []Check{{Key: key, Revision: cur.Revision}},
			Mutations: mutations,
		})
		if errors.Is(err, kerrors.ErrCommitConflict) {
			s.log.Debug("update lost revision race, retrying", "key", key)

			continue
		}

		return err
	}

	return kerrors.ErrConcurrencyExhausted
}
