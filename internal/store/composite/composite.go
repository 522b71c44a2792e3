package composite

import (
	"context"

	"github.com/agentsh/jailhttpd/internal/store"
)

// Store writes every record to all sinks and answers queries from the
// primary one.
type Store struct {
	primary store.TransitionStore
	others  []store.TransitionStore
}

var _ store.TransitionStore = (*Store)(nil)

func New(primary store.TransitionStore, others ...store.TransitionStore) *Store {
	return &Store{primary: primary, others: others}
}

func (s *Store) Append(ctx context.Context, rec store.Record) error {
	var firstErr error
	if err := s.primary.Append(ctx, rec); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.Append(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	return s.primary.Query(ctx, q)
}

func (s *Store) Close() error {
	var firstErr error
	if err := s.primary.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, o := range s.others {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
