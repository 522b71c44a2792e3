package metrics

import (
	"context"

	"github.com/agentsh/jailhttpd/internal/store"
)

type wrappedTransitionStore struct {
	inner store.TransitionStore
	c     *Collector
}

// WrapTransitionStore counts every appended record by outcome before
// handing it to inner.
func WrapTransitionStore(inner store.TransitionStore, c *Collector) store.TransitionStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &wrappedTransitionStore{inner: inner, c: c}
}

func (w *wrappedTransitionStore) Append(ctx context.Context, rec store.Record) error {
	w.c.IncRequest(rec.Outcome)
	if err := w.inner.Append(ctx, rec); err != nil {
		w.c.IncAuditAppendFail()
		return err
	}
	return nil
}

func (w *wrappedTransitionStore) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	return w.inner.Query(ctx, q)
}

func (w *wrappedTransitionStore) Close() error { return w.inner.Close() }
