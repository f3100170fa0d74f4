package composite

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentsh/interlock/internal/store"
	"github.com/agentsh/interlock/pkg/types"
)

// Store fans appends out to every backend and answers queries from the
// primary. A failing backend never prevents the others from receiving
// the event.
type Store struct {
	primary store.EventStore
	others  []store.EventStore
}

func New(primary store.EventStore, others ...store.EventStore) *Store {
	return &Store{primary: primary, others: others}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	var errs []error
	for _, st := range s.all() {
		if err := st.AppendEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	if s.primary == nil {
		return nil, fmt.Errorf("no queryable audit store configured")
	}
	return s.primary.QueryEvents(ctx, q)
}

func (s *Store) Close() error {
	var errs []error
	for _, st := range s.all() {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) all() []store.EventStore {
	out := make([]store.EventStore, 0, 1+len(s.others))
	if s.primary != nil {
		out = append(out, s.primary)
	}
	return append(out, s.others...)
}
