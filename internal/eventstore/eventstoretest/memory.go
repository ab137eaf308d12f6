// Package eventstoretest provides an in-memory eventstore.Store for unit
// tests that exercise Decision/Projection logic without a Postgres
// instance. It implements exactly the subset of behavior the real store
// guarantees (conditional Append, Version-as-head-id, Read/Stream ordering)
// so a Decision's retry-on-Conflict path can be driven deterministically.
package eventstoretest

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/rodolfodpk/cartengine/internal/eventstore"
)

// Store is a goroutine-safe in-memory eventstore.Store.
type Store struct {
	mu     sync.Mutex
	events []eventstore.Event
}

// New constructs an empty Store.
func New() *Store {
	return &Store{}
}

func (s *Store) head(query eventstore.Query) eventstore.Version {
	var last int64
	for _, e := range s.events {
		if query.Matches(e) {
			last = e.ID
		}
	}
	return eventstore.Version(last)
}

func (s *Store) Append(ctx context.Context, query eventstore.Query, version eventstore.Version, events []eventstore.InputEvent) (eventstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if eventstore.Version(e.ID) > version && query.Matches(e) {
			return 0, &eventstore.ConflictError{Query: query, ObservedAt: version}
		}
	}
	return s.insertLocked(events), nil
}

func (s *Store) AppendWithoutValidation(ctx context.Context, events []eventstore.InputEvent) (eventstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(events), nil
}

// AppendWithoutValidationTx ignores tx: this in-memory fake has no real
// transactions to co-locate with, so it behaves exactly like
// AppendWithoutValidation.
func (s *Store) AppendWithoutValidationTx(ctx context.Context, tx pgx.Tx, events []eventstore.InputEvent) (eventstore.Version, error) {
	return s.AppendWithoutValidation(ctx, events)
}

// RegisterUpcaster is a no-op: unit tests driving this fake construct events
// with the current schema directly, so there is nothing to upcast.
func (s *Store) RegisterUpcaster(kind string, fn eventstore.Upcaster) {}

func (s *Store) insertLocked(events []eventstore.InputEvent) eventstore.Version {
	var last int64
	for _, e := range events {
		id := int64(len(s.events) + 1)
		s.events = append(s.events, eventstore.Event{ID: id, Kind: e.Kind, Tags: e.Tags, Data: e.Data})
		last = id
	}
	return eventstore.Version(last)
}

func (s *Store) Read(ctx context.Context, query eventstore.Query, fromVersion eventstore.Version) ([]eventstore.Event, eventstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []eventstore.Event
	last := fromVersion
	for _, e := range s.events {
		if eventstore.Version(e.ID) <= fromVersion {
			continue
		}
		if query.Matches(e) {
			out = append(out, e)
			last = eventstore.Version(e.ID)
		}
	}
	return out, last, nil
}

func (s *Store) Head(ctx context.Context, query eventstore.Query) (eventstore.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head(query), nil
}

// Stream is unused by Decision/Projection unit tests (they only ever call
// Read), so it returns a non-tailing iterator over the events matching at
// call time rather than duplicating Store's tailing behavior.
func (s *Store) Stream(ctx context.Context, query eventstore.Query, fromVersion eventstore.Version) (eventstore.EventIterator, error) {
	events, _, err := s.Read(ctx, query, fromVersion)
	if err != nil {
		return nil, err
	}
	return &sliceIterator{events: events}, nil
}

type sliceIterator struct {
	events []eventstore.Event
	pos    int
}

func (it *sliceIterator) Next(ctx context.Context) (eventstore.Event, bool, error) {
	if it.pos >= len(it.events) {
		return eventstore.Event{}, false, nil
	}
	e := it.events[it.pos]
	it.pos++
	return e, true, nil
}

func (it *sliceIterator) Close() {}
