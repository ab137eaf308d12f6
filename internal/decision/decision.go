// Package decision implements the Decision Maker (spec.md §4.B): load state
// by projecting one or more StateProjectors over the event log, run a pure
// decision function against that state, and conditionally append the
// resulting events — retrying on Conflict.
//
// The projector shape (ID/Query/InitialState/TransitionFn) and the
// project-then-append-with-condition flow are the teacher's
// (internal/examples/decision_model/main.go's StateProjector +
// store.Project + store.Append(events, &condition)), generalized from the
// teacher's map[string]any-of-states/single-AppendCondition pair to this
// engine's own Query/Version vocabulary.
package decision

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rodolfodpk/cartengine/internal/eventstore"
	"github.com/rodolfodpk/cartengine/internal/metrics"
)

var tracer = otel.Tracer("cartengine/decision")

// StateProjector folds one Query's matching events into a state value. ID
// keys the resulting state in Project's output map, letting a single
// Decision fold several independent state machines (e.g. "cartExists" and
// "itemCount") in one pass over the log.
type StateProjector struct {
	ID           string
	Query        eventstore.Query
	InitialState any
	TransitionFn func(state any, event eventstore.Event) any
}

// Project folds every projector's query over the log, returning the final
// state per projector ID and the combined Version (the union query's head)
// to condition a subsequent Append on.
func Project(ctx context.Context, store eventstore.Store, projectors []StateProjector) (map[string]any, eventstore.Version, error) {
	states := make(map[string]any, len(projectors))
	for _, p := range projectors {
		states[p.ID] = p.InitialState
	}
	if len(projectors) == 0 {
		return states, eventstore.NoVersion, nil
	}

	union := projectors[0].Query
	for _, p := range projectors[1:] {
		union = union.Union(p.Query)
	}

	events, version, err := store.Read(ctx, union, eventstore.NoVersion)
	if err != nil {
		return nil, 0, err
	}
	for _, e := range events {
		for _, p := range projectors {
			if p.Query.Matches(e) {
				states[p.ID] = p.TransitionFn(states[p.ID], e)
			}
		}
	}
	return states, version, nil
}

// Decision is a single unit of work for the Maker: project Projectors, run
// Decide against the resulting state map, and append whatever events it
// returns under a Version read from the same projection (spec.md §4.B's
// "load → decide → conditionally append" loop).
type Decision struct {
	Projectors []StateProjector
	Decide     func(states map[string]any) ([]eventstore.InputEvent, error)
}

// Maker runs Decisions against a Store, retrying on optimistic-concurrency
// Conflict up to MaxAttempts times with jittered delay (spec.md §4.B).
type Maker struct {
	Store       eventstore.Store
	MaxAttempts int
	BaseDelay   time.Duration
	Metrics     *metrics.Metrics // nil is fine: every Observe* method is a no-op on a nil receiver
}

// NewMaker constructs a Maker with the spec's defaults: 5 attempts, a short
// randomized delay between them.
func NewMaker(store eventstore.Store) *Maker {
	return &Maker{Store: store, MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}
}

// ErrMaxAttempts is returned when every retry attempt loses the Conflict
// race. The caller (an HTTP handler, an automation, a Kafka consumer) is
// expected to surface this as a transient failure, not a domain rejection.
type ErrMaxAttempts struct{ Attempts int }

func (e *ErrMaxAttempts) Error() string {
	return "decision: exhausted retry attempts on conflict"
}

// Run executes d against m.Store.
func (m *Maker) Run(ctx context.Context, d Decision) error {
	ctx, span := tracer.Start(ctx, "decision.Run")
	defer span.End()

	attempts := m.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		span.SetAttributes(attribute.Int("decision.attempt", attempt))
		states, version, err := Project(ctx, m.Store, d.Projectors)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		events, err := d.Decide(states)
		if err != nil {
			span.SetStatus(codes.Error, "domain rejection")
			m.Metrics.ObserveDecision("domain_rejected")
			return err // domain rejection: never retried
		}
		if len(events) == 0 {
			m.Metrics.ObserveDecision("committed")
			return nil
		}

		if len(d.Projectors) == 0 {
			// No state was read, so there is nothing to stay consistent
			// with: this Decision carries no state-dependent validation
			// (spec.md §4.A's AppendWithoutValidation note — e.g. the
			// Kafka Bridge's raw ingestion Decisions). Appending under a
			// Version=0/"matches everything" condition would spuriously
			// conflict against any event already in the store.
			_, err = m.Store.AppendWithoutValidation(ctx, events)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				m.Metrics.ObserveDecision("infra_error")
			} else {
				m.Metrics.ObserveDecision("committed")
			}
			return err
		}

		union := d.Projectors[0].Query
		for _, p := range d.Projectors[1:] {
			union = union.Union(p.Query)
		}

		_, err = m.Store.Append(ctx, union, version, events)
		if err == nil {
			m.Metrics.ObserveDecision("committed")
			return nil
		}
		if !eventstore.IsConflict(err) {
			span.SetStatus(codes.Error, err.Error())
			m.Metrics.ObserveDecision("infra_error")
			return err
		}
		span.AddEvent("conflict")
		m.Metrics.ObserveConflict()
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(m.BaseDelay, attempt)):
		}
	}
	span.SetStatus(codes.Error, "exhausted retry attempts")
	m.Metrics.ObserveDecision("conflict_exhausted")
	return &ErrMaxAttempts{Attempts: attempts}
}

// errProjectorsInTx is returned by RunInTx for a Decision that reads state,
// since a caller-owned tx has no Conflict-retry loop to fall back to.
var errProjectorsInTx = errors.New("decision: RunInTx only supports zero-Projector Decisions")

// RunInTx runs a zero-Projector Decision's Decide and appends the resulting
// events within tx, which the caller began and commits or rolls back itself.
// This is for ingestion paths that must co-locate the append with other
// transactional bookkeeping outside the event store — the Kafka bridge's
// inbound offset checkpoint (spec.md §4.E step 3: "in the same transaction
// that committed the resulting events"). Unlike Run, there is no retry: a
// Decision with Projectors carries state-dependent validation that can only
// be safely retried by re-running Project from scratch, which RunInTx's
// single caller-owned tx does not support.
func (m *Maker) RunInTx(ctx context.Context, tx pgx.Tx, d Decision) error {
	if len(d.Projectors) != 0 {
		return errProjectorsInTx
	}
	events, err := d.Decide(nil)
	if err != nil {
		m.Metrics.ObserveDecision("domain_rejected")
		return err
	}
	if len(events) == 0 {
		m.Metrics.ObserveDecision("committed")
		return nil
	}
	if _, err := m.Store.AppendWithoutValidationTx(ctx, tx, events); err != nil {
		m.Metrics.ObserveDecision("infra_error")
		return fmt.Errorf("decision: RunInTx: %w", err)
	}
	m.Metrics.ObserveDecision("committed")
	return nil
}

// jitter grows the base delay with attempt count and adds up to 50% random
// spread, spreading out competing retries after a shared Conflict.
func jitter(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt+1)
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
