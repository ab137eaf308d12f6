// Package listener implements the Projection/Listener Runtime (spec.md
// §4.C): durable, at-least-once consumers of the event log, each filtered by
// its own Query and checkpointed independently. A listener is either a
// Projection (updates read-model rows, idempotent via a last_event_id row
// guard) or an Automation (enqueues idempotent Commands into the Retry
// Queue, deduplicated by triggering_event_id).
package listener

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rodolfodpk/cartengine/internal/eventstore"
	"github.com/rodolfodpk/cartengine/internal/metrics"
)

var tracer = otel.Tracer("cartengine/listener")

// Mode distinguishes a read-model Projection from a Command-enqueuing
// Automation (spec.md §4.C).
type Mode int

const (
	Projection Mode = iota
	Automation
	// Combined drives both a Project and an Automate handler off the same
	// checkpointed cursor, for a Serializing Stream Union (spec.md
	// §4.C.1): a listener whose Automate handler reads read-model rows an
	// earlier event in the SAME union may have written must see that
	// write applied in global event-id order, which only a single
	// sequential cursor over both event kinds can guarantee. Two separate
	// Registrations — even over queries that together cover the same
	// kinds, run by independent goroutines with independent checkpoints —
	// do not: one can race ahead of the other.
	Combined
)

// Task is a Command an Automation handler wants enqueued, correlated with
// the triggering event for idempotent redelivery.
type Task struct {
	TaskType string
	Args     any
}

// Enqueuer inserts an idempotent task row within the caller's transaction —
// implemented by the queue package. Listener and queue are kept decoupled
// via this interface so neither imports the other's internals.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, taskType string, triggeringEventID int64, args any) error
}

// ProjectionHandler updates read-model rows for e within tx. Implementations
// MUST guard mutations with "WHERE last_event_id < e.ID" so at-least-once
// redelivery is a no-op the second time (spec.md §4.C step 3).
type ProjectionHandler func(ctx context.Context, tx pgx.Tx, e eventstore.Event) error

// AutomationHandler derives zero or more Tasks from e. It may read (never
// write) read-model rows through tx — the CartItems automation (spec.md
// §4.C.1) needs exactly this to look up carts affected by a PriceChanged
// event before enqueuing ArchiveItemCommand tasks for them.
type AutomationHandler func(ctx context.Context, tx pgx.Tx, e eventstore.Event) ([]Task, error)

// Registration binds a Query to Project and/or Automate, per Mode:
// Projection uses only Project, Automation uses only Automate, and
// Combined runs both (Project first, then Automate) off the same
// checkpointed cursor — the shape a Serializing Stream Union needs.
type Registration struct {
	ID       string
	Query    eventstore.Query
	Mode     Mode
	Project  ProjectionHandler
	Automate AutomationHandler
}

// Runtime drives every registered Listener concurrently, each sequentially
// within itself (spec.md §4.C's backpressure rule: "a slow listener does not
// block others").
type Runtime struct {
	Store    eventstore.Store
	Pool     *pgxpool.Pool
	Enqueuer Enqueuer
	Metrics  *metrics.Metrics // nil is fine: every Observe*/Set* method is a no-op on a nil receiver

	regs []Registration
}

// Register adds a Listener. Must be called before Run.
func (r *Runtime) Register(reg Registration) {
	r.regs = append(r.regs, reg)
}

// Run blocks, driving every registered listener until ctx is cancelled, at
// which point it waits for each to stop between events (never mid-
// transaction, per spec.md §5) and returns the first non-context error.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, reg := range r.regs {
		reg := reg
		g.Go(func() error {
			if err := r.runOne(ctx, reg); err != nil && ctx.Err() == nil {
				return fmt.Errorf("listener %s: %w", reg.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Runtime) runOne(ctx context.Context, reg Registration) error {
	last, err := r.loadCheckpoint(ctx, reg.ID)
	if err != nil {
		return err
	}

	it, err := r.Store.Stream(ctx, reg.Query, last)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		e, ok, err := it.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			return nil
		}
		if err := r.handle(ctx, reg, e); err != nil {
			log.Printf("listener %s: event %d: %v", reg.ID, e.ID, err)
			return err
		}
		if head, err := r.Store.Head(ctx, reg.Query); err == nil {
			r.Metrics.SetListenerLag(reg.ID, int64(head)-e.ID)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, reg Registration, e eventstore.Event) error {
	ctx, span := tracer.Start(ctx, "listener.handle", trace.WithAttributes(
		attribute.String("listener.id", reg.ID),
		attribute.Int64("event.id", e.ID),
		attribute.String("event.kind", e.Kind),
	))
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer tx.Rollback(ctx)

	if reg.Mode == Projection || reg.Mode == Combined {
		if err := reg.Project(ctx, tx, e); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	if reg.Mode == Automation || reg.Mode == Combined {
		tasks, err := reg.Automate(ctx, tx, e)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		for _, t := range tasks {
			if err := r.Enqueuer.EnqueueTx(ctx, tx, t.TaskType, e.ID, t.Args); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return err
			}
		}
	}

	if err := r.advanceCheckpoint(ctx, tx, reg.ID, e.ID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (r *Runtime) loadCheckpoint(ctx context.Context, listenerID string) (eventstore.Version, error) {
	var offset int64
	err := r.Pool.QueryRow(ctx, `
		INSERT INTO listener_checkpoints (listener_id, last_offset)
		VALUES ($1, 0)
		ON CONFLICT (listener_id) DO UPDATE SET listener_id = EXCLUDED.listener_id
		RETURNING last_offset
	`, listenerID).Scan(&offset)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", listenerID, err)
	}
	return eventstore.Version(offset), nil
}

func (r *Runtime) advanceCheckpoint(ctx context.Context, tx pgx.Tx, listenerID string, eventID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE listener_checkpoints
		SET last_offset = $2, updated_at = now()
		WHERE listener_id = $1 AND last_offset < $2
	`, listenerID, eventID)
	return err
}

// Reset truncates a listener's checkpoint back to zero, for operator-driven
// replay (spec.md §4.C). automation reports whether listenerID is an
// Automation or Combined registration; Reset refuses those with an error
// and leaves their checkpoint untouched, since their Commands are only
// idempotent with respect to already-recorded triggering events, not with
// respect to a second full replay of history.
func Reset(ctx context.Context, pool *pgxpool.Pool, listenerID string, automation bool) error {
	if automation {
		return fmt.Errorf("listener %s: refusing reset: automation listeners are not safe to replay from zero", listenerID)
	}
	_, err := pool.Exec(ctx, `UPDATE listener_checkpoints SET last_offset = 0, updated_at = now() WHERE listener_id = $1`, listenerID)
	return err
}
