// Package queue implements the Durable Retry Queue (spec.md §4.D): a
// Postgres-backed task table, claimed in batches via SELECT ... FOR UPDATE
// SKIP LOCKED, executed by a bounded worker pool with exponential backoff,
// and recovered from crashed workers by a lease janitor.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rodolfodpk/cartengine/internal/eventstore"
	"github.com/rodolfodpk/cartengine/internal/metrics"
)

var tracer = otel.Tracer("cartengine/queue")

// Status mirrors spec.md §3's Task.status enum.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Handler executes one task's domain effect. args is the task's raw
// domain_args JSON; the handler is responsible for unmarshaling it into
// whatever shape its task_type expects (e.g. cart.ArchiveItemArgs).
type Handler func(ctx context.Context, args json.RawMessage) error

// Queue is the Retry Queue: enqueue idempotently, run a bounded worker pool
// against registered Handlers, and sweep expired leases.
type Queue struct {
	Pool       *pgxpool.Pool
	Store      eventstore.Store
	Workers    int
	ClaimBatch int
	BackoffMin time.Duration
	BackoffMax time.Duration
	LeaseTTL   time.Duration
	Metrics    *metrics.Metrics // nil is fine: every Observe* method is a no-op on a nil receiver

	handlers map[string]Handler
}

// New constructs a Queue with the spec's suggested defaults: 8 workers,
// batches of 16, 1s..5m backoff, a 2-minute lease.
func New(pool *pgxpool.Pool, store eventstore.Store) *Queue {
	return &Queue{
		Pool:       pool,
		Store:      store,
		Workers:    8,
		ClaimBatch: 16,
		BackoffMin: time.Second,
		BackoffMax: 5 * time.Minute,
		LeaseTTL:   2 * time.Minute,
		handlers:   map[string]Handler{},
	}
}

// RegisterHandler binds a task_type to its execution Handler.
func (q *Queue) RegisterHandler(taskType string, h Handler) {
	q.handlers[taskType] = h
}

// defaultTaskTimeout and defaultMaxAttempts are EnqueueTx's fixed values,
// for listener.Enqueuer callers (Automations) that have no per-task policy
// to express through the fixed five-argument interface.
const (
	defaultTaskTimeout = time.Hour
	defaultMaxAttempts = 8
)

// Enqueue inserts a task outside any caller-owned transaction, for callers
// (e.g. HTTP handlers) that are not already inside one and want to set
// timeout/maxAttempts explicitly rather than take EnqueueTx's defaults.
func (q *Queue) Enqueue(ctx context.Context, taskType string, triggeringEventID *int64, args any, timeout time.Duration, maxAttempts int) error {
	tx, err := q.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := q.enqueueTx(ctx, tx, taskType, derefOrZero(triggeringEventID), args, timeout, maxAttempts); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EnqueueTx implements listener.Enqueuer: inserts a Pending task within the
// caller's transaction, swallowing the unique (task_type,
// triggering_event_id) collision so redelivered Automation events are a
// no-op (spec.md §4.D "Enqueue"). Automations have no per-task policy to
// pass through the interface, so it takes EnqueueTx's fixed defaults.
func (q *Queue) EnqueueTx(ctx context.Context, tx pgx.Tx, taskType string, triggeringEventID int64, args any) error {
	return q.enqueueTx(ctx, tx, taskType, triggeringEventID, args, defaultTaskTimeout, defaultMaxAttempts)
}

func (q *Queue) enqueueTx(ctx context.Context, tx pgx.Tx, taskType string, triggeringEventID int64, args any, timeout time.Duration, maxAttempts int) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("queue: marshal args: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("queue: new task id: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	timeoutAt := time.Now().Add(timeout)
	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (task_id, task_type, triggering_event_id, domain_args, status, next_attempt_at, timeout_at, max_attempts)
		VALUES ($1, $2, $3, $4::jsonb, $5, now(), $6, $7)
		ON CONFLICT (task_type, triggering_event_id) DO NOTHING
	`, id, taskType, triggeringEventID, payload, StatusPending, timeoutAt, maxAttempts)
	return err
}

func derefOrZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// claimedTask is one row locked by Claim.
type claimedTask struct {
	ID                uuid.UUID
	TaskType          string
	TriggeringEventID *int64
	Args              json.RawMessage
	FailedAttempts    int
	MaxAttempts       int
	TimeoutAt         time.Time
}

// Run starts Workers goroutines claiming and executing tasks until ctx is
// cancelled, plus a background janitor sweeping expired leases. It blocks
// until every worker has stopped.
func (q *Queue) Run(ctx context.Context) error {
	done := make(chan struct{})
	go q.runJanitor(ctx, done)

	workerDone := make(chan struct{}, q.Workers)
	for i := 0; i < q.Workers; i++ {
		go func() {
			q.runWorker(ctx)
			workerDone <- struct{}{}
		}()
	}
	for i := 0; i < q.Workers; i++ {
		<-workerDone
	}
	close(done)
	return nil
}

func (q *Queue) runWorker(ctx context.Context) {
	const idlePoll = 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		tasks, err := q.claim(ctx)
		if err != nil {
			log.Printf("queue: claim: %v", err)
			time.Sleep(idlePoll)
			continue
		}
		if len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		for _, t := range tasks {
			q.execute(ctx, t)
		}
	}
}

// claim locks up to ClaimBatch due Pending tasks via FOR UPDATE SKIP LOCKED and transitions them to Running in the same
// transaction (spec.md §4.D step 1).
func (q *Queue) claim(ctx context.Context) ([]claimedTask, error) {
	tx, err := q.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT task_id, task_type, triggering_event_id, domain_args, failed_attempts, max_attempts, timeout_at
		FROM tasks
		WHERE status = $1 AND next_attempt_at <= now()
		ORDER BY next_attempt_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, StatusPending, q.ClaimBatch)
	if err != nil {
		return nil, err
	}

	var claimed []claimedTask
	for rows.Next() {
		var t claimedTask
		if err := rows.Scan(&t.ID, &t.TaskType, &t.TriggeringEventID, &t.Args, &t.FailedAttempts, &t.MaxAttempts, &t.TimeoutAt); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, t := range claimed {
		if _, err := tx.Exec(ctx, `UPDATE tasks SET status = $1, updated_at = now() WHERE task_id = $2`, StatusRunning, t.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

// execute runs the task's Handler with a context bounded by TimeoutAt, then
// applies spec.md §4.D steps 4–5: terminal Failed (plus a task-failure
// domain event) past the deadline or attempt budget, otherwise Pending with
// a backed-off next_attempt_at.
func (q *Queue) execute(ctx context.Context, t claimedTask) {
	ctx, span := tracer.Start(ctx, "queue.execute", trace.WithAttributes(
		attribute.String("task.type", t.TaskType),
		attribute.String("task.id", t.ID.String()),
	))
	defer span.End()

	start := time.Now()
	handler, ok := q.handlers[t.TaskType]
	if !ok {
		log.Printf("queue: task %s: no handler registered for %q", t.ID, t.TaskType)
		span.SetStatus(codes.Error, "unregistered task type")
		q.fail(ctx, t, errors.New("unregistered task type"))
		q.Metrics.ObserveTask(t.TaskType, string(StatusFailed), time.Since(start).Seconds())
		return
	}

	runCtx, cancel := context.WithDeadline(ctx, t.TimeoutAt)
	defer cancel()

	err := handler(runCtx, t.Args)
	if err == nil {
		q.succeed(ctx, t.ID)
		q.Metrics.ObserveTask(t.TaskType, string(StatusSucceeded), time.Since(start).Seconds())
		return
	}
	span.SetStatus(codes.Error, err.Error())

	if time.Now().After(t.TimeoutAt) || t.FailedAttempts+1 >= t.MaxAttempts {
		q.fail(ctx, t, err)
		q.Metrics.ObserveTask(t.TaskType, string(StatusFailed), time.Since(start).Seconds())
		return
	}
	q.reschedule(ctx, t, err)
	q.Metrics.ObserveTask(t.TaskType, string(StatusPending), time.Since(start).Seconds())
}

func (q *Queue) succeed(ctx context.Context, id uuid.UUID) {
	_, err := q.Pool.Exec(ctx, `UPDATE tasks SET status = $1, updated_at = now() WHERE task_id = $2`, StatusSucceeded, id)
	if err != nil {
		log.Printf("queue: mark succeeded %s: %v", id, err)
	}
}

func (q *Queue) reschedule(ctx context.Context, t claimedTask, cause error) {
	next := time.Now().Add(backoffDelay(q.BackoffMin, q.BackoffMax, t.FailedAttempts+1))
	_, err := q.Pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, failed_attempts = failed_attempts + 1, next_attempt_at = $2, updated_at = now(), last_error = $3
		WHERE task_id = $4
	`, StatusPending, next, cause.Error(), t.ID)
	if err != nil {
		log.Printf("queue: reschedule %s: %v", t.ID, err)
	}
}

// fail moves the task to its terminal state and appends a task-failure
// domain event via AppendWithoutValidation (spec.md §4.D step 4, §7
// TaskFailure) carrying triggering_event_id and task_type for observability.
func (q *Queue) fail(ctx context.Context, t claimedTask, cause error) {
	_, err := q.Pool.Exec(ctx, `
		UPDATE tasks SET status = $1, updated_at = now(), last_error = $2 WHERE task_id = $3
	`, StatusFailed, cause.Error(), t.ID)
	if err != nil {
		log.Printf("queue: mark failed %s: %v", t.ID, err)
	}

	payload, _ := json.Marshal(struct {
		TaskID   string `json:"task_id"`
		TaskType string `json:"task_type"`
		Cause    string `json:"cause"`
	}{TaskID: t.ID.String(), TaskType: t.TaskType, Cause: cause.Error()})

	tags := []eventstore.Tag{eventstore.NewTag("task_type", t.TaskType)}
	if t.TriggeringEventID != nil {
		tags = append(tags, eventstore.NewTag("triggering_event_id", fmt.Sprint(*t.TriggeringEventID)))
	}
	event := eventstore.NewInputEvent("TaskFailed", tags, payload)
	if _, err := q.Store.AppendWithoutValidation(ctx, []eventstore.InputEvent{event}); err != nil {
		log.Printf("queue: append TaskFailed for %s: %v", t.ID, err)
	}
}

// backoffDelay computes backoff(n) = min(cap, base*2^(n-1)) ± jitter
// (spec.md §4.D step 5), via cenkalti/backoff/v4's ExponentialBackOff so the
// growth curve and its jitter match the library's well-tested defaults
// rather than a hand-rolled formula.
func backoffDelay(min, max time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.Reset() // restart the curve at InitialInterval rather than the library default

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = min + time.Duration(rand.Int63n(int64(min)+1))
	}
	return d
}

// runJanitor periodically resets Running tasks whose updated_at is older
// than LeaseTTL back to Pending — crash recovery for workers that died
// mid-execution (spec.md §4.D step 6).
func (q *Queue) runJanitor(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(q.LeaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if _, err := q.Pool.Exec(ctx, `
				UPDATE tasks SET status = $1, updated_at = now()
				WHERE status = $2 AND updated_at < now() - $3::interval
			`, StatusPending, StatusRunning, q.LeaseTTL.String()); err != nil {
				log.Printf("queue: janitor sweep: %v", err)
			}
		}
	}
}
