package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the core interface for appending and reading events (spec.md
// §4.A). It intentionally has no per-stream handles: a Stream/Query is just
// a value passed to Stream/Head/Append, never a physical partition.
type Store interface {
	// Append atomically validates the Query against Version and, if no
	// newer matching event exists, inserts events with freshly allocated
	// strictly-increasing ids. Returns ConflictError otherwise.
	Append(ctx context.Context, query Query, version Version, events []InputEvent) (Version, error)

	// AppendWithoutValidation skips the version check, for ingestion paths
	// whose commands carry no state-dependent validation (spec.md §4.A).
	AppendWithoutValidation(ctx context.Context, events []InputEvent) (Version, error)

	// AppendWithoutValidationTx is AppendWithoutValidation run inside a
	// caller-owned tx instead of a transaction this Store begins and commits
	// itself, so a caller that must co-locate the append with other
	// bookkeeping in the same commit (spec.md §4.E step 3: the Kafka bridge's
	// inbound offset checkpoint) can do so. The caller commits or rolls back.
	AppendWithoutValidationTx(ctx context.Context, tx pgx.Tx, events []InputEvent) (Version, error)

	// RegisterUpcaster adds a default-value upcaster for events of kind
	// (spec.md §4.A.1), applied by Read and Stream whenever a fetched
	// payload is missing a field the upcaster fills in.
	RegisterUpcaster(kind string, fn Upcaster)

	// Stream returns events matching query in id order, starting strictly
	// after fromVersion. Once history is exhausted it tails: the returned
	// iterator blocks in Next until a new matching event commits or ctx is
	// cancelled. For a bounded read of history only, use Read.
	Stream(ctx context.Context, query Query, fromVersion Version) (EventIterator, error)

	// Read returns every event currently matching query (strictly after
	// fromVersion) and the resulting Version, without tailing. This is what
	// the Decision Maker's Project uses to load state: a command handler
	// reads the log as of now, never waits for more of it.
	Read(ctx context.Context, query Query, fromVersion Version) ([]Event, Version, error)

	// Head returns the query's current Version without reading events.
	Head(ctx context.Context, query Query) (Version, error)
}

// EventIterator is a restartable, cancelable cursor over a Query's matching
// events in id order.
type EventIterator interface {
	Next(ctx context.Context) (Event, bool, error)
	Close()
}

type store struct {
	pool       *pgxpool.Pool
	upcasters  map[string][]Upcaster
	fetchBatch int
}

// Upcaster fills in a default for a field absent from an older event's JSON
// payload (spec.md §6: "event payload JSON is versioned in-place; absent new
// fields are defaulted by a registered upcaster function per (kind, field)").
// It is intentionally the only schema-evolution mechanism this engine
// provides — breaking changes require a new event kind, out of scope here.
type Upcaster func(raw map[string]any)

// New constructs a Store bound to pool. The caller owns the pool's
// lifecycle (the teacher's NewEventStore does the same: it pings and
// validates, but never closes, the supplied pool).
func New(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("eventstore: ping: %w", err)
	}
	return &store{pool: pool, upcasters: map[string][]Upcaster{}, fetchBatch: 500}, nil
}

// RegisterUpcaster implements Store.
func (s *store) RegisterUpcaster(kind string, fn Upcaster) {
	s.upcasters[kind] = append(s.upcasters[kind], fn)
}

func tagsToJSON(tags []Tag) ([]byte, error) {
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return json.Marshal(m)
}

func jsonToTags(raw []byte) ([]Tag, error) {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	tags := make([]Tag, 0, len(m))
	for k, v := range m {
		tags = append(tags, Tag{Key: k, Value: v})
	}
	return tags, nil
}

// queryToSQL renders a Query's OR-of-AND items as a single boolean
// expression matching rows of event_log, following the teacher's
// tags-as-jsonb-containment pattern (checkForMatchingEvents in
// append_events.go) generalized to a kind-set AND tag-set match per item,
// ORed across items, instead of a single kind/tag pair.
func queryToSQL(q Query, args *[]any) (string, error) {
	if len(q.Items) == 0 {
		return "FALSE", nil
	}
	clauses := make([]string, 0, len(q.Items))
	for _, item := range q.Items {
		clause := "TRUE"
		if len(item.Kinds) > 0 {
			*args = append(*args, item.Kinds)
			clause = fmt.Sprintf("kind = ANY($%d::text[])", len(*args))
		}
		if len(item.Tags) > 0 {
			tagsJSON, err := tagsToJSON(item.Tags)
			if err != nil {
				return "", err
			}
			*args = append(*args, tagsJSON)
			clause = fmt.Sprintf("(%s AND tags @> $%d::jsonb)", clause, len(*args))
		}
		clauses = append(clauses, "("+clause+")")
	}
	sql := clauses[0]
	for _, c := range clauses[1:] {
		sql += " OR " + c
	}
	return "(" + sql + ")", nil
}

// Read implements Store. It pages through matches fetchBatch rows at a time
// until exhausted — the same query shape Stream's iterator uses, minus the
// tailing poll loop, since a Decision's Project call wants exactly "the log
// as of now", never "the log as it grows".
func (s *store) Read(ctx context.Context, query Query, fromVersion Version) ([]Event, Version, error) {
	var (
		out  []Event
		last = int64(fromVersion)
	)
	for {
		args := []any{last}
		where, err := queryToSQL(query, &args)
		if err != nil {
			return nil, 0, &ValidationError{StoreError: StoreError{Op: "Read", Err: err}}
		}
		sqlText := fmt.Sprintf(`
			SELECT event_id, kind, tags, payload, committed_at
			FROM event_log
			WHERE event_id > $1 AND %s
			ORDER BY event_id ASC
			LIMIT %d`, where, s.fetchBatch)

		rows, err := s.pool.Query(ctx, sqlText, args...)
		if err != nil {
			return nil, 0, &StoreError{Op: "Read", Err: err}
		}
		n := 0
		for rows.Next() {
			var (
				id          int64
				kind        string
				tagsRaw     []byte
				payload     []byte
				committedAt time.Time
			)
			if err := rows.Scan(&id, &kind, &tagsRaw, &payload, &committedAt); err != nil {
				rows.Close()
				return nil, 0, &StoreError{Op: "Read", Err: err}
			}
			tags, err := jsonToTags(tagsRaw)
			if err != nil {
				rows.Close()
				return nil, 0, &StoreError{Op: "Read", Err: err}
			}
			payload = s.applyUpcasters(kind, payload)
			out = append(out, Event{ID: id, Kind: kind, Tags: tags, Data: payload, CommittedAt: committedAt})
			last = id
			n++
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, 0, &StoreError{Op: "Read", Err: err}
		}
		if n < s.fetchBatch {
			break
		}
	}
	return out, Version(last), nil
}

// Head implements Store.
func (s *store) Head(ctx context.Context, query Query) (Version, error) {
	args := []any{}
	where, err := queryToSQL(query, &args)
	if err != nil {
		return 0, &ValidationError{StoreError: StoreError{Op: "Head", Err: err}}
	}
	sqlText := fmt.Sprintf(`SELECT COALESCE(MAX(event_id), 0) FROM event_log WHERE %s`, where)
	var v int64
	if err := s.pool.QueryRow(ctx, sqlText, args...).Scan(&v); err != nil {
		return 0, &StoreError{Op: "Head", Err: err}
	}
	return Version(v), nil
}

// checkNoNewerMatch verifies, inside tx, that no event matching query was
// committed with id > version. It is the DCB optimistic-concurrency gate.
func checkNoNewerMatch(ctx context.Context, tx pgx.Tx, query Query, version Version) error {
	args := []any{int64(version)}
	where, err := queryToSQL(query, &args)
	if err != nil {
		return &ValidationError{StoreError: StoreError{Op: "Append", Err: err}}
	}
	sqlText := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM event_log WHERE event_id > $1 AND %s)`, where)
	var exists bool
	if err := tx.QueryRow(ctx, sqlText, args...).Scan(&exists); err != nil {
		return &StoreError{Op: "Append", Err: err}
	}
	if exists {
		return &ConflictError{
			StoreError: StoreError{Op: "Append", Err: fmt.Errorf("newer event matches query since version %d", version)},
			Query:      query,
			ObservedAt: version,
		}
	}
	return nil
}

// insertEvents allocates ids from event_log_id_seq (a single advancing
// sequence serialized by Postgres, per spec.md §4.A's design note) and
// inserts events within tx. Returns the new Version.
func insertEvents(ctx context.Context, tx pgx.Tx, events []InputEvent) (Version, error) {
	if len(events) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for i, e := range events {
		if e.Kind == "" {
			return 0, &ValidationError{
				StoreError: StoreError{Op: "Append", Err: fmt.Errorf("event %d: empty kind", i)},
				Field:      "kind",
			}
		}
		if !json.Valid(e.Data) {
			return 0, &ValidationError{
				StoreError: StoreError{Op: "Append", Err: fmt.Errorf("event %d: invalid JSON payload", i)},
				Field:      "data",
			}
		}
		tagsJSON, err := tagsToJSON(e.Tags)
		if err != nil {
			return 0, &StoreError{Op: "Append", Err: err}
		}
		batch.Queue(`
			INSERT INTO event_log (event_id, kind, tags, payload, committed_at)
			VALUES (nextval('event_log_id_seq'), $1, $2::jsonb, $3::jsonb, now())
			RETURNING event_id
		`, e.Kind, tagsJSON, []byte(e.Data))
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	var last int64
	for range events {
		if err := br.QueryRow().Scan(&last); err != nil {
			return 0, &StoreError{Op: "Append", Err: fmt.Errorf("insert: %w", err)}
		}
	}
	return Version(last), nil
}

// Append implements Store.
func (s *store) Append(ctx context.Context, query Query, version Version, events []InputEvent) (Version, error) {
	if len(events) == 0 {
		return version, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &StoreError{Op: "Append", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := checkNoNewerMatch(ctx, tx, query, version); err != nil {
		return 0, err
	}
	newVersion, err := insertEvents(ctx, tx, events)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &StoreError{Op: "Append", Err: err}
	}
	return newVersion, nil
}

// AppendWithoutValidation implements Store.
func (s *store) AppendWithoutValidation(ctx context.Context, events []InputEvent) (Version, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, &StoreError{Op: "AppendWithoutValidation", Err: err}
	}
	defer tx.Rollback(ctx)

	newVersion, err := insertEvents(ctx, tx, events)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, &StoreError{Op: "AppendWithoutValidation", Err: err}
	}
	return newVersion, nil
}

// AppendWithoutValidationTx implements Store.
func (s *store) AppendWithoutValidationTx(ctx context.Context, tx pgx.Tx, events []InputEvent) (Version, error) {
	if len(events) == 0 {
		return 0, nil
	}
	return insertEvents(ctx, tx, events)
}
