package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// pollInterval bounds how long a tailing Stream iterator waits between
// polls once it has caught up to the head of a query. Kept short: the
// listener runtime (spec.md §4.C) is the only caller that tails indefinitely,
// and it yields to other listeners between events regardless.
const pollInterval = 200 * time.Millisecond

// eventIterator streams a Query's matches in event-id order, replaying
// history first and then tailing new commits until the context is
// cancelled — exactly the two-phase behavior spec.md §4.A requires of
// Store.Stream.
type eventIterator struct {
	store  *store
	query  Query
	last   int64
	buf    []Event
	bufPos int
	closed bool
}

func (s *store) Stream(ctx context.Context, query Query, fromVersion Version) (EventIterator, error) {
	return &eventIterator{store: s, query: query, last: int64(fromVersion)}, nil
}

func (it *eventIterator) fill(ctx context.Context) error {
	args := []any{it.last}
	where, err := queryToSQL(it.query, &args)
	if err != nil {
		return &ValidationError{StoreError: StoreError{Op: "Stream", Err: err}}
	}
	sqlText := fmt.Sprintf(`
		SELECT event_id, kind, tags, payload, committed_at
		FROM event_log
		WHERE event_id > $1 AND %s
		ORDER BY event_id ASC
		LIMIT %d`, where, it.store.fetchBatch)

	rows, err := it.store.pool.Query(ctx, sqlText, args...)
	if err != nil {
		return &StoreError{Op: "Stream", Err: err}
	}
	defer rows.Close()

	var batch []Event
	for rows.Next() {
		var (
			id          int64
			kind        string
			tagsRaw     []byte
			payload     []byte
			committedAt time.Time
		)
		if err := rows.Scan(&id, &kind, &tagsRaw, &payload, &committedAt); err != nil {
			return &StoreError{Op: "Stream", Err: err}
		}
		tags, err := jsonToTags(tagsRaw)
		if err != nil {
			return &StoreError{Op: "Stream", Err: err}
		}
		payload = it.store.applyUpcasters(kind, payload)
		batch = append(batch, Event{ID: id, Kind: kind, Tags: tags, Data: payload, CommittedAt: committedAt})
	}
	if err := rows.Err(); err != nil {
		return &StoreError{Op: "Stream", Err: err}
	}
	it.buf = batch
	it.bufPos = 0
	return nil
}

// Next returns the next matching event. Once history is exhausted it polls
// pollInterval apart for newly committed events, blocking until one arrives
// or ctx is cancelled (ok=false, err=ctx.Err()).
func (it *eventIterator) Next(ctx context.Context) (Event, bool, error) {
	if it.closed {
		return Event{}, false, nil
	}
	for {
		if it.bufPos < len(it.buf) {
			e := it.buf[it.bufPos]
			it.bufPos++
			it.last = e.ID
			return e, true, nil
		}
		if err := it.fill(ctx); err != nil {
			if ctx.Err() != nil {
				return Event{}, false, ctx.Err()
			}
			return Event{}, false, err
		}
		if len(it.buf) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return Event{}, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (it *eventIterator) Close() {
	it.closed = true
}

// applyUpcasters runs every registered upcaster for kind over payload,
// returning the (possibly rewritten) bytes. Errors are swallowed: an
// upcaster is a best-effort default-filler, not a validator — a malformed
// payload still surfaces to the caller's own JSON unmarshal.
func (s *store) applyUpcasters(kind string, payload []byte) []byte {
	fns := s.upcasters[kind]
	if len(fns) == 0 {
		return payload
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return payload
	}
	for _, fn := range fns {
		fn(raw)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return payload
	}
	return out
}
