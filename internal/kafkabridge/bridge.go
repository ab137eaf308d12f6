// Package kafkabridge implements the Kafka Ingress/Egress Bridge (spec.md
// §4.E): an inbound consumer per topic that translates messages into
// Commands run through the Decision Maker, checkpointed in the same
// database transaction as the resulting event append, plus an outbound
// transactional publish helper used from inside a Retry Queue task handler.
//
// Inbound consumption is grounded on twmb/franz-go's kgo.Client
// (SeedBrokers/ConsumeTopics/PollFetches), the same library abramin-Credo
// and rodaine-franz-go use; outbound publication uses franz-go's
// transactional producer (BeginTransaction/Produce/EndTransaction).
package kafkabridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rodolfodpk/cartengine/internal/decision"
	"github.com/rodolfodpk/cartengine/internal/eventstore"
)

// MalformedPolicy decides what an inbound consumer does with a message it
// cannot decode into a Command (spec.md §9's open question, resolved here
// per-topic).
type MalformedPolicy int

const (
	// SkipAndLog records the error and advances the offset anyway — the
	// default for inventories/price-changes per spec.md §4.E step 3.
	SkipAndLog MalformedPolicy = iota
	// Halt stops the consumer, leaving the offset unadvanced, for topics
	// where a malformed message indicates a producer-side bug that should
	// page an operator rather than silently drop data.
	Halt
)

// Decode turns a raw Kafka message value into an InputEvent-producing
// Decision, or reports it as malformed.
type Decode func(value []byte) (decision.Decision, error)

// TopicRegistration binds one inbound topic to its decode function and
// malformed-input policy (spec.md §4.E.1).
type TopicRegistration struct {
	Topic  string
	Decode Decode
	Policy MalformedPolicy
}

// Bridge owns one franz-go client per registered inbound topic (kept
// separate so each topic's offset checkpoint and malformed-input policy are
// independent, per spec.md §4.E step 3's "per topic" wording) plus the
// shared Decision Maker and database pool used for checkpointing.
type Bridge struct {
	Pool    *pgxpool.Pool
	Maker   *decision.Maker
	Brokers []string

	topics []TopicRegistration
}

// New constructs a Bridge.
func New(pool *pgxpool.Pool, maker *decision.Maker, brokers []string) *Bridge {
	return &Bridge{Pool: pool, Maker: maker, Brokers: brokers}
}

// RegisterTopic adds an inbound topic registration. Must be called before
// Run.
func (b *Bridge) RegisterTopic(reg TopicRegistration) {
	b.topics = append(b.topics, reg)
}

// Run starts one consumer goroutine per registered topic and blocks until
// ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	errs := make(chan error, len(b.topics))
	for _, reg := range b.topics {
		reg := reg
		go func() {
			errs <- b.consumeTopic(ctx, reg)
		}()
	}
	var firstErr error
	for range b.topics {
		if err := <-errs; err != nil && ctx.Err() == nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bridge) consumeTopic(ctx context.Context, reg TopicRegistration) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.Brokers...),
		kgo.ConsumeTopics(reg.Topic),
		kgo.ConsumerGroup("cartengine-"+reg.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("kafkabridge: new client for %s: %w", reg.Topic, err)
	}
	defer client.Close()

	for {
		if ctx.Err() != nil {
			return nil
		}
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Printf("kafkabridge: fetch error topic=%s partition=%d: %v", topic, partition, err)
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			if err := b.handleRecord(ctx, reg, rec); err != nil {
				log.Printf("kafkabridge: %s offset=%d: %v", reg.Topic, rec.Offset, err)
			}
		})
		client.CommitUncommittedOffsets(ctx)
	}
}

// handleRecord implements spec.md §4.E step 2–3: skip already-processed
// offsets, decode, invoke the Decision Maker, and checkpoint in the same
// transaction the resulting events commit in. Everything below the initial
// unconditional-skip check runs inside one tx, so a crash between the
// append and the offset advance is impossible: either both commit, or
// neither does and the message is re-polled.
func (b *Bridge) handleRecord(ctx context.Context, reg TopicRegistration, rec *kgo.Record) error {
	tx, err := b.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("kafkabridge: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	last, err := b.checkpoint(ctx, tx, reg.Topic, rec.Partition)
	if err != nil {
		return err
	}
	if rec.Offset <= last {
		return nil
	}

	d, err := reg.Decode(rec.Value)
	if err != nil {
		if reg.Policy == Halt {
			return fmt.Errorf("malformed message, halting per policy: %w", err)
		}
		log.Printf("kafkabridge: %s offset=%d: malformed, skipping: %v", reg.Topic, rec.Offset, err)
		if err := b.advanceCheckpoint(ctx, tx, reg.Topic, rec.Partition, rec.Offset); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if err := b.Maker.RunInTx(ctx, tx, d); err != nil {
		if isRetryable(err) {
			// Conflict (exhausted retries) or infra error: leave the offset
			// unadvanced so this message is re-polled (spec.md §4.E step 3).
			// tx is rolled back by the deferred Rollback, undoing any partial
			// append this attempt may have made.
			return err
		}
		log.Printf("kafkabridge: %s offset=%d: domain rejection, advancing: %v", reg.Topic, rec.Offset, err)
		if err := b.advanceCheckpoint(ctx, tx, reg.Topic, rec.Partition, rec.Offset); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
	if err := b.advanceCheckpoint(ctx, tx, reg.Topic, rec.Partition, rec.Offset); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// isRetryable distinguishes the two non-domain-rejection outcomes of
// Maker.Run (exhausted Conflict retries, or a TransientInfraError from the
// store itself) from a genuine DomainError. Anything that is not one of
// those recognized infra/conflict shapes is treated as a domain rejection,
// since every Decision in this engine reports rejections as plain error
// values with no shared marker interface (spec.md §7 draws the taxonomy
// line by origin, not by a Go type all of them implement).
func isRetryable(err error) bool {
	if eventstore.IsConflict(err) {
		return true
	}
	var maxAttempts *decision.ErrMaxAttempts
	if errors.As(err, &maxAttempts) {
		return true
	}
	var storeErr *eventstore.StoreError
	return errors.As(err, &storeErr)
}

func (b *Bridge) checkpoint(ctx context.Context, tx pgx.Tx, topic string, partition int32) (int64, error) {
	var offset int64
	err := tx.QueryRow(ctx, `
		SELECT last_offset FROM kafka_topic_offsets WHERE topic = $1 AND partition = $2
	`, topic, partition).Scan(&offset)
	if err != nil {
		return -1, nil // no row yet: treat as "everything unseen"
	}
	return offset, nil
}

func (b *Bridge) advanceCheckpoint(ctx context.Context, tx pgx.Tx, topic string, partition int32, offset int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO kafka_topic_offsets (topic, partition, last_offset, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (topic, partition) DO UPDATE SET last_offset = $3, updated_at = now()
		WHERE kafka_topic_offsets.last_offset < $3
	`, topic, partition, offset)
	return err
}

// Publisher wraps a transactional franz-go producer for the outbound half
// of the bridge (spec.md §4.E "Outbound"): used from inside a Retry Queue
// task handler (e.g. PublishCart), never from a Listener.
type Publisher struct {
	client *kgo.Client
}

// NewPublisher constructs a transactional producer. transactionalID should
// be stable per logical publisher instance, per franz-go's exactly-once
// semantics.
func NewPublisher(brokers []string, transactionalID string) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.TransactionTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafkabridge: new publisher: %w", err)
	}
	return &Publisher{client: client}, nil
}

func (p *Publisher) Close() { p.client.Close() }

// PublishOne sends one message inside its own producer transaction and
// commits that transaction before returning (or aborts it on failure); the
// caller (a task Handler) then appends its own success domain event — spec.md §4.E's documented two-step
// protocol; if the second step fails, the handler returns error and the
// queue's idempotent retry (tolerated via the message's correlation id)
// covers the gap rather than a distributed transaction.
func (p *Publisher) PublishOne(ctx context.Context, topic string, key, value []byte) error {
	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("kafkabridge: begin transaction: %w", err)
	}
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	resultCh := make(chan error, 1)
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) { resultCh <- err })
	select {
	case err := <-resultCh:
		if err != nil {
			_ = p.client.AbortBufferedRecords(ctx)
			_ = p.client.EndTransaction(ctx, kgo.TryAbort)
			return fmt.Errorf("kafkabridge: produce: %w", err)
		}
	case <-ctx.Done():
		_ = p.client.AbortBufferedRecords(ctx)
		_ = p.client.EndTransaction(ctx, kgo.TryAbort)
		return ctx.Err()
	}
	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("kafkabridge: commit transaction: %w", err)
	}
	return nil
}

// MarshalCorrelated is a small helper task handlers use to embed a stable
// correlation id in an outbound payload, so duplicate publishes (the cost
// of the two-step protocol's non-atomicity) are recognizable downstream.
func MarshalCorrelated(correlationID string, v any) ([]byte, error) {
	wrapped := struct {
		CorrelationID string `json:"correlation_id"`
		Data          any    `json:"data"`
	}{CorrelationID: correlationID, Data: v}
	return json.Marshal(wrapped)
}
