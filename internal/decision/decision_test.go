package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rodolfodpk/cartengine/internal/eventstore"
	"github.com/rodolfodpk/cartengine/internal/eventstore/eventstoretest"
)

func countingProjector(id string, query eventstore.Query) StateProjector {
	return StateProjector{
		ID:           id,
		Query:        query,
		InitialState: 0,
		TransitionFn: func(state any, e eventstore.Event) any { return state.(int) + 1 },
	}
}

func TestProject_FoldsMatchingEventsPerProjector(t *testing.T) {
	store := eventstoretest.New()
	ctx := context.Background()

	_, err := store.AppendWithoutValidation(ctx, []eventstore.InputEvent{
		eventstore.NewInputEvent("ItemAdded", eventstore.Tags("cart_id", "c1"), []byte(`{}`)),
		eventstore.NewInputEvent("ItemAdded", eventstore.Tags("cart_id", "c2"), []byte(`{}`)),
	})
	require.NoError(t, err)

	p := countingProjector("c1_items", eventstore.NewQuery([]string{"ItemAdded"}, eventstore.Tags("cart_id", "c1")))
	states, version, err := Project(ctx, store, []StateProjector{p})
	require.NoError(t, err)
	assert.Equal(t, 1, states["c1_items"])
	assert.Equal(t, eventstore.Version(1), version)
}

func TestProject_NoProjectorsReturnsNoVersion(t *testing.T) {
	states, version, err := Project(context.Background(), eventstoretest.New(), nil)
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Equal(t, eventstore.NoVersion, version)
}

func TestMaker_Run_CommitsWhenNoConflict(t *testing.T) {
	store := eventstoretest.New()
	maker := NewMaker(store)
	maker.BaseDelay = time.Millisecond

	d := Decision{
		Projectors: []StateProjector{countingProjector("x", eventstore.NewQueryAll())},
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			return []eventstore.InputEvent{eventstore.NewInputEvent("Whatever", nil, []byte(`{}`))}, nil
		},
	}
	require.NoError(t, maker.Run(context.Background(), d))

	events, _, err := store.Read(context.Background(), eventstore.NewQueryAll(), eventstore.NoVersion)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMaker_Run_DomainRejectionIsNeverRetried(t *testing.T) {
	store := eventstoretest.New()
	maker := NewMaker(store)
	attempts := 0

	d := Decision{
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			attempts++
			return nil, errors.New("rejected")
		},
	}
	err := maker.Run(context.Background(), d)
	assert.EqualError(t, err, "rejected")
	assert.Equal(t, 1, attempts)
}

func TestMaker_Run_ZeroProjectorsSkipsValidation(t *testing.T) {
	store := eventstoretest.New()
	ctx := context.Background()
	_, err := store.AppendWithoutValidation(ctx, []eventstore.InputEvent{
		eventstore.NewInputEvent("Unrelated", nil, []byte(`{}`)),
	})
	require.NoError(t, err)

	maker := NewMaker(store)
	d := Decision{
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			return []eventstore.InputEvent{eventstore.NewInputEvent("Ingested", nil, []byte(`{}`))}, nil
		},
	}
	// A Version=0 Append against a catch-all query would spuriously
	// conflict with the event already in the store; the zero-Projector
	// path must route through AppendWithoutValidation instead.
	require.NoError(t, maker.Run(ctx, d))

	events, _, err := store.Read(ctx, eventstore.NewQueryAll(), eventstore.NoVersion)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestMaker_Run_ExhaustsRetriesOnPersistentConflict(t *testing.T) {
	store := eventstoretest.New()
	ctx := context.Background()
	query := eventstore.NewQuery([]string{"Bump"}, nil)

	maker := NewMaker(store)
	maker.MaxAttempts = 3
	maker.BaseDelay = time.Millisecond

	d := Decision{
		Projectors: []StateProjector{countingProjector("bumps", query)},
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			// Every decide call races a concurrent writer that always
			// lands one Bump ahead of whatever version was read.
			_, err := store.AppendWithoutValidation(ctx, []eventstore.InputEvent{
				eventstore.NewInputEvent("Bump", nil, []byte(`{}`)),
			})
			require.NoError(t, err)
			return []eventstore.InputEvent{eventstore.NewInputEvent("Bump", nil, []byte(`{}`))}, nil
		},
	}

	err := maker.Run(ctx, d)
	var maxAttempts *ErrMaxAttempts
	require.ErrorAs(t, err, &maxAttempts)
	assert.Equal(t, 3, maxAttempts.Attempts)
}

func TestMaker_RunInTx_AppendsWithoutRetryOrValidation(t *testing.T) {
	store := eventstoretest.New()
	ctx := context.Background()

	maker := NewMaker(store)
	d := Decision{
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			return []eventstore.InputEvent{eventstore.NewInputEvent("Ingested", nil, []byte(`{}`))}, nil
		},
	}
	require.NoError(t, maker.RunInTx(ctx, nil, d))

	events, _, err := store.Read(ctx, eventstore.NewQueryAll(), eventstore.NoVersion)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMaker_RunInTx_RejectsProjectorBearingDecisions(t *testing.T) {
	store := eventstoretest.New()
	ctx := context.Background()

	maker := NewMaker(store)
	d := Decision{
		Projectors: []StateProjector{countingProjector("x", eventstore.NewQuery([]string{"X"}, nil))},
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			return nil, nil
		},
	}
	err := maker.RunInTx(ctx, nil, d)
	require.Error(t, err)
}

func TestJitter_NeverBelowBase(t *testing.T) {
	base := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		d := jitter(base, attempt)
		assert.GreaterOrEqual(t, d, base*time.Duration(attempt+1))
	}
}
