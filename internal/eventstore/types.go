// Package eventstore implements the append-only, query-addressable event log
// that underlies the Dynamic Consistency Boundary (DCB) model: state needed
// to validate a command is derived on demand from a Query over the log,
// rather than loaded from a predeclared aggregate.
package eventstore

import "time"

// Tag is a key/value correlation id attached to an event (cart id, product
// id, item id, ...). Tags are how a Query binds to specific identifiers
// without a physical per-entity partition.
type Tag struct {
	Key   string
	Value string
}

// NewTag constructs a Tag.
func NewTag(key, value string) Tag {
	return Tag{Key: key, Value: value}
}

// Tags is a convenience constructor for an even number of key/value strings.
func Tags(kv ...string) []Tag {
	if len(kv)%2 != 0 {
		return nil
	}
	tags := make([]Tag, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		tags[i/2] = Tag{Key: kv[i], Value: kv[i+1]}
	}
	return tags
}

// InputEvent is an event awaiting assignment of an id and commit timestamp.
type InputEvent struct {
	Kind string // event kind, e.g. "ItemAdded"
	Tags []Tag
	Data []byte // JSON-encoded payload
}

// NewInputEvent builds an InputEvent from an already JSON-encoded payload.
func NewInputEvent(kind string, tags []Tag, data []byte) InputEvent {
	return InputEvent{Kind: kind, Tags: tags, Data: data}
}

// Event is a persisted, immutable record. ID is the single source of total
// order across every stream in the store.
type Event struct {
	ID          int64
	Kind        string
	Tags        []Tag
	Data        []byte
	CommittedAt time.Time
}

// HasTag reports whether the event carries the given tag.
func (e Event) HasTag(key, value string) bool {
	for _, t := range e.Tags {
		if t.Key == key && t.Value == value {
			return true
		}
	}
	return false
}

// QueryItem is a single atomic condition: event kind in Kinds (or any kind,
// if Kinds is empty) AND every tag in Tags present on the event.
type QueryItem struct {
	Kinds []string
	Tags  []Tag
}

// Query is one or more QueryItems combined with OR. A Stream (spec.md §3) is
// realized as a Query with a declared kind-set and no tag bindings; a
// parameterized Stream (e.g. "events from CartStream where cart_id = X")
// adds tag bindings. A composite stream (CartStream ⊕ PricingStream) is a
// Query with one QueryItem per constituent stream.
type Query struct {
	Items []QueryItem
}

// NewQuery builds a single-item Query.
func NewQuery(kinds []string, tags []Tag) Query {
	return Query{Items: []QueryItem{{Kinds: kinds, Tags: tags}}}
}

// NewQueryAll matches every event in the store.
func NewQueryAll() Query {
	return Query{Items: []QueryItem{{}}}
}

// Union combines this query with others via OR, realizing a composite
// stream such as CartStream ⊕ PricingStream (spec.md §4.C.1).
func (q Query) Union(others ...Query) Query {
	items := append([]QueryItem{}, q.Items...)
	for _, o := range others {
		items = append(items, o.Items...)
	}
	return Query{Items: items}
}

// Matches reports whether the event satisfies at least one QueryItem.
func (q Query) Matches(e Event) bool {
	for _, item := range q.Items {
		if item.matches(e) {
			return true
		}
	}
	return false
}

func (item QueryItem) matches(e Event) bool {
	if len(item.Kinds) > 0 {
		found := false
		for _, k := range item.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, t := range item.Tags {
		if !e.HasTag(t.Key, t.Value) {
			return false
		}
	}
	return true
}

// Version is the optimistic-concurrency token produced by a Query: the
// highest event id that matched it at read time. Appends are conditioned on
// "no event matching the query was committed with id > Version".
type Version int64

// NoVersion is the Version of a Query over an empty result set.
const NoVersion Version = 0
