package cart

import (
	"encoding/json"

	"github.com/rodolfodpk/cartengine/internal/decision"
	"github.com/rodolfodpk/cartengine/internal/eventstore"
)

// ItemLine is one line of a cart's contents, folded from ItemAdded/Removed.
type ItemLine struct {
	ProductID string
	Price     int64
	Quantity  int64
}

// State is a cart's folded state: exactly what every Decision in this
// package needs to validate a command, per spec.md's Dynamic Consistency
// Boundary model (no aggregate root — state is derived on demand from a
// Query, not loaded from a stored snapshot).
type State struct {
	Exists    bool
	Submitted bool
	Items     map[string]ItemLine // item_id -> line
}

func newState() *State { return &State{Items: map[string]ItemLine{}} }

// cartQuery scopes a query to every mutating event of a single cart.
func cartQuery(cartID string) eventstore.Query {
	return eventstore.NewQuery(
		[]string{KindCartOpened, KindItemAdded, KindItemRemoved, KindCartCleared, KindCartSubmitted},
		eventstore.Tags(TagCart, cartID),
	)
}

func cartTransition(state any, e eventstore.Event) any {
	s := state.(*State)
	switch e.Kind {
	case KindCartOpened:
		s.Exists = true
	case KindItemAdded:
		var d ItemAddedData
		_ = json.Unmarshal(e.Data, &d)
		s.Exists = true
		s.Items[d.ItemID] = ItemLine{ProductID: d.ProductID, Price: d.Price, Quantity: d.Quantity}
	case KindItemRemoved:
		var d ItemRemovedData
		_ = json.Unmarshal(e.Data, &d)
		delete(s.Items, d.ItemID)
	case KindCartCleared:
		s.Items = map[string]ItemLine{}
	case KindCartSubmitted:
		s.Submitted = true
	}
	return s
}

func cartProjector(cartID string) decision.StateProjector {
	return decision.StateProjector{
		ID:           "cart",
		Query:        cartQuery(cartID),
		InitialState: newState(),
		TransitionFn: cartTransition,
	}
}

// InventoryState is folded from the Inventory stream (spec.md §3.1): absent
// entirely means "untracked, always allow"; present means AddItem must
// respect the tracked quantity.
type InventoryState struct {
	Tracked  bool
	Quantity int64
}

func inventoryProjector(productID string) decision.StateProjector {
	return decision.StateProjector{
		ID: "inventory",
		Query: eventstore.NewQuery(
			[]string{KindInventoryDelta},
			eventstore.Tags(TagProduct, productID),
		),
		InitialState: &InventoryState{},
		TransitionFn: func(state any, e eventstore.Event) any {
			s := state.(*InventoryState)
			var d InventoryChangedData
			_ = json.Unmarshal(e.Data, &d)
			s.Tracked = true
			s.Quantity = d.Quantity
			return s
		},
	}
}
