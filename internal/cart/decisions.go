package cart

import (
	"strconv"

	"github.com/rodolfodpk/cartengine/internal/decision"
	"github.com/rodolfodpk/cartengine/internal/eventstore"
)

// AddItem builds the Decision for adding an item line to a cart (spec.md
// S1/S2/S3/S6). A cart that does not exist yet is opened implicitly — the
// spec's S1 scenario starts from an empty store with no prior CartOpened
// command.
func AddItem(cartID, itemID, productID string, priceCents, quantity int64) decision.Decision {
	return decision.Decision{
		Projectors: []decision.StateProjector{cartProjector(cartID), inventoryProjector(productID)},
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			cartState := states["cart"].(*State)
			inv := states["inventory"].(*InventoryState)

			if cartState.Submitted {
				return nil, newDomainError(ReasonCartAlreadySubmit, cartID)
			}
			if _, exists := cartState.Items[itemID]; exists {
				return nil, newDomainError(ReasonItemAlreadyInCart, itemID)
			}
			if inv.Tracked && inv.Quantity <= 0 {
				return nil, newDomainError(ReasonInsufficientStock, productID)
			}

			var events []eventstore.InputEvent
			if !cartState.Exists {
				events = append(events, eventstore.NewInputEvent(
					KindCartOpened,
					eventstore.Tags(TagCart, cartID),
					mustJSON(CartOpenedData{CartID: cartID}),
				))
			}
			events = append(events, eventstore.NewInputEvent(
				KindItemAdded,
				eventstore.Tags(TagCart, cartID, TagItem, itemID, TagProduct, productID),
				mustJSON(ItemAddedData{CartID: cartID, ItemID: itemID, ProductID: productID, Price: priceCents, Quantity: quantity}),
			))
			return events, nil
		},
	}
}

// RemoveItem builds the Decision for removing an existing item line.
func RemoveItem(cartID, itemID string) decision.Decision {
	return decision.Decision{
		Projectors: []decision.StateProjector{cartProjector(cartID)},
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			s := states["cart"].(*State)
			if s.Submitted {
				return nil, newDomainError(ReasonCartAlreadySubmit, cartID)
			}
			if _, exists := s.Items[itemID]; !exists {
				return nil, newDomainError(ReasonItemNotInCart, itemID)
			}
			return []eventstore.InputEvent{eventstore.NewInputEvent(
				KindItemRemoved,
				eventstore.Tags(TagCart, cartID, TagItem, itemID),
				mustJSON(ItemRemovedData{CartID: cartID, ItemID: itemID}),
			)}, nil
		},
	}
}

// ClearCart builds the Decision for emptying every item line of a cart.
func ClearCart(cartID string) decision.Decision {
	return decision.Decision{
		Projectors: []decision.StateProjector{cartProjector(cartID)},
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			s := states["cart"].(*State)
			if s.Submitted {
				return nil, newDomainError(ReasonCartAlreadySubmit, cartID)
			}
			if len(s.Items) == 0 {
				return nil, nil
			}
			return []eventstore.InputEvent{eventstore.NewInputEvent(
				KindCartCleared,
				eventstore.Tags(TagCart, cartID),
				mustJSON(CartClearedData{CartID: cartID}),
			)}, nil
		},
	}
}

// SubmitCart builds the Decision that closes a cart to further mutation
// (spec.md's submitted-cart rule, S6).
func SubmitCart(cartID string) decision.Decision {
	return decision.Decision{
		Projectors: []decision.StateProjector{cartProjector(cartID)},
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			s := states["cart"].(*State)
			if s.Submitted {
				return nil, nil // already submitted: idempotent no-op, not an error
			}
			if !s.Exists || len(s.Items) == 0 {
				return nil, newDomainError(ReasonCartDoesNotExist, cartID)
			}
			return []eventstore.InputEvent{eventstore.NewInputEvent(
				KindCartSubmitted,
				eventstore.Tags(TagCart, cartID),
				mustJSON(CartSubmittedData{CartID: cartID}),
			)}, nil
		},
	}
}

// ArchiveItem builds the Decision behind the ArchiveItemCommand automation
// (spec.md §4.C.1, S4): it is idempotent on triggeredByEventID, since the
// cart_items listener re-delivers the triggering PriceChanged event on
// every restart before its checkpoint has advanced past it.
func ArchiveItem(cartID, itemID string, triggeredByEventID int64) decision.Decision {
	triggerTag := strconv.FormatInt(triggeredByEventID, 10)
	archivedProjector := decision.StateProjector{
		ID: "archived",
		Query: eventstore.NewQuery(
			[]string{KindItemArchived},
			eventstore.Tags(TagCart, cartID, TagItem, itemID, TagTriggeredBy, triggerTag),
		),
		InitialState: false,
		TransitionFn: func(state any, e eventstore.Event) any { return true },
	}
	return decision.Decision{
		Projectors: []decision.StateProjector{cartProjector(cartID), archivedProjector},
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			if states["archived"].(bool) {
				return nil, nil // already archived for this trigger: safe replay
			}
			s := states["cart"].(*State)
			if s.Submitted {
				return nil, nil // submitted carts are immutable; archiving is moot, not an error
			}
			if _, exists := s.Items[itemID]; !exists {
				return nil, nil // item already removed by the time the archive command runs
			}
			return []eventstore.InputEvent{eventstore.NewInputEvent(
				KindItemArchived,
				eventstore.Tags(TagCart, cartID, TagItem, itemID, TagTriggeredBy, triggerTag),
				mustJSON(ItemArchivedData{CartID: cartID, ItemID: itemID, TriggeredByEventID: triggeredByEventID}),
			)}, nil
		},
	}
}
