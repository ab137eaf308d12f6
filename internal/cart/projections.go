package cart

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/rodolfodpk/cartengine/internal/eventstore"
	"github.com/rodolfodpk/cartengine/internal/listener"
)

// CartsRegistration is the plain read-model Projection over carts (status,
// item_count), one row per cart, idempotent via the last_event_id guard
// spec.md §4.C requires of every Projection handler.
func CartsRegistration() listener.Registration {
	query := eventstore.NewQuery(
		[]string{KindCartOpened, KindItemAdded, KindItemRemoved, KindCartCleared, KindCartSubmitted},
		nil,
	)
	return listener.Registration{
		ID:    "carts",
		Query: query,
		Mode:  listener.Projection,
		Project: func(ctx context.Context, tx pgx.Tx, e eventstore.Event) error {
			cartID := tagValue(e, TagCart)
			if cartID == "" {
				return nil
			}
			switch e.Kind {
			case KindCartOpened:
				_, err := tx.Exec(ctx, `
					INSERT INTO carts (cart_id, status, item_count, last_event_id)
					VALUES ($1, 'open', 0, $2)
					ON CONFLICT (cart_id) DO UPDATE SET last_event_id = $2
					WHERE carts.last_event_id < $2
				`, cartID, e.ID)
				return err
			case KindItemAdded:
				_, err := tx.Exec(ctx, `
					UPDATE carts SET item_count = item_count + 1, last_event_id = $2
					WHERE cart_id = $1 AND last_event_id < $2
				`, cartID, e.ID)
				return err
			case KindItemRemoved:
				_, err := tx.Exec(ctx, `
					UPDATE carts SET item_count = GREATEST(item_count - 1, 0), last_event_id = $2
					WHERE cart_id = $1 AND last_event_id < $2
				`, cartID, e.ID)
				return err
			case KindCartCleared:
				_, err := tx.Exec(ctx, `
					UPDATE carts SET item_count = 0, last_event_id = $2
					WHERE cart_id = $1 AND last_event_id < $2
				`, cartID, e.ID)
				return err
			case KindCartSubmitted:
				_, err := tx.Exec(ctx, `
					UPDATE carts SET status = 'submitted', last_event_id = $2
					WHERE cart_id = $1 AND last_event_id < $2
				`, cartID, e.ID)
				return err
			}
			return nil
		},
	}
}

// InventoriesRegistration projects InventoryChanged events (ingested from
// the inventories Kafka topic) into the inventories read-model consulted by
// the AddItem decision.
func InventoriesRegistration() listener.Registration {
	return listener.Registration{
		ID:    "inventories",
		Query: eventstore.NewQuery([]string{KindInventoryDelta}, nil),
		Mode:  listener.Projection,
		Project: func(ctx context.Context, tx pgx.Tx, e eventstore.Event) error {
			var d InventoryChangedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO inventories (product_id, quantity, last_event_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (product_id) DO UPDATE SET quantity = $2, last_event_id = $3
				WHERE inventories.last_event_id < $3
			`, d.ProductID, d.Quantity, e.ID)
			return err
		},
	}
}

// ArchiveItemTaskType names the Retry Queue task ArchiveItem's automation
// half enqueues.
const ArchiveItemTaskType = "ArchiveItemCommand"

// ArchiveItemArgs is the durable payload of an ArchiveItemCommand task,
// reconstructing the inputs ArchiveItem's Decision needs on execution.
type ArchiveItemArgs struct {
	CartID             string `json:"cart_id"`
	ItemID             string `json:"item_id"`
	TriggeredByEventID int64  `json:"triggered_by_event_id"`
}

// CartItemsRegistration is the Serializing Stream Union (spec.md §4.C.1,
// "the central design choice"): one listener, one checkpointed cursor, over
// CartStream ⊕ PricingStream (ItemAdded/ItemRemoved/CartCleared ⊕
// PriceChanged), run in strict global event-id order. It is both the
// Projection that maintains cart_items and the Automation that enqueues
// ArchiveItemCommand on PriceChanged.
//
// This single-cursor shape is what makes S4's discriminating guarantee
// hold: given e1=ItemAdded(C1,I1), e2=PriceChanged(P1), e3=ItemAdded(C2,I2)
// with e1<e2<e3, the cursor has already applied e1's row write by the time
// it reaches e2, so e2's automation query sees (C1,I1) but not (C2,I2) —
// e3 has not been processed yet. Splitting this into two Registrations
// (a Projection over the item-kinds, an Automation over PriceChanged) was
// tried and rejected: each would run on its own goroutine with its own
// checkpoint, so the automation's read of cart_items could race ahead of
// the projection's write for an event with a smaller id, wrongly archiving
// (C2,I2) or missing (C1,I1).
func CartItemsRegistration() listener.Registration {
	query := eventstore.NewQuery([]string{KindItemAdded}, nil).
		Union(eventstore.NewQuery([]string{KindItemRemoved}, nil)).
		Union(eventstore.NewQuery([]string{KindCartCleared}, nil)).
		Union(eventstore.NewQuery([]string{KindPriceChanged}, nil))
	return listener.Registration{
		ID:    "cart_items",
		Query: query,
		Mode:  listener.Combined,
		Project: func(ctx context.Context, tx pgx.Tx, e eventstore.Event) error {
			cartID := tagValue(e, TagCart)
			switch e.Kind {
			case KindItemAdded:
				var d ItemAddedData
				if err := json.Unmarshal(e.Data, &d); err != nil {
					return err
				}
				_, err := tx.Exec(ctx, `
					INSERT INTO cart_items (cart_id, item_id, product_id, quantity, unit_price, last_event_id)
					VALUES ($1, $2, $3, $4, $5, $6)
					ON CONFLICT (cart_id, item_id) DO UPDATE
						SET quantity = $4, unit_price = $5, last_event_id = $6
					WHERE cart_items.last_event_id < $6
				`, cartID, d.ItemID, d.ProductID, d.Quantity, d.Price, e.ID)
				return err
			case KindItemRemoved:
				var d ItemRemovedData
				if err := json.Unmarshal(e.Data, &d); err != nil {
					return err
				}
				_, err := tx.Exec(ctx, `
					DELETE FROM cart_items WHERE cart_id = $1 AND item_id = $2 AND last_event_id < $3
				`, cartID, d.ItemID, e.ID)
				return err
			case KindCartCleared:
				_, err := tx.Exec(ctx, `
					DELETE FROM cart_items WHERE cart_id = $1 AND last_event_id < $2
				`, cartID, e.ID)
				return err
			}
			return nil
		},
		Automate: func(ctx context.Context, tx pgx.Tx, e eventstore.Event) ([]listener.Task, error) {
			if e.Kind != KindPriceChanged {
				return nil, nil
			}
			var d PriceChangedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, err
			}
			rows, err := tx.Query(ctx, `
				SELECT cart_id, item_id FROM cart_items WHERE product_id = $1
			`, d.ProductID)
			if err != nil {
				return nil, err
			}
			defer rows.Close()

			var tasks []listener.Task
			for rows.Next() {
				var cartID, itemID string
				if err := rows.Scan(&cartID, &itemID); err != nil {
					return nil, err
				}
				tasks = append(tasks, listener.Task{
					TaskType: ArchiveItemTaskType,
					Args: ArchiveItemArgs{
						CartID:             cartID,
						ItemID:             itemID,
						TriggeredByEventID: e.ID,
					},
				})
			}
			return tasks, rows.Err()
		},
	}
}

func tagValue(e eventstore.Event, key string) string {
	for _, t := range e.Tags {
		if t.Key == key {
			return t.Value
		}
	}
	return ""
}
