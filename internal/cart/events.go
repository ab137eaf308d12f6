// Package cart is the domain used throughout this engine to demonstrate the
// Event Store, Decision Maker, and Listener Runtime contracts: a shopping
// cart with items, prices that drift independently of the cart (Pricing
// stream), and tracked inventory (Inventory stream).
package cart

import "encoding/json"

// Event kinds. Each kind has one typed payload struct below, the way the
// teacher's internal/examples/*/main.go handlers pair one event type with
// one typed payload struct.
const (
	KindCartOpened     = "CartOpened"
	KindItemAdded      = "ItemAdded"
	KindItemRemoved    = "ItemRemoved"
	KindCartCleared    = "CartCleared"
	KindCartSubmitted  = "CartSubmitted"
	KindCartPublished  = "CartPublished"
	KindItemArchived   = "ItemArchived"
	KindPriceChanged   = "PriceChanged"
	KindInventoryDelta = "InventoryChanged"
)

// Tag keys used to bind Queries to specific identifiers.
const (
	TagCart        = "cart_id"
	TagItem        = "item_id"
	TagProduct     = "product_id"
	TagTriggeredBy = "triggered_by_event_id"
)

type CartOpenedData struct {
	CartID string `json:"cart_id"`
}

type ItemAddedData struct {
	CartID    string `json:"cart_id"`
	ItemID    string `json:"item_id"`
	ProductID string `json:"product_id"`
	Price     int64  `json:"price_cents"`
	Quantity  int64  `json:"quantity"`
}

type ItemRemovedData struct {
	CartID string `json:"cart_id"`
	ItemID string `json:"item_id"`
}

type CartClearedData struct {
	CartID string `json:"cart_id"`
}

type CartSubmittedData struct {
	CartID string `json:"cart_id"`
}

type CartPublishedData struct {
	CartID        string `json:"cart_id"`
	CorrelationID string `json:"correlation_id"`
}

// ItemArchivedData carries TriggeredByEventID so the idempotency check in
// spec.md §4.B ("the Decision checks whether the store already contains a
// downstream event correlated with that id") can be implemented as a plain
// tag match: triggered_by_event_id is indexed as a tag, not just a payload
// field.
type ItemArchivedData struct {
	CartID             string `json:"cart_id"`
	ItemID             string `json:"item_id"`
	TriggeredByEventID int64  `json:"triggered_by_event_id"`
}

type PriceChangedData struct {
	ProductID string `json:"product_id"`
	NewPrice  int64  `json:"new_price_cents"`
}

type InventoryChangedData struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type above is a flat struct of strings/ints: a
		// marshal failure here means a programming error, not bad input.
		panic(err)
	}
	return b
}
