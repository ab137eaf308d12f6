package cart

import (
	"context"
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rodolfodpk/cartengine/internal/decision"
	"github.com/rodolfodpk/cartengine/internal/eventstore"
	"github.com/rodolfodpk/cartengine/internal/listener"
	"github.com/rodolfodpk/cartengine/internal/queue"
)

var _ = Describe("Cart read models and automation", func() {
	var (
		ctx   context.Context
		maker *decision.Maker
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncateAll(ctx)
		maker = decision.NewMaker(store)
		maker.BaseDelay = time.Millisecond
	})

	Describe("CartsRegistration", func() {
		It("tracks status and item_count from the event log", func() {
			Expect(maker.Run(ctx, AddItem("c1", "i1", "p1", 500, 2))).To(Succeed())
			Expect(maker.Run(ctx, AddItem("c1", "i2", "p1", 500, 1))).To(Succeed())

			runtime := &listener.Runtime{Store: store, Pool: pool, Enqueuer: nil}
			runtime.Register(CartsRegistration())
			driveOnce(ctx, runtime)

			var status string
			var itemCount int64
			err := pool.QueryRow(ctx, `SELECT status, item_count FROM carts WHERE cart_id = $1`, "c1").Scan(&status, &itemCount)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal("open"))
			Expect(itemCount).To(Equal(int64(2)))
		})
	})

	Describe("CartItemsRegistration", func() {
		It("keys rows by item_id, not product_id, so two lines of the same product stay distinct", func() {
			Expect(maker.Run(ctx, AddItem("c1", "i1", "p1", 500, 1))).To(Succeed())
			Expect(maker.Run(ctx, AddItem("c1", "i2", "p1", 500, 1))).To(Succeed())

			q := queue.New(pool, store)
			runtime := &listener.Runtime{Store: store, Pool: pool, Enqueuer: q}
			runtime.Register(CartItemsRegistration())
			driveOnce(ctx, runtime)

			var rowCount int
			err := pool.QueryRow(ctx, `SELECT count(*) FROM cart_items WHERE cart_id = $1 AND product_id = $2`, "c1", "p1").Scan(&rowCount)
			Expect(err).NotTo(HaveOccurred())
			Expect(rowCount).To(Equal(2))
		})

		It("archives the exact item line a PriceChanged trigger targets", func() {
			Expect(maker.Run(ctx, AddItem("c1", "i1", "p1", 500, 1))).To(Succeed())
			Expect(maker.Run(ctx, AddItem("c1", "i2", "p1", 500, 1))).To(Succeed())

			q := queue.New(pool, store)
			q.RegisterHandler(ArchiveItemTaskType, func(ctx context.Context, raw json.RawMessage) error {
				var args ArchiveItemArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return err
				}
				return maker.Run(ctx, ArchiveItem(args.CartID, args.ItemID, args.TriggeredByEventID))
			})

			runtime := &listener.Runtime{Store: store, Pool: pool, Enqueuer: q}
			runtime.Register(CartItemsRegistration())
			driveOnce(ctx, runtime)

			Expect(maker.Run(ctx, publishPriceChange("p1", 400))).To(Succeed())
			driveOnce(ctx, runtime)

			q.Workers = 2
			runQueueUntilDrained(ctx, q)

			events, _, err := store.Read(ctx, eventstore.NewQuery([]string{KindItemArchived}, nil), eventstore.NoVersion)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(2))

			archivedItems := map[string]bool{}
			for _, e := range events {
				var d ItemArchivedData
				Expect(json.Unmarshal(e.Data, &d)).To(Succeed())
				archivedItems[d.ItemID] = true
			}
			Expect(archivedItems).To(HaveKey("i1"))
			Expect(archivedItems).To(HaveKey("i2"))
		})

		It("does not archive an item line added after the PriceChanged trigger (S4)", func() {
			// e1: ItemAdded(c1,i1,p1) — before the trigger, must archive.
			Expect(maker.Run(ctx, AddItem("c1", "i1", "p1", 500, 1))).To(Succeed())

			q := queue.New(pool, store)
			q.RegisterHandler(ArchiveItemTaskType, func(ctx context.Context, raw json.RawMessage) error {
				var args ArchiveItemArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return err
				}
				return maker.Run(ctx, ArchiveItem(args.CartID, args.ItemID, args.TriggeredByEventID))
			})

			runtime := &listener.Runtime{Store: store, Pool: pool, Enqueuer: q}
			runtime.Register(CartItemsRegistration())

			// e2: PriceChanged(p1) — the trigger. The listener only runs once
			// e1..e3 are all in the log; its single checkpointed cursor over
			// ItemAdded ⊕ PriceChanged applies e1 before it reaches e2 and e3
			// only after, so the automation's lookup can only see (c1,i1).
			Expect(maker.Run(ctx, publishPriceChange("p1", 400))).To(Succeed())

			// e3: ItemAdded(c2,i2,p1) — after the trigger, must NOT archive.
			Expect(maker.Run(ctx, AddItem("c2", "i2", "p1", 500, 1))).To(Succeed())

			driveOnce(ctx, runtime)
			q.Workers = 2
			runQueueUntilDrained(ctx, q)

			events, _, err := store.Read(ctx, eventstore.NewQuery([]string{KindItemArchived}, nil), eventstore.NoVersion)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))

			var d ItemArchivedData
			Expect(json.Unmarshal(events[0].Data, &d)).To(Succeed())
			Expect(d.ItemID).To(Equal("i1"))

			var stillPresent int
			err = pool.QueryRow(ctx, `SELECT count(*) FROM cart_items WHERE cart_id = $1 AND item_id = $2`, "c2", "i2").Scan(&stillPresent)
			Expect(err).NotTo(HaveOccurred())
			Expect(stillPresent).To(Equal(1))
		})
	})
})

func publishPriceChange(productID string, newPrice int64) decision.Decision {
	return decision.Decision{
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			return []eventstore.InputEvent{eventstore.NewInputEvent(
				KindPriceChanged,
				eventstore.Tags(TagProduct, productID),
				mustJSON(PriceChangedData{ProductID: productID, NewPrice: newPrice}),
			)}, nil
		},
	}
}

// driveOnce runs every registered listener for a bounded window, long
// enough for each to catch up to the current head of its query, then
// cancels — Runtime.Run otherwise tails forever, which a test must bound.
func driveOnce(ctx context.Context, r *listener.Runtime) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = r.Run(runCtx)
}

// runQueueUntilDrained starts q's worker pool for a bounded window, long
// enough for it to claim and execute every Pending task enqueued so far,
// then cancels — Queue.Run otherwise blocks until ctx is cancelled.
func runQueueUntilDrained(ctx context.Context, q *queue.Queue) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = q.Run(runCtx)
}
