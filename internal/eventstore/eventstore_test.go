package eventstore

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Store", func() {
	var (
		store Store
		ctx   context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		truncateEventLog(ctx)
		var err error
		store, err = New(ctx, pool)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Append", func() {
		It("assigns strictly increasing ids across calls", func() {
			v1, err := store.Append(ctx, NewQueryAll(), NoVersion, []InputEvent{
				NewInputEvent("ItemAdded", Tags("cart_id", "c1"), []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(v1).To(Equal(Version(1)))

			v2, err := store.Append(ctx, NewQueryAll(), v1, []InputEvent{
				NewInputEvent("ItemAdded", Tags("cart_id", "c2"), []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(v2).To(Equal(Version(2)))
		})

		It("returns a ConflictError when a newer matching event exists", func() {
			query := NewQuery([]string{"ItemAdded"}, Tags("cart_id", "c1"))

			_, err := store.Append(ctx, query, NoVersion, []InputEvent{
				NewInputEvent("ItemAdded", Tags("cart_id", "c1"), []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Append(ctx, query, NoVersion, []InputEvent{
				NewInputEvent("ItemAdded", Tags("cart_id", "c1"), []byte(`{}`)),
			})
			Expect(err).To(HaveOccurred())
			Expect(IsConflict(err)).To(BeTrue())
		})

		It("does not conflict on events outside the query's tag binding", func() {
			query := NewQuery([]string{"ItemAdded"}, Tags("cart_id", "c1"))

			_, err := store.Append(ctx, query, NoVersion, []InputEvent{
				NewInputEvent("ItemAdded", Tags("cart_id", "c2"), []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Append(ctx, query, NoVersion, []InputEvent{
				NewInputEvent("ItemAdded", Tags("cart_id", "c1"), []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects an event with an empty kind as a ValidationError", func() {
			_, err := store.Append(ctx, NewQueryAll(), NoVersion, []InputEvent{
				NewInputEvent("", nil, []byte(`{}`)),
			})
			Expect(err).To(HaveOccurred())
			Expect(IsValidation(err)).To(BeTrue())
		})
	})

	Describe("AppendWithoutValidation", func() {
		It("never conflicts regardless of concurrent matching events", func() {
			query := NewQuery([]string{"Ingested"}, nil)
			_, err := store.Append(ctx, query, NoVersion, []InputEvent{
				NewInputEvent("Ingested", nil, []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = store.AppendWithoutValidation(ctx, []InputEvent{
				NewInputEvent("Ingested", nil, []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Read", func() {
		It("returns every matching event without blocking for more", func() {
			_, err := store.AppendWithoutValidation(ctx, []InputEvent{
				NewInputEvent("ItemAdded", Tags("cart_id", "c1"), []byte(`{}`)),
				NewInputEvent("ItemAdded", Tags("cart_id", "c2"), []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())

			events, version, err := store.Read(ctx, NewQuery([]string{"ItemAdded"}, Tags("cart_id", "c1")), NoVersion)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(version).To(Equal(Version(1)))
		})

		It("only returns events strictly after fromVersion", func() {
			_, err := store.AppendWithoutValidation(ctx, []InputEvent{
				NewInputEvent("ItemAdded", nil, []byte(`{}`)),
				NewInputEvent("ItemAdded", nil, []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())

			events, _, err := store.Read(ctx, NewQuery([]string{"ItemAdded"}, nil), Version(1))
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].ID).To(Equal(int64(2)))
		})
	})

	Describe("Stream", func() {
		It("replays existing history in id order and then blocks until cancelled", func() {
			_, err := store.AppendWithoutValidation(ctx, []InputEvent{
				NewInputEvent("ItemAdded", nil, []byte(`{"n":1}`)),
				NewInputEvent("ItemAdded", nil, []byte(`{"n":2}`)),
			})
			Expect(err).NotTo(HaveOccurred())

			it, err := store.Stream(ctx, NewQuery([]string{"ItemAdded"}, nil), NoVersion)
			Expect(err).NotTo(HaveOccurred())
			defer it.Close()

			e1, ok, err := it.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(e1.ID).To(Equal(int64(1)))

			e2, ok, err := it.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(e2.ID).To(Equal(int64(2)))

			tailCtx, cancel := context.WithCancel(ctx)
			cancel()
			_, ok, err = it.Next(tailCtx)
			Expect(ok).To(BeFalse())
			Expect(err).To(Equal(context.Canceled))
		})
	})

	Describe("Head", func() {
		It("returns zero on an empty matching set", func() {
			v, err := store.Head(ctx, NewQuery([]string{"Nonexistent"}, nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(NoVersion))
		})

		It("returns the highest matching event id", func() {
			_, err := store.AppendWithoutValidation(ctx, []InputEvent{
				NewInputEvent("ItemAdded", nil, []byte(`{}`)),
				NewInputEvent("ItemRemoved", nil, []byte(`{}`)),
			})
			Expect(err).NotTo(HaveOccurred())

			v, err := store.Head(ctx, NewQuery([]string{"ItemAdded"}, nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(Version(1)))
		})
	})
})
