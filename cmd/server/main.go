package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rodolfodpk/cartengine/internal/cart"
	"github.com/rodolfodpk/cartengine/internal/config"
	"github.com/rodolfodpk/cartengine/internal/decision"
	"github.com/rodolfodpk/cartengine/internal/eventstore"
	"github.com/rodolfodpk/cartengine/internal/kafkabridge"
	"github.com/rodolfodpk/cartengine/internal/listener"
	"github.com/rodolfodpk/cartengine/internal/metrics"
	"github.com/rodolfodpk/cartengine/internal/queue"
	"github.com/rodolfodpk/cartengine/internal/supervisor"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

func main() {
	resetCartItems := flag.Bool("reset-cart-items", false, "request a replay of cart_items from offset 0 at startup (cart_items is a Combined listener, so the reset is refused and logged)")
	flag.Parse()

	cfg := config.Load()
	log.Printf("cartengine starting: %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer pool.Close()

	store, err := eventstore.New(ctx, pool)
	if err != nil {
		log.Fatalf("construct event store: %v", err)
	}
	// ItemAdded predates the quantity field (spec.md §4.A.1): default older
	// payloads to a single unit so cart.State's fold never sees it absent.
	store.RegisterUpcaster(cart.KindItemAdded, func(raw map[string]any) {
		if _, ok := raw["quantity"]; !ok {
			raw["quantity"] = float64(1)
		}
	})

	m := metrics.New()

	maker := decision.NewMaker(store)
	maker.MaxAttempts = cfg.DecisionMaxAttempts
	maker.Metrics = m

	q := queue.New(pool, store)
	q.Workers = cfg.QueueWorkers
	q.ClaimBatch = cfg.QueueClaimBatch
	q.BackoffMin = cfg.QueueBackoffMin
	q.BackoffMax = cfg.QueueBackoffMax
	q.LeaseTTL = cfg.QueueLeaseTTL
	q.Metrics = m
	registerTaskHandlers(q, maker, cfg)

	runtime := &listener.Runtime{Store: store, Pool: pool, Enqueuer: q, Metrics: m}
	runtime.Register(cart.CartsRegistration())
	runtime.Register(cart.InventoriesRegistration())
	runtime.Register(cart.CartItemsRegistration())

	if *resetCartItems {
		// cart_items is a Combined registration (it also enqueues
		// ArchiveItemCommand tasks), so Reset refuses it unconditionally —
		// its Commands are only idempotent against already-recorded
		// triggering events, not a second full replay of history. Warn and
		// keep starting up rather than treat the refusal as fatal.
		if err := listener.Reset(ctx, pool, "cart_items", true); err != nil {
			log.Printf("reset cart_items projection: %v", err)
		} else {
			log.Printf("cart_items projection reset to offset 0")
		}
	}

	bridge := kafkabridge.New(pool, maker, cfg.KafkaBrokers)
	registerInboundTopics(bridge)

	sup := supervisor.New(pool, bridge, runtime, q, m, cfg.HTTPPort)
	registerCommandRoutes(sup.Mux, maker)

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("supervisor exited: %v", err)
	}
	log.Printf("cartengine stopped")
}

// registerTaskHandlers binds every Retry Queue task_type this engine knows
// about to its Handler (spec.md §4.D). PublishCart is the only outbound
// handler in this domain; it is otherwise a thin example of the two-step
// publish protocol described in spec.md §4.E "Outbound".
func registerTaskHandlers(q *queue.Queue, maker *decision.Maker, cfg config.Config) {
	q.RegisterHandler(cart.ArchiveItemTaskType, func(ctx context.Context, raw json.RawMessage) error {
		var args cart.ArchiveItemArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		return maker.Run(ctx, cart.ArchiveItem(args.CartID, args.ItemID, args.TriggeredByEventID))
	})

	publisher, err := kafkabridge.NewPublisher(cfg.KafkaBrokers, "cartengine-publish-cart")
	if err != nil {
		log.Printf("publish-cart: transactional producer unavailable, PublishCart tasks will fail until broker is reachable: %v", err)
	}
	q.RegisterHandler("PublishCart", func(ctx context.Context, raw json.RawMessage) error {
		if publisher == nil {
			return errUnavailablePublisher
		}
		var args publishCartArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return err
		}
		payload, err := kafkabridge.MarshalCorrelated(args.CartID, args)
		if err != nil {
			return err
		}
		if err := publisher.PublishOne(ctx, "cart-published", []byte(args.CartID), payload); err != nil {
			return err
		}
		return maker.Run(ctx, publishedDecision(args.CartID, args.CartID))
	})
}

type publishCartArgs struct {
	CartID string `json:"cart_id"`
}

var errUnavailablePublisher = publishError("publish-cart: producer not constructed")

type publishError string

func (e publishError) Error() string { return string(e) }

// publishedDecision appends CartPublished unconditionally once the Kafka
// send has committed (spec.md §4.E's two-step protocol): at this point the
// message is already durably produced, so there is nothing left to
// validate against cart state.
func publishedDecision(cartID, correlationID string) decision.Decision {
	return decision.Decision{
		Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
			return []eventstore.InputEvent{eventstore.NewInputEvent(
				cart.KindCartPublished,
				eventstore.Tags(cart.TagCart, cartID),
				mustMarshal(cart.CartPublishedData{CartID: cartID, CorrelationID: correlationID}),
			)}, nil
		},
	}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// registerInboundTopics registers the price-changes and inventories topics
// with the skip-and-log malformed-input policy spec.md §4.E.1 defaults to.
func registerInboundTopics(bridge *kafkabridge.Bridge) {
	bridge.RegisterTopic(kafkabridge.TopicRegistration{
		Topic:  "price-changes",
		Policy: kafkabridge.SkipAndLog,
		Decode: func(value []byte) (decision.Decision, error) {
			var d cart.PriceChangedData
			if err := json.Unmarshal(value, &d); err != nil {
				return decision.Decision{}, err
			}
			return decision.Decision{
				Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
					return []eventstore.InputEvent{eventstore.NewInputEvent(
						cart.KindPriceChanged,
						eventstore.Tags(cart.TagProduct, d.ProductID),
						mustMarshal(d),
					)}, nil
				},
			}, nil
		},
	})
	bridge.RegisterTopic(kafkabridge.TopicRegistration{
		Topic:  "inventories",
		Policy: kafkabridge.SkipAndLog,
		Decode: func(value []byte) (decision.Decision, error) {
			var d cart.InventoryChangedData
			if err := json.Unmarshal(value, &d); err != nil {
				return decision.Decision{}, err
			}
			return decision.Decision{
				Decide: func(states map[string]any) ([]eventstore.InputEvent, error) {
					return []eventstore.InputEvent{eventstore.NewInputEvent(
						cart.KindInventoryDelta,
						eventstore.Tags(cart.TagProduct, d.ProductID),
						mustMarshal(d),
					)}, nil
				},
			}, nil
		},
	})
}

// registerCommandRoutes mounts the minimal HTTP surface spec.md §6 and its
// expansion describe — thin collaborators around the Decision Maker, not a
// fully specified API.
func registerCommandRoutes(r chi.Router, maker *decision.Maker) {
	r.Post("/carts/{cartID}/items", func(w http.ResponseWriter, req *http.Request) {
		cartID := chi.URLParam(req, "cartID")
		var body struct {
			ItemID    string `json:"item_id"`
			ProductID string `json:"product_id"`
			Price     int64  `json:"price_cents"`
			Quantity  int64  `json:"quantity"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		d := cart.AddItem(cartID, body.ItemID, body.ProductID, body.Price, body.Quantity)
		if err := maker.Run(ctx, d); err != nil {
			writeCommandError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	r.Post("/carts/{cartID}/submit", func(w http.ResponseWriter, req *http.Request) {
		cartID := chi.URLParam(req, "cartID")
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()
		if err := maker.Run(ctx, cart.SubmitCart(cartID)); err != nil {
			writeCommandError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func writeCommandError(w http.ResponseWriter, err error) {
	var maxAttempts *decision.ErrMaxAttempts
	if errors.As(err, &maxAttempts) {
		http.Error(w, maxAttempts.Error(), http.StatusConflict)
		return
	}
	var domainErr *cart.DomainError
	if errors.As(err, &domainErr) {
		http.Error(w, domainErr.Error(), http.StatusUnprocessableEntity)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
