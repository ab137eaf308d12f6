// Package supervisor runs the subsystems as one process and owns the thin
// HTTP surface (spec.md §4.F, §2's expansion): the Kafka Bridge consumers,
// Listener Runtime, Retry Queue workers + janitor and the chi HTTP server
// run side by side in one errgroup and share one context, cancelled on
// SIGINT/SIGTERM or when any of them fails. Startup is not staged (no
// subsystem waits for another to be ready, and no schema check runs) and
// shutdown is not ordered: every subsystem sees the cancellation at once,
// and only the HTTP server's drain is bounded by a timeout.
//
// The fan-out/fan-in shape follows golang.org/x/sync/errgroup, the same
// concurrency helper abramin-Credo pulls in for its own subsystem
// supervision.
package supervisor

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rodolfodpk/cartengine/internal/kafkabridge"
	"github.com/rodolfodpk/cartengine/internal/listener"
	"github.com/rodolfodpk/cartengine/internal/metrics"
	"github.com/rodolfodpk/cartengine/internal/queue"
)

// ShutdownDeadline bounds how long the HTTP server gets to drain on
// shutdown. The other subsystems have no deadline: Run waits for them to
// return after cancellation.
const ShutdownDeadline = 10 * time.Second

// Supervisor wires and runs every subsystem as one process.
type Supervisor struct {
	Pool     *pgxpool.Pool
	Bridge   *kafkabridge.Bridge
	Runtime  *listener.Runtime
	Queue    *queue.Queue
	Metrics  *metrics.Metrics
	HTTPPort string

	Mux chi.Router // exposed so cmd/server can register domain command/read-model routes before Run
}

// New constructs a Supervisor with its HTTP mux pre-wired with the ambient
// /healthz, /readyz, and /metrics endpoints.
func New(pool *pgxpool.Pool, bridge *kafkabridge.Bridge, runtime *listener.Runtime, q *queue.Queue, m *metrics.Metrics, httpPort string) *Supervisor {
	s := &Supervisor{
		Pool:     pool,
		Bridge:   bridge,
		Runtime:  runtime,
		Queue:    q,
		Metrics:  m,
		HTTPPort: httpPort,
		Mux:      chi.NewRouter(),
	}
	s.Mux.Get("/healthz", s.handleHealthz)
	s.Mux.Get("/readyz", s.handleReadyz)
	s.Mux.Handle("/metrics", promhttp.Handler())
	return s
}

func (s *Supervisor) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Supervisor) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.Pool.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("db unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Run launches every subsystem's goroutine (bridge, listeners, queue, HTTP
// server, in that launch order, without waiting on any of them) and blocks
// until all have returned. Cancelling ctx, or any subsystem failing, cancels
// all of them together; the HTTP server is then shut down within
// ShutdownDeadline.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("supervisor: starting kafka bridge")
		return s.Bridge.Run(gctx)
	})
	g.Go(func() error {
		log.Printf("supervisor: starting listener runtime")
		return s.Runtime.Run(gctx)
	})
	g.Go(func() error {
		log.Printf("supervisor: starting retry queue")
		return s.Queue.Run(gctx)
	})

	srv := &http.Server{Addr: ":" + s.HTTPPort, Handler: s.Mux}
	g.Go(func() error {
		log.Printf("supervisor: starting http server on :%s", s.HTTPPort)
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownDeadline)
		defer cancel()
		log.Printf("supervisor: shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
