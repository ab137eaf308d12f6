package cart

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rodolfodpk/cartengine/internal/eventstore"
)

var (
	suiteCtx context.Context
	pgc      *postgres.PostgresContainer
	pool     *pgxpool.Pool
	store    eventstore.Store
)

var _ = BeforeSuite(func() {
	suiteCtx = context.Background()

	var err error
	pgc, err = postgres.Run(suiteCtx,
		"postgres:16-alpine",
		postgres.WithDatabase("cartengine"),
		postgres.WithUsername("cartengine"),
		postgres.WithPassword("cartengine"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	Expect(err).NotTo(HaveOccurred())

	connStr, err := pgc.ConnectionString(suiteCtx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())

	pool, err = pgxpool.New(suiteCtx, connStr)
	Expect(err).NotTo(HaveOccurred())

	schemaSQL, err := os.ReadFile(schemaPath())
	Expect(err).NotTo(HaveOccurred())

	var execErr error
	for i := 0; i < 3; i++ {
		_, execErr = pool.Exec(suiteCtx, string(schemaSQL))
		if execErr == nil {
			break
		}
		time.Sleep(time.Duration(1<<uint(i)) * time.Second)
	}
	Expect(execErr).NotTo(HaveOccurred())

	store, err = eventstore.New(suiteCtx, pool)
	Expect(err).NotTo(HaveOccurred())
})

var _ = AfterSuite(func() {
	if pool != nil {
		pool.Close()
	}
	if pgc != nil {
		_ = pgc.Terminate(context.Background())
	}
})

func schemaPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations", "schema.sql")
}

func truncateAll(ctx context.Context) {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE event_log, listener_checkpoints, tasks, carts, cart_items, inventories
		RESTART IDENTITY CASCADE
	`)
	Expect(err).NotTo(HaveOccurred())
}

func TestCart(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cart Domain Suite")
}
