package pingtriage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresStateLockKeyIsStable(t *testing.T) {
	first := postgresStateLockKey("pingtriage_state", "default")
	if first != postgresStateLockKey(" pingtriage_state ", "default") {
		t.Fatalf("expected lock key to ignore surrounding whitespace")
	}
	if first == postgresStateLockKey("pingtriage_state", "other") {
		t.Fatalf("expected different state keys to lock independently")
	}
	if first == postgresStateLockKey("pingtriage_statedefault", "") {
		t.Fatalf("expected separator to keep table and key apart")
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`weird"name`); got != `"weird""name"` {
		t.Fatalf("unexpected quoted identifier %s", got)
	}
}

func TestNewPostgresStateBackendRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStateBackend(" "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPostgresOpenFailureIsIOFailure(t *testing.T) {
	backend, err := NewPostgresStateBackend("postgres://unused")
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.openDB = func(driverName, dsn string) (*sql.DB, error) {
		return nil, errors.New("driver unavailable")
	}
	if _, err := backend.Load(); !errors.Is(err, ErrIOFailure) {
		t.Fatalf("expected io failure, got %v", err)
	}
}

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	backend := newPostgresIntegrationBackend(t, "pingtriage_state_it")

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := sampleCollection()
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || len(loaded.Pings) != 1 || loaded.Threads["slack-C1-t1"] == nil {
		t.Fatalf("unexpected loaded snapshot %+v", loaded)
	}
}

func TestPostgresIntegrationStoreSerializesWriters(t *testing.T) {
	first := newPostgresIntegrationBackend(t, "pingtriage_state_lock_it")
	second, err := NewPostgresStateBackend(first.dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	second.(*PostgresStateBackend).tableName = first.tableName
	second.(*PostgresStateBackend).stateKey = first.stateKey
	t.Cleanup(func() { _ = second.(*PostgresStateBackend).Close() })

	stores := make([]*Store, 0, 2)
	for _, backend := range []StateBackend{first, second} {
		store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
		if err != nil {
			t.Fatalf("new store failed: %v", err)
		}
		stores = append(stores, store)
	}

	const perStore = 5
	var wg sync.WaitGroup
	var failures int32
	for n, store := range stores {
		wg.Add(1)
		go func(n int, store *Store) {
			defer wg.Done()
			for i := 0; i < perStore; i++ {
				if _, err := store.InsertPing(NewPing{Platform: "slack", MessageID: fmt.Sprintf("pg%d-%d", n, i), Timestamp: "2024-01-15T10:30:00Z"}); err != nil {
					atomic.AddInt32(&failures, 1)
				}
			}
		}(n, store)
	}
	wg.Wait()
	if failures != 0 {
		t.Fatalf("expected all inserts to succeed, got %d failures", failures)
	}

	loaded, err := first.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Pings) != 2*perStore {
		t.Fatalf("expected %d pings, got %d", 2*perStore, len(loaded.Pings))
	}
}

func newPostgresIntegrationBackend(t *testing.T, prefix string) *PostgresStateBackend {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName(prefix)
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})
	return pg
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PINGTRIAGE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set PINGTRIAGE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
