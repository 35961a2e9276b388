package recsync

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("recsync_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = backend.(stateBackendCloser).Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	if err := backend.Save(testPersistedState()); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	assertPersistedState(t, loaded)

	key := Scope{Category: CategoryInvitation, Filter: FilterCurrent}.Key()
	loaded.Counters[key] = 12
	if err := backend.Save(loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || reloaded.Counters[key] != 12 {
		t.Fatalf("expected counter 12 after update, got %+v", reloaded)
	}
}

func TestPostgresIntegrationAckQueueFIFOAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresAckQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres ack queue: %v", err)
	}
	pg, ok := queue.(*PostgresAckQueue)
	if !ok {
		t.Fatalf("expected *PostgresAckQueue, got %T", queue)
	}
	pg.tableName = postgresIntegrationTableName("recsync_ackq_it")
	pg.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	if !queue.TryEnqueue(testAck("i1")) {
		t.Fatalf("expected enqueue i1 to succeed")
	}
	if !queue.TryEnqueue(testAck("i2")) {
		t.Fatalf("expected enqueue i2 to succeed")
	}
	if queue.TryEnqueue(testAck("i3")) {
		t.Fatalf("expected enqueue i3 to fail at capacity")
	}
	if got := queue.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}

	snapshotter, ok := queue.(ackSnapshotter)
	if !ok {
		t.Fatalf("expected ack queue snapshotter")
	}
	snapshot := snapshotter.SnapshotAcks()
	if len(snapshot) != 2 || snapshot[0].IDs[0] != "i1" || snapshot[1].IDs[0] != "i2" {
		t.Fatalf("unexpected snapshot order/content: %+v", snapshot)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, ok := queue.Dequeue(ctx)
	if !ok || first.IDs[0] != "i1" {
		t.Fatalf("expected first dequeue i1, got ok=%v ack=%+v", ok, first)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.IDs[0] != "i2" {
		t.Fatalf("expected second dequeue i2, got ok=%v ack=%+v", ok, second)
	}

	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty dequeue to return false")
	}
}

func TestPostgresIntegrationAckQueueRestartPersistence(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName("recsync_ackq_restart_it")
	queueKey := postgresIntegrationTableName("qk")

	queue, err := NewPostgresAckQueue(dsn, 4)
	if err != nil {
		t.Fatalf("new postgres ack queue: %v", err)
	}
	first, ok := queue.(*PostgresAckQueue)
	if !ok {
		t.Fatalf("expected *PostgresAckQueue, got %T", queue)
	}
	first.tableName = tableName
	first.queueKey = queueKey
	t.Cleanup(func() {
		postgresIntegrationDropTable(t, dsn, tableName)
	})

	if !queue.TryEnqueue(testAck("i1")) {
		t.Fatalf("expected enqueue i1 to succeed")
	}
	if !queue.TryEnqueue(testAck("i2")) {
		t.Fatalf("expected enqueue i2 to succeed")
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close first queue failed: %v", err)
	}

	reopenedRaw, err := NewPostgresAckQueue(dsn, 4)
	if err != nil {
		t.Fatalf("reopen postgres ack queue: %v", err)
	}
	reopened, ok := reopenedRaw.(*PostgresAckQueue)
	if !ok {
		t.Fatalf("expected *PostgresAckQueue on reopen, got %T", reopenedRaw)
	}
	reopened.tableName = tableName
	reopened.queueKey = queueKey
	t.Cleanup(func() {
		_ = reopenedRaw.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	one, ok := reopenedRaw.Dequeue(ctx)
	if !ok || one.IDs[0] != "i1" {
		t.Fatalf("expected first dequeued i1, got ok=%v ack=%+v", ok, one)
	}
	two, ok := reopenedRaw.Dequeue(ctx)
	if !ok || two.IDs[0] != "i2" {
		t.Fatalf("expected second dequeued i2, got ok=%v ack=%+v", ok, two)
	}
}

func TestPostgresIntegrationAckQueueCapacityUnderConcurrentEnqueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	queue, err := NewPostgresAckQueue(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres ack queue: %v", err)
	}
	pg, ok := queue.(*PostgresAckQueue)
	if !ok {
		t.Fatalf("expected *PostgresAckQueue, got %T", queue)
	}
	pg.tableName = postgresIntegrationTableName("recsync_ackq_race_it")
	pg.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	const producers = 16
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if queue.TryEnqueue(testAck(fmt.Sprintf("i%d", n))) {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful enqueue at capacity=1, got %d", got)
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected queue depth 1 after concurrent enqueue, got %d", depth)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RECSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RECSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
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
