package callserver

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// exerciseStore runs the behaviour every CallStore must share.
func exerciseStore(t *testing.T, store CallStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := &CallRecord{
		CallID:      uuid.NewString(),
		PhoneNumber: "+15551234567",
		Status:      StatusDialing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.Cleanup(func() { _ = store.Delete(context.Background(), rec.CallID) })

	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, rec); err == nil {
		t.Fatal("Create of an existing call succeeded")
	}

	got, err := store.Get(ctx, rec.CallID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PhoneNumber != rec.PhoneNumber || got.Status != StatusDialing {
		t.Fatalf("Get = %+v", got)
	}

	updated, err := store.Update(ctx, rec.CallID, func(c *CallRecord) {
		c.TwilioSID = "CA0001"
		c.Status = StatusConnected
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.TwilioSID != "CA0001" || updated.Status != StatusConnected {
		t.Fatalf("Update returned %+v", updated)
	}
	if updated.UpdatedAt.Before(now) {
		t.Fatalf("UpdatedAt not advanced: %v", updated.UpdatedAt)
	}

	// Concurrent updates must not lose writes.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Update(ctx, rec.CallID, func(c *CallRecord) { c.StreamSID += "x" })
		}()
	}
	wg.Wait()
	got, _ = store.Get(ctx, rec.CallID)
	if got.StreamSID != "xxxx" {
		t.Fatalf("StreamSID = %q after concurrent updates, want xxxx", got.StreamSID)
	}

	if _, err := store.Update(ctx, "missing-"+rec.CallID, func(*CallRecord) {}); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("Update missing = %v, want ErrCallNotFound", err)
	}

	if err := store.Delete(ctx, rec.CallID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, rec.CallID); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("Get after Delete = %v, want ErrCallNotFound", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &CallRecord{CallID: "c1", Status: StatusDialing}); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, "c1")
	got.Status = StatusEnded

	again, _ := store.Get(ctx, "c1")
	if again.Status != StatusDialing {
		t.Fatalf("stored record mutated through Get result: %+v", again)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	store, err := NewRedisStore(context.Background(), Config{RedisAddr: addr, CallTTL: time.Minute}, quietLogger())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	store, err := NewPostgresStore(context.Background(), url, quietLogger())
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)

	// A second store sharing an existing pool sees the same table.
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	shared := NewPostgresStoreFromPool(pool, quietLogger())
	defer shared.Close()

	exerciseStore(t, shared)
}

func TestOpenStoreFailureReturnsNilStore(t *testing.T) {
	t.Parallel()

	store, err := OpenStore(context.Background(), Config{CallStore: "redis", RedisAddr: "127.0.0.1:1"}, quietLogger())
	if err == nil {
		t.Fatal("OpenStore connected to a closed port")
	}
	if store != nil {
		t.Fatalf("store = %#v, want nil interface on error", store)
	}
}

func TestOpenStore(t *testing.T) {
	t.Parallel()

	store, err := OpenStore(context.Background(), Config{CallStore: "memory"}, quietLogger())
	if err != nil {
		t.Fatalf("OpenStore(memory): %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("OpenStore(memory) = %T", store)
	}

	if _, err := OpenStore(context.Background(), Config{CallStore: "etcd"}, quietLogger()); err == nil {
		t.Fatal("OpenStore accepted an unknown store")
	}
}
