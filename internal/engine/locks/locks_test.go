package locks

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlascdp/identity-backend/internal/apierr"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager()
	id := uuid.New()
	ctx := context.Background()

	release, err := m.Acquire(ctx, id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	release()

	release, err = m.Acquire(ctx, id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("re-Acquire() after release error: %v", err)
	}
	release()
}

func TestAcquireContended(t *testing.T) {
	m := NewManager()
	id := uuid.New()
	ctx := context.Background()

	release, err := m.Acquire(ctx, id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer release()

	_, err = m.Acquire(ctx, id, 20*time.Millisecond)
	if !apierr.IsBusy(err) {
		t.Fatalf("contended Acquire() kind = %v, want busy", apierr.KindOf(err))
	}
}

func TestAcquireContextCancel(t *testing.T) {
	m := NewManager()
	id := uuid.New()

	release, err := m.Acquire(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Acquire(ctx, id, time.Minute); err != context.Canceled {
		t.Fatalf("Acquire(cancelled ctx) error = %v, want context.Canceled", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager()
	id := uuid.New()

	release, err := m.Acquire(context.Background(), id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	release()
	release()

	if _, err := m.Acquire(context.Background(), id, 50*time.Millisecond); err != nil {
		t.Fatalf("Acquire() after double release error: %v", err)
	}
}

func TestEntryCleanup(t *testing.T) {
	m := NewManager()
	id := uuid.New()

	release, err := m.Acquire(context.Background(), id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	release()

	m.lockTable()
	n := len(m.entries)
	m.unlockTable()
	if n != 0 {
		t.Fatalf("entry table holds %d entries after release, want 0", n)
	}
}

func TestAcquireTwoSameID(t *testing.T) {
	m := NewManager()
	id := uuid.New()

	release, err := m.AcquireTwo(context.Background(), id, id, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireTwo(same id) error: %v", err)
	}
	release()

	if _, err := m.Acquire(context.Background(), id, 50*time.Millisecond); err != nil {
		t.Fatalf("Acquire() after AcquireTwo release error: %v", err)
	}
}

func TestAcquireTwoBlocksSingles(t *testing.T) {
	m := NewManager()
	a, b := uuid.New(), uuid.New()
	ctx := context.Background()

	release, err := m.AcquireTwo(ctx, a, b, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireTwo() error: %v", err)
	}

	if _, err := m.Acquire(ctx, a, 10*time.Millisecond); !apierr.IsBusy(err) {
		t.Fatalf("Acquire(a) under pair lock kind = %v, want busy", apierr.KindOf(err))
	}
	if _, err := m.Acquire(ctx, b, 10*time.Millisecond); !apierr.IsBusy(err) {
		t.Fatalf("Acquire(b) under pair lock kind = %v, want busy", apierr.KindOf(err))
	}

	release()
	if _, err := m.Acquire(ctx, a, 50*time.Millisecond); err != nil {
		t.Fatalf("Acquire(a) after pair release error: %v", err)
	}
}

func TestAcquireTwoReleasesFirstOnFailure(t *testing.T) {
	m := NewManager()
	a, b := uuid.New(), uuid.New()
	_, second := OrderIDs(a, b)
	ctx := context.Background()

	blockSecond, err := m.Acquire(ctx, second, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire(second) error: %v", err)
	}

	if _, err := m.AcquireTwo(ctx, a, b, 20*time.Millisecond); !apierr.IsBusy(err) {
		t.Fatalf("AcquireTwo() with second held kind = %v, want busy", apierr.KindOf(err))
	}

	// The first lock must have been rolled back.
	first, _ := OrderIDs(a, b)
	release, err := m.Acquire(ctx, first, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire(first) after failed pair error: %v", err)
	}
	release()
	blockSecond()
}

func TestOrderIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	first, second := OrderIDs(a, b)
	if bytes.Compare(first[:], second[:]) > 0 {
		t.Fatalf("OrderIDs() returned descending pair %s, %s", first, second)
	}
	f2, s2 := OrderIDs(b, a)
	if f2 != first || s2 != second {
		t.Fatalf("OrderIDs() not symmetric: (%s,%s) vs (%s,%s)", first, second, f2, s2)
	}
}

func TestConcurrentPairOrdering(t *testing.T) {
	m := NewManager()
	ids := make([]uuid.UUID, 4)
	for i := range ids {
		ids[i] = uuid.New()
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := ids[i%len(ids)]
			b := ids[(i+1)%len(ids)]
			for j := 0; j < 25; j++ {
				release, err := m.AcquireTwo(context.Background(), a, b, time.Second)
				if err != nil {
					errs <- err
					return
				}
				release()
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AcquireTwo() under contention error: %v", err)
	}

	m.lockTable()
	n := len(m.entries)
	m.unlockTable()
	if n != 0 {
		t.Fatalf("entry table holds %d entries after all releases, want 0", n)
	}
}
