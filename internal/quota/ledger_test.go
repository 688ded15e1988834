package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeStore is an in-memory account store.
type fakeStore struct {
	mu     sync.Mutex
	used   map[int]int64
	limit  map[int]int64
	setErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		used:  make(map[int]int64),
		limit: make(map[int]int64),
	}
}

func (s *fakeStore) GetAccount(ctx context.Context, ownerID int) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[ownerID], s.limit[ownerID], nil
}

func (s *fakeStore) SetAccountUsed(ctx context.Context, ownerID int, used int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.used[ownerID] = used
	return nil
}

func TestTryAdmitWithinLimit(t *testing.T) {
	store := newFakeStore()
	store.limit[1] = 100
	l := NewLedger(store)

	ok, err := l.TryAdmit(context.Background(), 1, 60)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected admission within limit")
	}

	// The reservation counts against further admissions.
	ok, err = l.TryAdmit(context.Background(), 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected rejection: 60 reserved + 50 > 100")
	}
}

func TestTryAdmitAtBoundary(t *testing.T) {
	store := newFakeStore()
	store.limit[1] = 100
	store.used[1] = 99 // limit - 1
	l := NewLedger(store)

	ok, err := l.TryAdmit(context.Background(), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("2-byte file must not be admitted with 1 byte of headroom")
	}

	ok, err = l.TryAdmit(context.Background(), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("1-byte file must fit exactly")
	}
}

func TestUnlimitedAccount(t *testing.T) {
	l := NewLedger(newFakeStore())
	ok, err := l.TryAdmit(context.Background(), 7, 1<<40)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("limit 0 means unlimited")
	}
}

func TestCommitMovesReservationToUsed(t *testing.T) {
	store := newFakeStore()
	store.limit[1] = 100
	l := NewLedger(store)

	if ok, _ := l.TryAdmit(context.Background(), 1, 25); !ok {
		t.Fatal("admission failed")
	}
	if err := l.Commit(context.Background(), 1, 25); err != nil {
		t.Fatal(err)
	}

	used, reserved, _, err := l.Usage(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if used != 25 || reserved != 0 {
		t.Errorf("expected used=25 reserved=0, got used=%d reserved=%d", used, reserved)
	}
	if store.used[1] != 25 {
		t.Errorf("expected persisted used=25, got %d", store.used[1])
	}
}

func TestReleaseRestoresHeadroom(t *testing.T) {
	store := newFakeStore()
	store.limit[1] = 100
	l := NewLedger(store)

	if ok, _ := l.TryAdmit(context.Background(), 1, 100); !ok {
		t.Fatal("admission failed")
	}
	l.Release(1, 100)

	used, reserved, _, _ := l.Usage(context.Background(), 1)
	if used != 0 || reserved != 0 {
		t.Errorf("expected untouched usage after release, got used=%d reserved=%d", used, reserved)
	}
	if ok, _ := l.TryAdmit(context.Background(), 1, 100); !ok {
		t.Error("headroom must be back after release")
	}
}

func TestCommitRollsBackOnStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.limit[1] = 100
	l := NewLedger(store)

	if ok, _ := l.TryAdmit(context.Background(), 1, 40); !ok {
		t.Fatal("admission failed")
	}
	store.setErr = errors.New("db down")
	if err := l.Commit(context.Background(), 1, 40); err == nil {
		t.Fatal("expected commit error")
	}

	used, reserved, _, _ := l.Usage(context.Background(), 1)
	if used != 0 || reserved != 40 {
		t.Errorf("expected reservation intact after failed commit, got used=%d reserved=%d", used, reserved)
	}
}

func TestConcurrentAdmissionNeverOversubscribes(t *testing.T) {
	store := newFakeStore()
	store.limit[1] = 100
	l := NewLedger(store)

	var wg sync.WaitGroup
	admitted := make(chan int64, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.TryAdmit(context.Background(), 1, 10); ok {
				admitted <- 10
			}
		}()
	}
	wg.Wait()
	close(admitted)

	var total int64
	for n := range admitted {
		total += n
	}
	if total != 100 {
		t.Errorf("expected exactly 100 bytes admitted, got %d", total)
	}
}

func TestDischargeFreesCommittedBytes(t *testing.T) {
	store := newFakeStore()
	store.limit[1] = 100
	store.used[1] = 80
	l := NewLedger(store)

	if err := l.Discharge(context.Background(), 1, 30); err != nil {
		t.Fatal(err)
	}
	used, _, _, _ := l.Usage(context.Background(), 1)
	if used != 50 {
		t.Errorf("expected used=50 after discharge, got %d", used)
	}
}
