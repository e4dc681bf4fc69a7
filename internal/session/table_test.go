package session

import (
	"sync"
	"testing"
	"time"

	"github.com/baidong0228/opencode-im-bridge/internal/channel"
)

func newTestTable(timeout time.Duration) (*Table, *time.Time) {
	tbl := NewTable(nil, timeout)
	now := time.Unix(1_700_000_000, 0)
	tbl.now = func() time.Time { return now }
	return tbl, &now
}

func testKey() Key {
	return Key{Platform: channel.PlatformQQ, UserID: "u1"}
}

func TestKeyStringScope(t *testing.T) {
	t.Parallel()

	private := Key{Platform: channel.PlatformQQ, UserID: "u1"}
	group := Key{Platform: channel.PlatformQQ, GroupID: "g1", UserID: "u1"}
	if private.String() == group.String() {
		t.Fatal("private and group keys collide")
	}
	if got := private.String(); got != "qq:u1" {
		t.Errorf("private key = %q, want qq:u1", got)
	}
	if got := group.String(); got != "qq:g1:u1" {
		t.Errorf("group key = %q, want qq:g1:u1", got)
	}
}

func TestGetOrCreateReturnsIdleSession(t *testing.T) {
	t.Parallel()

	tbl, _ := newTestTable(30 * time.Minute)
	s := tbl.GetOrCreate(testKey())
	if s.Status != StatusIdle {
		t.Fatalf("Status = %q, want idle", s.Status)
	}
	if tbl.Count() != 1 {
		t.Fatalf("Count = %d, want 1", tbl.Count())
	}
}

func TestGetOrCreateReplacesExpired(t *testing.T) {
	t.Parallel()

	tbl, now := newTestTable(30 * time.Minute)
	key := testKey()
	tbl.GetOrCreate(key)
	tbl.SetBackendRef(key, "s1")

	*now = now.Add(30*time.Minute + time.Millisecond)

	s := tbl.GetOrCreate(key)
	if s.Status != StatusIdle {
		t.Errorf("Status = %q, want idle", s.Status)
	}
	if s.BackendSessionRef != "" {
		t.Errorf("BackendSessionRef = %q, want discarded", s.BackendSessionRef)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	tbl, _ := newTestTable(30 * time.Minute)
	key := testKey()

	first, ok := tbl.Acquire(key)
	if !ok {
		t.Fatal("first Acquire refused")
	}
	if first.Status != StatusIdle {
		t.Errorf("snapshot Status = %q, want pre-busy idle", first.Status)
	}
	if _, ok := tbl.Acquire(key); ok {
		t.Fatal("second Acquire succeeded while busy")
	}

	tbl.Release(key)
	if _, ok := tbl.Acquire(key); !ok {
		t.Fatal("Acquire refused after Release")
	}
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	tbl, _ := newTestTable(30 * time.Minute)
	key := testKey()

	const attempts = 64
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := tbl.Acquire(key); ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("%d goroutines acquired the same key, want exactly 1", count)
	}
}

func TestAcquireSnapshotCarriesBackendRef(t *testing.T) {
	t.Parallel()

	tbl, _ := newTestTable(30 * time.Minute)
	key := testKey()
	tbl.GetOrCreate(key)
	tbl.SetBackendRef(key, "s1")

	s, ok := tbl.Acquire(key)
	if !ok {
		t.Fatal("Acquire refused")
	}
	if s.BackendSessionRef != "s1" {
		t.Fatalf("snapshot BackendSessionRef = %q, want s1", s.BackendSessionRef)
	}
}

func TestUpdateNotFound(t *testing.T) {
	t.Parallel()

	tbl, _ := newTestTable(30 * time.Minute)
	status := StatusBusy
	if _, err := tbl.Update(testKey(), Fields{Status: &status}); err != ErrNotFound {
		t.Fatalf("Update on missing key = %v, want ErrNotFound", err)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	t.Parallel()

	tbl, _ := newTestTable(30 * time.Minute)
	key := testKey()
	tbl.GetOrCreate(key)

	ref := "s2"
	s, err := tbl.Update(key, Fields{BackendSessionRef: &ref})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if s.BackendSessionRef != "s2" || s.Status != StatusIdle {
		t.Fatalf("Update result = %+v, want ref merged and status untouched", s)
	}
}

func TestResetClearsBackendRef(t *testing.T) {
	t.Parallel()

	tbl, _ := newTestTable(30 * time.Minute)
	key := testKey()
	tbl.GetOrCreate(key)
	tbl.SetBackendRef(key, "s1")
	if _, ok := tbl.Acquire(key); !ok {
		t.Fatal("Acquire refused")
	}

	tbl.Reset(key)

	s := tbl.GetOrCreate(key)
	if s.Status != StatusIdle || s.BackendSessionRef != "" {
		t.Fatalf("after Reset session = %+v, want idle with empty ref", s)
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	tbl, now := newTestTable(30 * time.Minute)
	old := Key{Platform: channel.PlatformQQ, UserID: "old"}
	fresh := Key{Platform: channel.PlatformQQ, UserID: "fresh"}
	tbl.GetOrCreate(old)

	*now = now.Add(31 * time.Minute)
	tbl.GetOrCreate(fresh)

	if removed := tbl.SweepExpired(); removed != 1 {
		t.Fatalf("SweepExpired = %d, want 1", removed)
	}
	if tbl.Count() != 1 {
		t.Fatalf("Count after sweep = %d, want 1", tbl.Count())
	}
}
