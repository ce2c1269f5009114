package seen

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAddHasExpire(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s := New(time.Minute, 10).WithClock(clock.Now)

	if s.Has("unknown") {
		t.Fatal("unknown id reported present")
	}
	s.Add("100")
	if !s.Has("100") {
		t.Fatal("expected id present right after add")
	}

	clock.Advance(59 * time.Second)
	if !s.Has("100") {
		t.Fatal("expected id present before ttl")
	}
	clock.Advance(time.Second)
	if s.Has("100") {
		t.Fatal("expected id expired after ttl")
	}
	if s.Len() != 0 {
		t.Errorf("expired entry should be dropped on lookup, len=%d", s.Len())
	}
}

func TestTinyTTLRealClock(t *testing.T) {
	s := New(20*time.Millisecond, 10)
	s.Add("a")
	if !s.Has("a") {
		t.Fatal("expected present")
	}
	time.Sleep(40 * time.Millisecond)
	if s.Has("a") {
		t.Fatal("expected expired")
	}
}

func TestEvictsOldestFivePercent(t *testing.T) {
	s := New(time.Hour, 100)
	for i := 0; i < 100; i++ {
		s.Add(fmt.Sprintf("id-%d", i))
	}
	s.Add("new")

	if s.Len() != 96 {
		t.Fatalf("expected 96 entries after evicting 5 and adding 1, got %d", s.Len())
	}
	for i := 0; i < 5; i++ {
		if s.Has(fmt.Sprintf("id-%d", i)) {
			t.Errorf("id-%d should have been evicted", i)
		}
	}
	if !s.Has("id-5") || !s.Has("new") {
		t.Error("expected id-5 and new to survive eviction")
	}
}

func TestTryAddSingleWinner(t *testing.T) {
	s := New(time.Hour, 1000)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAdd("200") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one TryAdd winner, got %d", wins)
	}
}

func TestRemove(t *testing.T) {
	s := New(time.Hour, 10)
	if !s.TryAdd("a") {
		t.Fatal("first TryAdd should win")
	}
	s.Remove("a")
	s.Remove("missing")
	if s.Has("a") {
		t.Fatal("removed id still present")
	}
	if !s.TryAdd("a") {
		t.Fatal("TryAdd after Remove should win")
	}
}
