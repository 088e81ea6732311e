package incident

import (
	"sync"
	"testing"
)

func TestRegistrySerializesSameKey(t *testing.T) {
	r := newRegistry()

	var mu sync.Mutex
	active := 0
	maxActive := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := r.acquire("inc_1")
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected at most 1 concurrent holder, got %d", maxActive)
	}
}

func TestRegistryEvictsIdleEntries(t *testing.T) {
	r := newRegistry()
	release := r.acquire("inc_1")
	release()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.locks) != 0 {
		t.Fatalf("expected empty lock table, got %d entries", len(r.locks))
	}
}

func TestRegistryIndependentKeysDoNotBlock(t *testing.T) {
	r := newRegistry()
	releaseA := r.acquire("inc_a")
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB := r.acquire("inc_b")
		releaseB()
		close(done)
	}()
	<-done
}
