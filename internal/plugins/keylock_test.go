package plugins

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedLocks_SerializesAndDrops(t *testing.T) {
	k := newKeyedLocks()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("u1/p")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			inside.Add(-1)
			unlock()
			unlock() // idempotent
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Fatalf("lock admitted %d holders", maxInside.Load())
	}
	if k.Len() != 0 {
		t.Fatalf("idle lock entries retained: %d", k.Len())
	}

	a := k.Lock("a")
	b := k.Lock("b") // distinct keys do not block
	if k.Len() != 2 {
		t.Fatalf("len=%d", k.Len())
	}
	a()
	b()
}
