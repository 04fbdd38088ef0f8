package keyedmutex

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWith_SerializesSameKey(t *testing.T) {
	m := New()
	var counter int32
	var maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.With("r1", func() {
				n := atomic.AddInt32(&counter, 1)
				if n > atomic.LoadInt32(&maxConcurrent) {
					atomic.StoreInt32(&maxConcurrent, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&counter, -1)
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxConcurrent)
}

func TestWith_DoesNotBlockDifferentKeys(t *testing.T) {
	m := New()
	done := make(chan struct{})

	go m.With("r1", func() {
		time.Sleep(50 * time.Millisecond)
	})

	go func() {
		m.With("r2", func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(20 * time.Millisecond):
		t.Fatal("With(r2) blocked on an unrelated key's lock")
	}
}
