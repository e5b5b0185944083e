package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocks_ExclusiveSerializes(t *testing.T) {
	locks := NewLocks()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("a.bin")
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, locks.Len())
}

func TestLocks_SharedHoldersOverlap(t *testing.T) {
	locks := NewLocks()

	first := locks.RLock("a.bin")
	acquired := make(chan struct{})
	go func() {
		second := locks.RLock("a.bin")
		close(acquired)
		second()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second shared lock was blocked by the first")
	}
	first()
}

func TestLocks_ExclusiveWaitsForShared(t *testing.T) {
	locks := NewLocks()

	shared := locks.RLock("a.bin")
	acquired := make(chan struct{})
	go func() {
		unlock := locks.Lock("a.bin")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("exclusive lock acquired while a shared holder was active")
	case <-time.After(50 * time.Millisecond):
	}

	shared()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("exclusive lock never acquired")
	}
}

func TestLocks_IndependentNames(t *testing.T) {
	locks := NewLocks()

	unlockA := locks.Lock("a.bin")
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b.bin")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b.bin blocked by a.bin")
	}
	require.Equal(t, 1, locks.Len())

	unlockA()
	unlockA()
	assert.Equal(t, 0, locks.Len())
}
