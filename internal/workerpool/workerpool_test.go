package workerpool

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsEveryJob(t *testing.T) {
	p := New(4)
	defer p.Close()

	const n = 1000
	var done int64
	for i := 0; i < n; i++ {
		p.Queue(func() { atomic.AddInt64(&done, 1) })
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&done) != n && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := atomic.LoadInt64(&done); got != n {
		t.Fatalf("ran %d jobs, want %d", got, n)
	}
}

func TestCloseDrainsQueuedWorkBeforeReturning(t *testing.T) {
	p := New(2)
	var done int64
	for i := 0; i < 50; i++ {
		p.Queue(func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&done, 1)
		})
	}
	p.Close()
	if got := atomic.LoadInt64(&done); got != 50 {
		t.Fatalf("done = %d after Close, want 50", got)
	}
}

func TestNewClampsNonPositiveSizeToOneWorker(t *testing.T) {
	p := New(0)
	defer p.Close()
	done := make(chan struct{})
	p.Queue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("job never ran with a non-positive worker count")
	}
}
