package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPoolSerializesPerParticipant(t *testing.T) {
	p := NewPool(context.Background(), 4, 16)

	var mu sync.Mutex
	order := make(map[string][]int)

	const tasks = 50
	for i := 0; i < tasks; i++ {
		i := i
		for _, pid := range []string{"p1", "p2"} {
			pid := pid
			if !p.Submit(pid, func(ctx context.Context) {
				mu.Lock()
				order[pid] = append(order[pid], i)
				mu.Unlock()
			}) {
				t.Fatal("submit refused")
			}
		}
	}
	p.Stop()

	for _, pid := range []string{"p1", "p2"} {
		got := order[pid]
		if len(got) != tasks {
			t.Fatalf("%s: expected %d tasks, got %d", pid, tasks, len(got))
		}
		for i := 0; i < tasks; i++ {
			if got[i] != i {
				t.Fatalf("%s: tasks ran out of order: %v", pid, got)
			}
		}
	}
}

func TestPoolShardStability(t *testing.T) {
	p := NewPool(context.Background(), 8, 4)
	defer p.Stop()

	for i := 0; i < 20; i++ {
		pid := fmt.Sprintf("participant-%d", i)
		first := p.shardFor(pid)
		for j := 0; j < 5; j++ {
			if p.shardFor(pid) != first {
				t.Fatalf("shard mapping not stable for %s", pid)
			}
		}
	}
}

func TestPoolStopDrainsAndRefuses(t *testing.T) {
	p := NewPool(context.Background(), 2, 8)

	var mu sync.Mutex
	ran := 0
	for i := 0; i < 10; i++ {
		p.Submit("p1", func(ctx context.Context) {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}
	p.Stop()

	mu.Lock()
	if ran != 10 {
		t.Errorf("expected all queued tasks to drain, ran %d", ran)
	}
	mu.Unlock()

	if p.Submit("p1", func(ctx context.Context) {}) {
		t.Error("submit after stop must be refused")
	}
	// Stop is idempotent.
	p.Stop()
}

func TestPoolRecoversFromPanic(t *testing.T) {
	p := NewPool(context.Background(), 1, 4)

	done := make(chan struct{})
	p.Submit("p1", func(ctx context.Context) { panic("task bug") })
	p.Submit("p1", func(ctx context.Context) { close(done) })
	p.Stop()

	select {
	case <-done:
	default:
		t.Error("pool worker died after a task panic")
	}
}

func TestPoolStopWaitsForBlockedSubmit(t *testing.T) {
	p := NewPool(context.Background(), 1, 1)

	gate := make(chan struct{})
	var mu sync.Mutex
	ran := 0
	count := func(ctx context.Context) {
		mu.Lock()
		ran++
		mu.Unlock()
	}

	// Occupy the worker, then fill the depth-1 queue.
	p.Submit("p1", func(ctx context.Context) {
		<-gate
		count(ctx)
	})
	p.Submit("p1", count)

	// This Submit blocks on the full shard queue.
	submitted := make(chan bool)
	go func() {
		submitted <- p.Submit("p1", count)
	}()
	// Give the goroutine time to park on the channel send.
	time.Sleep(50 * time.Millisecond)

	// Stop while the Submit is still blocked; it must not see a closed
	// channel. Releasing the gate lets the worker drain.
	stopDone := make(chan struct{})
	go func() {
		p.Stop()
		close(stopDone)
	}()
	close(gate)

	if ok := <-submitted; !ok {
		t.Error("blocked submit must complete, not be refused")
	}
	<-stopDone

	mu.Lock()
	defer mu.Unlock()
	if ran != 3 {
		t.Errorf("expected all 3 tasks to run, ran %d", ran)
	}
}
