// Package worker provides a sharded worker pool that serializes all work for
// a given participant. Tasks for one participant run in submission order on a
// single goroutine, so conversation transitions, reply handling, and timer
// expiries never race; tasks for different participants run concurrently.
package worker

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
)

// Task is one unit of participant-scoped work.
type Task func(ctx context.Context)

// Pool distributes tasks over a fixed set of shards by participant ID hash.
type Pool struct {
	shards []chan submission
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

type submission struct {
	participantID string
	task          Task
}

// NewPool creates a pool with the given shard count and starts its workers.
// ctx cancellation is observed by running tasks; shard queues drain on Stop.
func NewPool(ctx context.Context, shardCount, queueDepth int) *Pool {
	if shardCount <= 0 {
		shardCount = 1
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	p := &Pool{shards: make([]chan submission, shardCount)}
	for i := range p.shards {
		ch := make(chan submission, queueDepth)
		p.shards[i] = ch
		p.wg.Add(1)
		go p.run(ctx, i, ch)
	}
	slog.Debug("Pool started", "shards", shardCount, "queueDepth", queueDepth)
	return p
}

func (p *Pool) run(ctx context.Context, shard int, ch <-chan submission) {
	defer p.wg.Done()
	for sub := range ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Pool task panicked", "shard", shard, "participantID", sub.participantID, "panic", r)
				}
			}()
			sub.task(ctx)
		}()
	}
}

// shardFor maps a participant ID to its shard. The mapping is stable so all
// work for one participant lands on one goroutine.
func (p *Pool) shardFor(participantID string) int {
	h := fnv.New32a()
	h.Write([]byte(participantID))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// Submit enqueues a task on the participant's shard, blocking if the shard
// queue is full. Returns false if the pool is stopped. The read lock is held
// across the send so Stop cannot close the shard channel underneath a
// blocked Submit.
func (p *Pool) Submit(participantID string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		slog.Warn("Pool submit after stop", "participantID", participantID)
		return false
	}
	p.shards[p.shardFor(participantID)] <- submission{participantID: participantID, task: task}
	return true
}

// Stop closes the pool and waits for queued tasks to drain. The write lock
// waits out in-flight Submits before the channels close; workers keep
// draining meanwhile, so blocked Submits complete rather than deadlock.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, ch := range p.shards {
		close(ch)
	}
	p.mu.Unlock()

	p.wg.Wait()
	slog.Debug("Pool stopped")
}
