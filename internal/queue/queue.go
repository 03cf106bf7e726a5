// Package queue serializes work per conversation. Jobs enqueued under
// the same topic key run strictly in submission order; different keys
// run concurrently.
package queue

import (
	"context"
	"sync"
)

// TopicQueue chains jobs per key. The entry for a key is removed when
// its last job settles, so idle conversations cost nothing.
type TopicQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// New returns an empty queue.
func New() *TopicQueue {
	return &TopicQueue{tails: map[string]chan struct{}{}}
}

// Enqueue schedules job to run after the current tail for key and
// returns immediately. Panics in job are not recovered: jobs are
// expected to handle their own failures.
func (q *TopicQueue) Enqueue(key string, job func()) {
	q.mu.Lock()
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		defer func() {
			close(done)
			q.mu.Lock()
			// Delete only when this job is still the tail; a newer job
			// may already have replaced it.
			if q.tails[key] == done {
				delete(q.tails, key)
			}
			q.mu.Unlock()
		}()
		job()
	}()
}

// Pending returns the number of keys with in-flight or queued work.
func (q *TopicQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}

// Drain waits until every queued job settles or ctx expires. Jobs
// enqueued while draining are waited on too.
func (q *TopicQueue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		var tail chan struct{}
		for _, t := range q.tails {
			tail = t
			break
		}
		q.mu.Unlock()

		if tail == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tail:
		}
	}
}
