package queue

import (
	"context"
	"sync"
)

// MemoryQueue collects messages in process. Used by local mode and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	messages []string
}

// SendMessage ...
func (q *MemoryQueue) SendMessage(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, message)
	return nil
}

// Messages returns a copy of everything sent so far.
func (q *MemoryQueue) Messages() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.messages...)
}
