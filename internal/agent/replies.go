package agent

import (
	"sync"

	"github.com/ofkm/agenthost/pkg/types"
)

// ReplyQueue holds replies waiting for the next report. Dispatch goroutines
// push; only the engine drains.
type ReplyQueue struct {
	mu      sync.Mutex
	pending []types.MessageReply
}

func NewReplyQueue() *ReplyQueue {
	return &ReplyQueue{}
}

func (q *ReplyQueue) Push(reply types.MessageReply) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, reply)
}

// Drain empties the queue and returns what it held. Never nil.
func (q *ReplyQueue) Drain() []types.MessageReply {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.pending
	q.pending = nil
	if out == nil {
		out = []types.MessageReply{}
	}
	return out
}

// Requeue puts replies from a failed send back ahead of anything queued since.
func (q *ReplyQueue) Requeue(replies []types.MessageReply) {
	if len(replies) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]types.MessageReply, 0, len(replies)+len(q.pending))
	merged = append(merged, replies...)
	q.pending = append(merged, q.pending...)
}

func (q *ReplyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
