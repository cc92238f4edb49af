package client

import (
	"log"
	"sync"
	"time"
)

// queuedFrame is an encoded envelope waiting for a live connection.
type queuedFrame struct {
	frame []byte
	at    time.Time
}

// sendQueue buffers outbound frames while the client is offline. Frames are
// flushed in enqueue order; anything older than the horizon at drain time is
// dropped, since a five-minute-old typing signal or message helps nobody.
type sendQueue struct {
	mu      sync.Mutex
	entries []queuedFrame
	horizon time.Duration
	limit   int
}

func newSendQueue(horizon time.Duration, limit int) *sendQueue {
	return &sendQueue{horizon: horizon, limit: limit}
}

// enqueue appends a frame. When the queue is at its limit the oldest entry is
// dropped: recent traffic is worth more than stale traffic.
func (q *sendQueue) enqueue(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.entries) >= q.limit {
		log.Printf("client: send queue full (%d), dropping oldest frame", q.limit)
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, queuedFrame{frame: frame, at: time.Now()})
}

// drain removes and returns every queued frame still within the horizon, in
// enqueue order.
func (q *sendQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.horizon)
	var out [][]byte
	for _, e := range q.entries {
		if e.at.Before(cutoff) {
			continue
		}
		out = append(out, e.frame)
	}
	q.entries = nil
	return out
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
