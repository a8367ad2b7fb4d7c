package transport

import "sync"

const rxQueueLimit = 16 * 1024

// rxQueue buffers received bytes between a reader goroutine and GetChar.
// When full, the oldest bytes are dropped.
type rxQueue struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newRxQueue(limit int) *rxQueue {
	return &rxQueue{limit: limit}
}

// push appends p and returns how many old bytes were discarded.
func (q *rxQueue) push(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, p...)
	over := len(q.buf) - q.limit
	if over <= 0 {
		return 0
	}
	q.buf = append(q.buf[:0], q.buf[over:]...)
	return over
}

func (q *rxQueue) pop() (byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return 0, false
	}
	c := q.buf[0]
	q.buf = q.buf[1:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	return c, true
}

func (q *rxQueue) reset() {
	q.mu.Lock()
	q.buf = nil
	q.mu.Unlock()
}
