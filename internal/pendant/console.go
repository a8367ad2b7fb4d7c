package pendant

import (
	"sync"
	"time"
)

// ConsoleChunk is a run of bytes received from the controller.
type ConsoleChunk struct {
	Timestamp time.Time `json:"timestamp"`
	Data      string    `json:"data"`
}

type consoleSubscriber struct {
	ch chan ConsoleChunk
}

// ConsoleHub fans controller output out to console clients.
type ConsoleHub struct {
	mu   sync.RWMutex
	subs map[*consoleSubscriber]struct{}
}

func NewConsoleHub() *ConsoleHub {
	return &ConsoleHub{subs: make(map[*consoleSubscriber]struct{})}
}

// Subscribe registers a client. The returned function unsubscribes and
// closes the channel.
func (h *ConsoleHub) Subscribe() (<-chan ConsoleChunk, func()) {
	s := &consoleSubscriber{ch: make(chan ConsoleChunk, 64)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Publish never blocks the run loop: a client whose buffer is full misses
// the chunk.
func (h *ConsoleHub) Publish(p []byte) {
	if len(p) == 0 {
		return
	}
	c := ConsoleChunk{Timestamp: time.Now().UTC(), Data: string(p)}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- c:
		default:
		}
	}
}

func (h *ConsoleHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
