package consensus

import "sync"

// hub wakes subscribers when a topic receives a new message. Waiters take
// the channel before reading storage, so a commit between the read and the
// wait is never missed.
type hub struct {
	mu      sync.Mutex
	changed map[string]chan struct{}
}

func newHub() *hub {
	return &hub{changed: make(map[string]chan struct{})}
}

func (h *hub) wait(topic string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.changed[topic]
	if !ok {
		ch = make(chan struct{})
		h.changed[topic] = ch
	}
	return ch
}

func (h *hub) notify(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.changed[topic]; ok {
		close(ch)
		delete(h.changed, topic)
	}
}

func (h *hub) notifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, ch := range h.changed {
		close(ch)
		delete(h.changed, topic)
	}
}
