package postprocess

import "sync"

// History keeps a session's most recent final sentences as refinement
// context. Safe for concurrent use.
type History struct {
	mu    sync.Mutex
	size  int
	items []string
}

func NewHistory(size int) *History {
	if size < 0 {
		size = 0
	}
	return &History{size: size}
}

// Add appends a sentence, evicting the oldest beyond the size limit.
func (h *History) Add(s string) {
	if h == nil || h.size == 0 || s == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, s)
	if over := len(h.items) - h.size; over > 0 {
		h.items = append(h.items[:0], h.items[over:]...)
	}
}

// Snapshot returns the sentences, oldest first.
func (h *History) Snapshot() []string {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.items...)
}
