package watch

import "anchorwatch/internal/models"

// DefaultHistorySize is the number of samples kept for the trail
const DefaultHistorySize = 500

// History is a fixed-capacity ring buffer of positions. The oldest entry is
// evicted when a push would exceed capacity.
type History struct {
	buf   []models.Position
	start int
	n     int
}

// NewHistory creates a history holding at most capacity positions
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{buf: make([]models.Position, capacity)}
}

// Push appends p
func (h *History) Push(p models.Position) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = p
		h.n++
		return
	}
	h.buf[h.start] = p
	h.start = (h.start + 1) % len(h.buf)
}

// Items returns a copy of the positions, oldest first
func (h *History) Items() []models.Position {
	out := make([]models.Position, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of stored positions
func (h *History) Len() int { return h.n }

// Cap returns the capacity
func (h *History) Cap() int { return len(h.buf) }

// Reset empties the history
func (h *History) Reset() {
	h.start, h.n = 0, 0
}
