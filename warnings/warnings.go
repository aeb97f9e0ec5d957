// Package warnings carries short, localizable user-facing warnings from the
// sync layer to whatever surface displays them. Crypto failure details stay
// in the logs; the user sees only the locale key.
package warnings

import "sync"

// Warning identifies a localized message plus interpolation arguments.
type Warning struct {
	LocaleKey string
	Args      map[string]string
}

// Reporter accepts warnings. Implementations must not block.
type Reporter interface {
	Warn(w Warning)
}

// Hub is a Reporter that fans warnings out to subscribers over buffered
// channels. Slow subscribers lose warnings rather than blocking the
// producer.
type Hub struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Warning
	bufSize int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Warning), bufSize: 16}
}

func (h *Hub) Warn(w Warning) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- w:
		default:
		}
	}
}

// Subscribe returns a channel of warnings and a cancel function.
func (h *Hub) Subscribe() (<-chan Warning, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Warning, h.bufSize)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

type nopReporter struct{}

func (nopReporter) Warn(Warning) {}

// Nop returns a Reporter that discards warnings.
func Nop() Reporter { return nopReporter{} }
