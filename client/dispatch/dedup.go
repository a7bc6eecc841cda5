package dispatch

import "sync"

const DefaultDedupCapacity = 1000

// DedupWindow is a bounded set of recently seen message ids. When full, the oldest
// half is evicted at once. Pinned ids survive eviction.
type DedupWindow struct {
	mx       sync.Mutex
	capacity int
	seen     map[int64]struct{}
	order    []int64
	pinned   map[int64]int
}

func NewDedupWindow(capacity int) *DedupWindow {
	if capacity <= 1 {
		capacity = DefaultDedupCapacity
	}
	return &DedupWindow{
		capacity: capacity,
		seen:     make(map[int64]struct{}, capacity),
		order:    make([]int64, 0, capacity),
		pinned:   make(map[int64]int),
	}
}

// Observe records id and reports whether it was already present.
func (w *DedupWindow) Observe(id int64) bool {
	w.mx.Lock()
	defer w.mx.Unlock()

	if _, ok := w.seen[id]; ok {
		return true
	}
	if len(w.seen) >= w.capacity {
		w.evict()
		if len(w.seen) >= w.capacity {
			// everything left is pinned; forward without remembering
			return false
		}
	}
	w.seen[id] = struct{}{}
	w.order = append(w.order, id)
	return false
}

func (w *DedupWindow) Contains(id int64) bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	_, ok := w.seen[id]
	return ok
}

func (w *DedupWindow) Len() int {
	w.mx.Lock()
	defer w.mx.Unlock()
	return len(w.seen)
}

// Pin protects id from eviction until a matching Unpin.
func (w *DedupWindow) Pin(id int64) {
	w.mx.Lock()
	w.pinned[id]++
	w.mx.Unlock()
}

func (w *DedupWindow) Unpin(id int64) {
	w.mx.Lock()
	defer w.mx.Unlock()
	if n := w.pinned[id]; n > 1 {
		w.pinned[id] = n - 1
		return
	}
	delete(w.pinned, id)
}

// evict must be called with mx held.
func (w *DedupWindow) evict() {
	target := w.capacity / 2
	kept := make([]int64, 0, w.capacity)
	for _, id := range w.order {
		if len(w.seen) <= target {
			kept = append(kept, id)
			continue
		}
		if _, ok := w.pinned[id]; ok {
			kept = append(kept, id)
			continue
		}
		delete(w.seen, id)
	}
	w.order = kept
}
