package hls

import "sync"

// SegmentTracker remembers the most recently processed segments in a fixed
// size ring so live playlist refreshes only deliver new segments.
type SegmentTracker struct {
	segments    []string
	index       map[string]int
	head        int
	maxSize     int
	currentSize int
	mu          sync.RWMutex
}

// NewSegmentTracker returns a tracker holding at most maxSize entries.
func NewSegmentTracker(maxSize int) *SegmentTracker {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &SegmentTracker{
		segments: make([]string, maxSize),
		index:    make(map[string]int, maxSize),
		maxSize:  maxSize,
	}
}

// HasProcessed reports whether id is still tracked.
func (st *SegmentTracker) HasProcessed(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.index[id]
	return ok
}

// MarkProcessed records id, evicting the oldest entry when full.
func (st *SegmentTracker) MarkProcessed(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.index[id]; ok {
		return
	}

	if st.currentSize >= st.maxSize {
		if old := st.segments[st.head]; old != "" {
			delete(st.index, old)
		}
	} else {
		st.currentSize++
	}

	st.segments[st.head] = id
	st.index[id] = st.head
	st.head = (st.head + 1) % st.maxSize
}

// Size returns the number of tracked entries.
func (st *SegmentTracker) Size() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.currentSize
}

// Clear drops every entry.
func (st *SegmentTracker) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.index = make(map[string]int, st.maxSize)
	for i := range st.segments {
		st.segments[i] = ""
	}
	st.head = 0
	st.currentSize = 0
}
