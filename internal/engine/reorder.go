package engine

import (
	"container/heap"
	"time"

	"github.com/fleetpulse/pdm-engine/internal/models"
)

// reorderBuffer holds a bounded number of raw readings per series and
// releases them in timestamp order, so a burst delivered slightly out of
// order is straightened before it can corrupt the EWMA. Overflow releases
// the earliest reading immediately; nothing is ever applied out of order
// within the buffer's horizon.
type reorderBuffer struct {
	limit  int
	series map[models.SeriesKey]*readingHeap
}

type bufferedReading struct {
	raw      models.RawReading
	enqueued time.Time
}

func newReorderBuffer(limit int) *reorderBuffer {
	if limit <= 0 {
		limit = 1
	}
	return &reorderBuffer{
		limit:  limit,
		series: make(map[models.SeriesKey]*readingHeap),
	}
}

// push buffers one reading and returns any readings forced out by the
// per-series capacity, earliest timestamp first.
func (b *reorderBuffer) push(raw models.RawReading, now time.Time) []models.RawReading {
	key := models.SeriesKey{VehicleID: raw.VehicleID, Signal: raw.Signal}
	h, ok := b.series[key]
	if !ok {
		h = &readingHeap{}
		b.series[key] = h
	}
	heap.Push(h, bufferedReading{raw: raw, enqueued: now})

	var released []models.RawReading
	for h.Len() > b.limit {
		released = append(released, heap.Pop(h).(bufferedReading).raw)
	}
	return released
}

// ripe releases readings buffered longer than hold, earliest first.
func (b *reorderBuffer) ripe(now time.Time, hold time.Duration) []models.RawReading {
	var released []models.RawReading
	for key, h := range b.series {
		for h.Len() > 0 && now.Sub((*h)[0].enqueued) >= hold {
			released = append(released, heap.Pop(h).(bufferedReading).raw)
		}
		if h.Len() == 0 {
			delete(b.series, key)
		}
	}
	return released
}

// drain releases everything, earliest first per series.
func (b *reorderBuffer) drain() []models.RawReading {
	var released []models.RawReading
	for key, h := range b.series {
		for h.Len() > 0 {
			released = append(released, heap.Pop(h).(bufferedReading).raw)
		}
		delete(b.series, key)
	}
	return released
}

// readingHeap orders buffered readings by reading timestamp.
type readingHeap []bufferedReading

func (h readingHeap) Len() int           { return len(h) }
func (h readingHeap) Less(i, j int) bool { return h[i].raw.Timestamp.Before(h[j].raw.Timestamp) }
func (h readingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readingHeap) Push(x any)        { *h = append(*h, x.(bufferedReading)) }
func (h *readingHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
