package eventloop

import (
	"sort"
	"time"
)

// minInterval is the floor applied to setInterval periods.
const minInterval = 10 * time.Millisecond

// timerEntry is one armed timer. The JS callback lives on the JS side in
// globalThis.__timerCallbacks[id]; Go tracks scheduling metadata only.
// A token-carrying entry settles a promise token instead of invoking a
// JS callback (sleep()).
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for one-shot
	token    uint64        // 0 for plain callback timers
}

// timerWheel stores timers in a slot vector. The id handed to JS is the
// slot index; it stays valid until the timer fires or is cleared, and a
// cleared index may be reused.
type timerWheel struct {
	slots []*timerEntry
	live  int
}

func newTimerWheel() *timerWheel {
	return &timerWheel{}
}

// set arms a timer and returns its slot id. Allocation scans linearly for
// an empty slot and extends the vector by the table growth quantum when
// none is free.
func (w *timerWheel) set(e *timerEntry) int {
	for i, s := range w.slots {
		if s == nil {
			w.slots[i] = e
			w.live++
			return i
		}
	}
	id := len(w.slots)
	w.slots = append(w.slots, make([]*timerEntry, growthQuantum)...)
	w.slots[id] = e
	w.live++
	return id
}

// clear disarms the timer. Clearing a fired or already-cleared id is a
// no-op.
func (w *timerWheel) clear(id int) {
	if id < 0 || id >= len(w.slots) || w.slots[id] == nil {
		return
	}
	w.slots[id] = nil
	w.live--
}

// get returns the entry at id, or nil.
func (w *timerWheel) get(id int) *timerEntry {
	if id < 0 || id >= len(w.slots) {
		return nil
	}
	return w.slots[id]
}

// rearm pushes an interval entry's deadline forward from now.
func (w *timerWheel) rearm(id int, now time.Time) {
	if e := w.get(id); e != nil && e.interval > 0 {
		e.deadline = now.Add(e.interval)
	}
}

// expired returns the ids of all timers whose deadline has elapsed,
// ordered by deadline ascending with ties broken by slot index ascending.
func (w *timerWheel) expired(now time.Time) []int {
	var ids []int
	for i, e := range w.slots {
		if e != nil && !e.deadline.After(now) {
			ids = append(ids, i)
		}
	}
	sort.Slice(ids, func(a, b int) bool {
		da, db := w.slots[ids[a]].deadline, w.slots[ids[b]].deadline
		if !da.Equal(db) {
			return da.Before(db)
		}
		return ids[a] < ids[b]
	})
	return ids
}

// liveCount reports the number of armed timers.
func (w *timerWheel) liveCount() int { return w.live }

// subscriptions appends one absolute clock subscription per armed timer.
func (w *timerWheel) subscriptions(subs []Subscription) []Subscription {
	for i, e := range w.slots {
		if e == nil {
			continue
		}
		subs = append(subs, Subscription{
			Userdata: uint64(i),
			Tag:      EventClock,
			ClockID:  ClockRealtime,
			Timeout:  uint64(e.deadline.UnixNano()),
			Flags:    SubClockAbstime,
		})
	}
	return subs
}
