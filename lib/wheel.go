package lib

import (
	"time"
)

// Wheel is a hierarchical timing wheel. The lowest level has one slot per
// resolution tick and covers a second, the next one has 60 one-second
// slots and the top one has 60 one-minute slots. Entries that don't fit
// the top level are parked in its farthest slot and re-placed on every
// cascade. Accuracy is one tick of the lowest level.
//
// Wheel is not safe for concurrent use.
type Wheel[K comparable] struct {
	resolution time.Duration
	start      time.Time
	tick       uint64
	levels     []wheelLevel[K]
	index      map[K]wheelPosition
}

type wheelLevel[K comparable] struct {
	span  uint64 // ticks per slot
	slots []map[K]uint64
}

type wheelPosition struct {
	level  int
	slot   int
	expiry uint64
}

// NewWheel creates a wheel started at the given time
func NewWheel[K comparable](resolution time.Duration, start time.Time) *Wheel[K] {
	if resolution <= 0 {
		resolution = 10 * time.Millisecond
	}
	perSecond := uint64(time.Second / resolution)
	if perSecond < 1 {
		perSecond = 1
	}

	w := &Wheel[K]{
		resolution: resolution,
		start:      start,
		index:      make(map[K]wheelPosition),
	}
	w.levels = []wheelLevel[K]{
		newWheelLevel[K](1, int(perSecond)),
		newWheelLevel[K](perSecond, 60),
		newWheelLevel[K](perSecond*60, 60),
	}
	return w
}

func newWheelLevel[K comparable](span uint64, n int) wheelLevel[K] {
	l := wheelLevel[K]{
		span:  span,
		slots: make([]map[K]uint64, n),
	}
	for i := range l.slots {
		l.slots[i] = make(map[K]uint64)
	}
	return l
}

// Insert schedules the key to expire after the given duration. An
// existing entry of the same key is replaced.
func (w *Wheel[K]) Insert(key K, after time.Duration) {
	w.Remove(key)
	ticks := uint64((after + w.resolution - 1) / w.resolution)
	if after <= 0 || ticks < 1 {
		ticks = 1
	}
	w.place(key, w.tick+ticks)
}

// Remove deletes the key. Returns false if the key wasn't in the wheel.
func (w *Wheel[K]) Remove(key K) bool {
	pos, found := w.index[key]
	if found == false {
		return false
	}
	delete(w.levels[pos.level].slots[pos.slot], key)
	delete(w.index, key)
	return true
}

func (w *Wheel[K]) Len() int {
	return len(w.index)
}

// Advance moves the wheel up to the given time and returns the expired
// keys. Keys expiring on different ticks are returned in tick order.
func (w *Wheel[K]) Advance(now time.Time) []K {
	if now.Before(w.start) {
		return nil
	}
	target := uint64(now.Sub(w.start) / w.resolution)
	var expired []K
	for w.tick < target {
		if len(w.index) == 0 {
			w.tick = target
			break
		}
		expired = w.step(expired)
	}
	return expired
}

func (w *Wheel[K]) step(expired []K) []K {
	w.tick++

	for l := len(w.levels) - 1; l > 0; l-- {
		level := &w.levels[l]
		if w.tick%level.span != 0 {
			continue
		}
		slot := int((w.tick / level.span) % uint64(len(level.slots)))
		entries := level.slots[slot]
		if len(entries) == 0 {
			continue
		}
		level.slots[slot] = make(map[K]uint64)
		for key, expiry := range entries {
			w.place(key, expiry)
		}
	}

	level0 := &w.levels[0]
	slot := int(w.tick % uint64(len(level0.slots)))
	entries := level0.slots[slot]
	if len(entries) == 0 {
		return expired
	}
	level0.slots[slot] = make(map[K]uint64)
	for key := range entries {
		delete(w.index, key)
		expired = append(expired, key)
	}
	return expired
}

func (w *Wheel[K]) place(key K, expiry uint64) {
	if expiry < w.tick {
		expiry = w.tick
	}
	for l := range w.levels {
		level := &w.levels[l]
		n := uint64(len(level.slots))
		if expiry/level.span-w.tick/level.span < n {
			slot := int((expiry / level.span) % n)
			level.slots[slot][key] = expiry
			w.index[key] = wheelPosition{level: l, slot: slot, expiry: expiry}
			return
		}
	}

	// too far. park in the farthest slot of the top level
	top := len(w.levels) - 1
	level := &w.levels[top]
	n := uint64(len(level.slots))
	slot := int((w.tick/level.span + n - 1) % n)
	level.slots[slot][key] = expiry
	w.index[key] = wheelPosition{level: top, slot: slot, expiry: expiry}
}
