package rxloop

import "sync"

// SlotID is a handle to a timer cell owned by a [Bridge]. A SlotID is
// created alongside the RunLater or RunPeriodic message that will populate
// the cell, travels by value inside messages, and is the argument to a
// later Release message.
//
// The generation stamp makes a stale handle harmless: once a cell is
// discarded (its timer fired or was released) the generation advances, so a
// handle to the old occupant can never stop a new timer that happens to
// reuse the same index.
//
// The zero SlotID never matches a live cell.
type SlotID struct {
	index uint32
	gen   uint64
}

// slotEntry is one cell of a slotTable. gen is the currently valid
// generation; stop is the timer's cancel action, nil until the cell is
// armed. Generations start at 1 so the zero SlotID is a null handle.
type slotEntry struct {
	gen  uint64
	stop func()
}

// slotTable is a slab of timer cells indexed by SlotID. Alloc may be called
// from any goroutine (slots are created at message-construction time, on
// the posting thread); Arm, Live, Fire, and Release run on the loop thread
// during dispatch. A single mutex covers both sides; dispatch-side calls
// are effectively uncontended.
type slotTable struct {
	mu      sync.Mutex
	entries []slotEntry
	free    []uint32 // indices of discarded cells available for reuse
	live    int
}

func newSlotTable() *slotTable {
	return &slotTable{}
}

// Alloc reserves an empty cell and returns its handle.
func (t *slotTable) Alloc() SlotID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.live++
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		return SlotID{index: idx, gen: t.entries[idx].gen}
	}

	t.entries = append(t.entries, slotEntry{gen: 1})
	return SlotID{index: uint32(len(t.entries) - 1), gen: 1}
}

// Arm stores stop as the cell's timer reference, replacing any previous
// reference (periodic timers re-arm on every firing). Returns false if the
// cell has been discarded, in which case the caller must stop the timer it
// just created rather than leak it.
func (t *slotTable) Arm(id SlotID, stop func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.matches(id) {
		return false
	}
	t.entries[id.index].stop = stop
	return true
}

// Live reports whether id still references its cell.
func (t *slotTable) Live(id SlotID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matches(id)
}

// Fire discards the cell after its one-shot timer fired, returning false if
// the cell was already gone (a release won the race; the firing must be
// suppressed by the caller).
func (t *slotTable) Fire(id SlotID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.matches(id) {
		return false
	}
	t.discard(id.index)
	return true
}

// Release discards the cell and returns its stop action for the caller to
// invoke outside the lock. stale is true when the cell was still armed-less
// at release time, meaning the populating Run message was never processed;
// the caller logs that instead of failing. A generation mismatch is the
// normal already-fired or already-released case and returns (nil, false).
func (t *slotTable) Release(id SlotID) (stop func(), stale bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.matches(id) {
		return nil, false
	}
	stop = t.entries[id.index].stop
	stale = stop == nil
	t.discard(id.index)
	return stop, stale
}

// ReleaseAll discards every live cell and returns the stop actions of armed
// cells, for the caller to invoke outside the lock. Used at bridge close so
// no host timer outlives the bridge.
func (t *slotTable) ReleaseAll() []func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stops []func()
	for i := range t.entries {
		if t.entries[i].stop != nil {
			stops = append(stops, t.entries[i].stop)
		}
		t.entries[i].stop = nil
		t.entries[i].gen++
	}
	t.free = t.free[:0]
	for i := range t.entries {
		t.free = append(t.free, uint32(i))
	}
	t.live = 0
	return stops
}

// Len returns the number of live cells.
func (t *slotTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// matches reports whether id references a live cell. Caller holds mu.
// Entry generations start at 1 and only grow, so the zero SlotID never
// matches.
func (t *slotTable) matches(id SlotID) bool {
	return int(id.index) < len(t.entries) && t.entries[id.index].gen == id.gen
}

// discard invalidates the cell and recycles its index. Caller holds mu.
func (t *slotTable) discard(index uint32) {
	t.entries[index].stop = nil
	t.entries[index].gen++
	t.free = append(t.free, index)
	t.live--
}
