// Package heap implements the TTL subsystem's dense binary min-heap. Every
// item carries a back-pointer to a caller-owned index field, kept in sync
// on every relocation, so the owner (an Entry) always knows its own slot.
package heap

// Item is a single heap slot. Ref points at the owning Entry's heapIndex
// field and is kept equal to this item's current position; Owner lets
// callers recover the Entry itself once an item reaches the root.
type Item struct {
	Val   uint64
	Ref   *int
	Owner interface{}
}

func parent(i int) int { return (i+1)/2 - 1 }
func left(i int) int   { return i*2 + 1 }
func right(i int) int  { return i*2 + 2 }

func siftUp(items []Item, pos int) {
	tmp := items[pos]
	for pos > 0 && items[parent(pos)].Val > tmp.Val {
		items[pos] = items[parent(pos)]
		*items[pos].Ref = pos
		pos = parent(pos)
	}
	items[pos] = tmp
	*items[pos].Ref = pos
}

func siftDown(items []Item, pos, n int) {
	tmp := items[pos]
	for {
		l, r := left(pos), right(pos)
		minPos := pos
		minVal := tmp.Val
		if l < n && items[l].Val < minVal {
			minPos = l
			minVal = items[l].Val
		}
		if r < n && items[r].Val < minVal {
			minPos = r
		}
		if minPos == pos {
			break
		}
		items[pos] = items[minPos]
		*items[pos].Ref = pos
		pos = minPos
	}
	items[pos] = tmp
	*items[pos].Ref = pos
}

// Update restores the heap property around pos, assuming every other slot
// already satisfies it. n is the number of live items (items may be
// longer, but only its first n slots are considered).
func Update(items []Item, pos, n int) {
	if pos > 0 && items[parent(pos)].Val > items[pos].Val {
		siftUp(items, pos)
	} else {
		siftDown(items, pos, n)
	}
}

// Heap is the TTL heap itself: a dense slice plus its live length.
type Heap struct {
	items []Item
}

// Len returns the number of live items.
func (h *Heap) Len() int { return len(h.items) }

// Peek returns the minimum item without removing it. ok is false for an
// empty heap.
func (h *Heap) Peek() (Item, bool) {
	if len(h.items) == 0 {
		return Item{}, false
	}
	return h.items[0], true
}

// At returns the item currently at pos. pos must be a live slot (0 <= pos <
// Len()); it is the caller's responsibility to track its own current slot
// via the Ref it supplied to Upsert.
func (h *Heap) At(pos int) Item {
	return h.items[pos]
}

// Upsert places item at pos if pos already names a live slot, or appends it
// to the tail otherwise, then restores the heap property. Passing the
// owning Entry's current heapIndex (or len(h.items) for "no slot yet") as
// pos lets callers implement both "update in place" and "first TTL" with
// one call.
func (h *Heap) Upsert(pos int, item Item) {
	if pos < len(h.items) {
		h.items[pos] = item
	} else {
		pos = len(h.items)
		h.items = append(h.items, item)
	}
	Update(h.items, pos, len(h.items))
}

// Delete removes the item at pos by overwriting it with the tail item and
// popping, then restoring the heap property if the moved item still has a
// slot to settle into.
func (h *Heap) Delete(pos int) {
	last := len(h.items) - 1
	h.items[pos] = h.items[last]
	h.items = h.items[:last]

	if pos < len(h.items) {
		Update(h.items, pos, len(h.items))
	}
}
