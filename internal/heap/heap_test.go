package heap

import (
	"math/rand"
	"testing"
)

// model mirrors what an Entry would do: own an index field and register
// its address as Ref.
type model struct {
	h    Heap
	refs []*int
}

func (m *model) push(val uint64) int {
	idx := new(int)
	*idx = len(m.h.items)
	m.h.Upsert(*idx, Item{Val: val, Ref: idx, Owner: val})
	m.refs = append(m.refs, idx)
	return *idx
}

func verifyHeapOrder(t *testing.T, items []Item) {
	t.Helper()
	for i := 1; i < len(items); i++ {
		p := parent(i)
		if items[p].Val > items[i].Val {
			t.Fatalf("heap order violated: parent[%d]=%d > child[%d]=%d", p, items[p].Val, i, items[i].Val)
		}
	}
}

func verifyBackrefs(t *testing.T, items []Item) {
	t.Helper()
	for i, it := range items {
		if *it.Ref != i {
			t.Fatalf("item %d has back-ref pointing at %d", i, *it.Ref)
		}
	}
}

func TestUpsertMaintainsHeapOrder(t *testing.T) {
	var m model
	rand.Seed(1)
	for i := 0; i < 500; i++ {
		m.push(uint64(rand.Intn(100000)))
		verifyHeapOrder(t, m.h.items)
		verifyBackrefs(t, m.h.items)
	}
}

func TestPeekReturnsMinimum(t *testing.T) {
	var m model
	vals := []uint64{50, 10, 70, 5, 90, 1, 1000}
	min := vals[0]
	for _, v := range vals {
		m.push(v)
		if v < min {
			min = v
		}
	}
	got, ok := m.h.Peek()
	if !ok || got.Val != min {
		t.Fatalf("peek = %v, ok=%v, want %d", got.Val, ok, min)
	}
}

func TestDeleteMaintainsInvariants(t *testing.T) {
	var m model
	for i := 0; i < 300; i++ {
		m.push(uint64(rand.Intn(100000)))
	}

	for len(m.h.items) > 0 {
		pos := rand.Intn(len(m.h.items))
		m.h.Delete(pos)
		verifyHeapOrder(t, m.h.items)
		verifyBackrefs(t, m.h.items)
	}
}

func TestUpdateInPlaceDecreaseAndIncrease(t *testing.T) {
	var m model
	m.push(500)
	m.push(100)
	m.push(900)

	// lower the first item's value in place via Upsert at its own slot.
	m.h.Upsert(*m.refs[0], Item{Val: 1, Ref: m.refs[0], Owner: "lowered"})
	verifyHeapOrder(t, m.h.items)
	got, _ := m.h.Peek()
	if got.Owner != "lowered" {
		t.Fatalf("peek after lowering = %v, want the lowered item", got.Owner)
	}

	// raise it back above everything else.
	pos := *m.refs[0]
	m.h.Upsert(pos, Item{Val: 10000, Ref: m.refs[0], Owner: "raised"})
	verifyHeapOrder(t, m.h.items)
	verifyBackrefs(t, m.h.items)
}

func TestEmptyHeapPeek(t *testing.T) {
	var h Heap
	if _, ok := h.Peek(); ok {
		t.Fatalf("peek on empty heap reported ok")
	}
}
