package zset

import (
	"fmt"
	"math/rand"
	"testing"
)

func sortedNames(z *ZSet) []string {
	var out []string
	n := z.SeekGE(-1e18, "")
	for n != nil {
		out = append(out, n.Name)
		n = Offset(n, 1)
	}
	return out
}

func TestInsertReportsNewVsUpdated(t *testing.T) {
	var z ZSet
	if !z.Insert("alice", 1.5) {
		t.Fatalf("first insert of alice reported update")
	}
	if !z.Insert("bob", 2.5) {
		t.Fatalf("first insert of bob reported update")
	}
	if z.Insert("alice", 1.5) {
		t.Fatalf("re-insert of alice at same score reported new")
	}
	if z.Insert("alice", 9.0) {
		t.Fatalf("re-insert of alice at new score reported new")
	}
	if got := z.Lookup("alice").Score; got != 9.0 {
		t.Fatalf("alice score = %v, want 9.0", got)
	}
}

func TestLookupMissingReturnsNil(t *testing.T) {
	var z ZSet
	z.Insert("a", 1)
	if z.Lookup("b") != nil {
		t.Fatalf("lookup of missing member returned non-nil")
	}
}

func TestDeleteRemovesMember(t *testing.T) {
	var z ZSet
	z.Insert("a", 1)
	z.Insert("b", 2)

	node := z.Lookup("a")
	z.Delete(node)

	if z.Lookup("a") != nil {
		t.Fatalf("member still found after delete")
	}
	if z.Len() != 1 {
		t.Fatalf("len = %d, want 1", z.Len())
	}
}

func TestOrderIsScoreThenNameThenLength(t *testing.T) {
	var z ZSet
	members := []struct {
		name  string
		score float64
	}{
		{"bob", 2.5}, {"alice", 1.5}, {"ab", 1.5}, {"a", 1.5}, {"carl", 3},
	}
	for _, m := range members {
		z.Insert(m.name, m.score)
	}

	got := sortedNames(&z)
	want := []string{"a", "ab", "alice", "bob", "carl"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSeekGEFindsTightestLowerBound(t *testing.T) {
	var z ZSet
	for i, name := range []string{"a", "b", "c", "d", "e"} {
		z.Insert(name, float64(i))
	}
	n := z.SeekGE(2.5, "")
	if n == nil || n.Name != "d" {
		t.Fatalf("seekGE(2.5) = %v, want d", n)
	}
	n = z.SeekGE(0, "b")
	if n == nil || n.Name != "b" {
		t.Fatalf("seekGE(0,b) = %v, want b", n)
	}
	if z.SeekGE(1000, "") != nil {
		t.Fatalf("seekGE beyond the max score should be nil")
	}
}

func TestOffsetRoundTripsThroughRandomOps(t *testing.T) {
	var z ZSet
	rand.Seed(2)
	var names []string
	for i := 0; i < 300; i++ {
		name := fmt.Sprintf("m%d", i)
		z.Insert(name, rand.Float64()*1000)
		names = append(names, name)
	}

	sorted := sortedNames(&z)
	if len(sorted) != len(names) {
		t.Fatalf("len(sorted) = %d, want %d", len(sorted), len(names))
	}

	for i := 0; i < 50; i++ {
		idx := rand.Intn(len(sorted))
		node := z.Lookup(sorted[idx])
		delta := int64(rand.Intn(21) - 10)
		target := idx + int(delta)
		got := Offset(node, delta)
		if target < 0 || target >= len(sorted) {
			if got != nil {
				t.Fatalf("offset(%d,%d) = %v, want nil", idx, delta, got.Name)
			}
			continue
		}
		if got == nil || got.Name != sorted[target] {
			t.Fatalf("offset(%d,%d) = %v, want %v", idx, delta, got, sorted[target])
		}
	}
}

func TestEmptySetHasNoMembers(t *testing.T) {
	var z ZSet
	if z.Len() != 0 {
		t.Fatalf("empty zset len = %d, want 0", z.Len())
	}
	if z.SeekGE(0, "") != nil {
		t.Fatalf("seekGE on empty set returned non-nil")
	}
}
