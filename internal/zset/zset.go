// Package zset implements the sorted-set index: a composite of an
// order-statistic AVL tree (internal/avltree) keyed by (score, name) and a
// hash map (internal/hashmap) keyed by name, so a member can be found by
// name in O(1) and the whole set can be range-scanned by rank in O(log n).
package zset

import (
	"kvd/internal/avltree"
	"kvd/internal/hashmap"
)

// Node is one (name, score) member of a sorted set.
type Node struct {
	tree  avltree.Node
	hmap  hashmap.Node
	Score float64
	Name  string
}

func newNode(name string, score float64) *Node {
	n := &Node{Score: score, Name: name}
	avltree.Init(&n.tree)
	n.tree.Owner = n
	n.hmap.HCode = hashmap.HashBytes([]byte(name))
	n.hmap.Owner = n
	return n
}

func fromTree(n *avltree.Node) *Node {
	if n == nil {
		return nil
	}
	return n.Owner.(*Node)
}

// ZSet is an empty-valued, ready-to-use sorted set. The zero value is a
// valid empty set, matching the original's use of a shared static empty
// ZSet for lookups against keys that don't exist.
type ZSet struct {
	root *avltree.Node
	hmap hashmap.Map
}

// less reports whether the member pointed at by node strictly precedes
// (score, name), under (score ascending, name ascending, then length
// ascending) — the total order fixed by spec.md §3.
func less(node *avltree.Node, score float64, name string) bool {
	other := fromTree(node)
	if other.Score != score {
		return other.Score < score
	}
	return other.Name < name
}

func lessNodes(lhs, rhs *avltree.Node) bool {
	r := fromTree(rhs)
	return less(lhs, r.Score, r.Name)
}

func treeInsert(z *ZSet, node *Node) {
	var parent *avltree.Node
	from := &z.root
	for *from != nil {
		parent = *from
		if lessNodes(&node.tree, parent) {
			from = &parent.Left
		} else {
			from = &parent.Right
		}
	}
	*from = &node.tree
	node.tree.Parent = parent
	z.root = avltree.Fix(&node.tree)
}

func hcmp(name string) hashmap.EqualFunc {
	return func(n *hashmap.Node) bool {
		return n.Owner.(*Node).Name == name
	}
}

// Insert adds name at the given score, or repositions an existing member's
// score if name is already present. It reports true when a new member was
// created, false when an existing one was updated.
func (z *ZSet) Insert(name string, score float64) bool {
	if existing := z.Lookup(name); existing != nil {
		if existing.Score != score {
			z.root = avltree.Delete(&existing.tree)
			avltree.Init(&existing.tree)
			existing.tree.Owner = existing
			existing.Score = score
			treeInsert(z, existing)
		}
		return false
	}

	node := newNode(name, score)
	z.hmap.Insert(&node.hmap)
	treeInsert(z, node)
	return true
}

// Lookup returns the member named name, or nil if it isn't present. Ties on
// hash code are broken by a direct name comparison.
func (z *ZSet) Lookup(name string) *Node {
	n := z.hmap.Lookup(hashmap.HashBytes([]byte(name)), hcmp(name))
	if n == nil {
		return nil
	}
	return n.Owner.(*Node)
}

// Delete removes node from the set. node must currently be a member of z.
func (z *ZSet) Delete(node *Node) {
	if z.hmap.Delete(node.hmap.HCode, hcmp(node.Name)) == nil {
		panic("zset: delete of node not present in the hash map")
	}
	z.root = avltree.Delete(&node.tree)
}

// SeekGE returns the leftmost member whose (score, name) is greater than or
// equal to the query pair, or nil if none exists.
func (z *ZSet) SeekGE(score float64, name string) *Node {
	var candidate *avltree.Node
	for node := z.root; node != nil; {
		if less(node, score, name) {
			node = node.Right
		} else {
			candidate = node
			node = node.Left
		}
	}
	return fromTree(candidate)
}

// Offset returns the member offset positions away from node in sorted
// order, or nil if that position doesn't exist.
func Offset(node *Node, offset int64) *Node {
	if node == nil {
		return nil
	}
	return fromTree(avltree.Offset(&node.tree, offset))
}

// Len reports the number of members currently in the set.
func (z *ZSet) Len() int {
	return z.hmap.Size()
}

// Clear detaches every member from the set, letting the garbage collector
// reclaim them. It stands in for the original's recursive tree dispose plus
// hash map free, neither of which a Go process needs to do by hand.
func (z *ZSet) Clear() {
	z.root = nil
	z.hmap = hashmap.Map{}
}
