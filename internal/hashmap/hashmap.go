// Package hashmap implements the keyspace's two-table chaining hash map
// with incremental (progressive) rehashing: growth never rehashes the
// whole table in one call, so no single operation pays for it all at once.
package hashmap

// Node is an intrusive chain link. HCode is the node's 64-bit hash code;
// Owner is a back-reference to whatever struct embeds this Node, set once
// at construction time.
type Node struct {
	next  *Node
	HCode uint64
	Owner interface{}
}

// EqualFunc reports whether the candidate node is the one the caller is
// looking for. Lookup/Delete already filter by HCode before calling it, so
// implementations only need to compare the payload (e.g. key bytes).
type EqualFunc func(candidate *Node) bool

const (
	rehashingWork = 128
	maxLoadFactor = 8
	initialBuckets = 4
)

type table struct {
	buckets []*Node
	mask    uint64
	size    int
}

func newTable(n int) table {
	return table{buckets: make([]*Node, n), mask: uint64(n - 1)}
}

func (t *table) insert(node *Node) {
	pos := node.HCode & t.mask
	node.next = t.buckets[pos]
	t.buckets[pos] = node
	t.size++
}

func (t *table) lookup(hcode uint64, eq EqualFunc) **Node {
	if t.buckets == nil {
		return nil
	}
	pos := hcode & t.mask
	from := &t.buckets[pos]
	for cur := *from; cur != nil; cur = *from {
		if cur.HCode == hcode && eq(cur) {
			return from
		}
		from = &cur.next
	}
	return nil
}

func detach(from **Node, t *table) *Node {
	node := *from
	*from = node.next
	node.next = nil
	t.size--
	return node
}

func (t *table) forEach(f func(*Node) bool) bool {
	if t.buckets == nil {
		return true
	}
	for _, head := range t.buckets {
		for node := head; node != nil; node = node.next {
			if !f(node) {
				return false
			}
		}
	}
	return true
}

// Map is the public two-table hash map. The zero value is ready to use.
type Map struct {
	newer, older table
	migratePos   uint64
}

// helpRehashing moves up to rehashingWork nodes from older into newer,
// advancing the migration cursor and skipping empty buckets. It frees
// older's backing array once it has been fully drained. Every public
// operation calls this first, so growth work is amortized across traffic
// instead of happening in one large pause.
func (m *Map) helpRehashing() {
	work := 0
	for work < rehashingWork && m.older.size > 0 {
		from := &m.older.buckets[m.migratePos]
		if *from == nil {
			m.migratePos++
			continue
		}
		m.newer.insert(detach(from, &m.older))
		work++
	}

	if m.older.size == 0 && m.older.buckets != nil {
		m.older = table{}
	}
}

func (m *Map) triggerRehashing() {
	m.older = m.newer
	m.newer = newTable(int(m.newer.mask+1) * 2)
	m.migratePos = 0
}

// Lookup performs a bounded migration step, then searches newer then
// older, comparing by hash code first and eq second.
func (m *Map) Lookup(hcode uint64, eq EqualFunc) *Node {
	m.helpRehashing()

	if from := m.newer.lookup(hcode, eq); from != nil {
		return *from
	}
	if from := m.older.lookup(hcode, eq); from != nil {
		return *from
	}
	return nil
}

// Insert adds node to the map. No duplicate detection is performed —
// callers must Lookup first if uniqueness matters.
func (m *Map) Insert(node *Node) {
	if m.newer.buckets == nil {
		m.newer = newTable(initialBuckets)
	}
	node.next = nil
	m.newer.insert(node)

	if m.older.buckets == nil {
		threshold := int(m.newer.mask+1) * maxLoadFactor
		if m.newer.size >= threshold {
			m.triggerRehashing()
		}
	}
	m.helpRehashing()
}

// Delete performs a bounded migration step, then detaches and returns the
// matching node, or nil if none was found.
func (m *Map) Delete(hcode uint64, eq EqualFunc) *Node {
	m.helpRehashing()

	if from := m.newer.lookup(hcode, eq); from != nil {
		return detach(from, &m.newer)
	}
	if from := m.older.lookup(hcode, eq); from != nil {
		return detach(from, &m.older)
	}
	return nil
}

// Size returns the number of live nodes across both tables.
func (m *Map) Size() int {
	return m.newer.size + m.older.size
}

// ForEach visits newer's nodes then older's, stopping as soon as f returns
// false.
func (m *Map) ForEach(f func(*Node) bool) {
	if m.newer.forEach(f) {
		m.older.forEach(f)
	}
}

// HashBytes is the FNV-1a-variant string hash shared by every hashed value
// in this server (keyspace keys, sorted-set member names), matching
// stringHash in the original implementation's common.h.
func HashBytes(data []byte) uint64 {
	h := uint32(0x811C9DC5)
	for _, b := range data {
		h = (h + uint32(b)) * 0x01000193
	}
	return uint64(h)
}
