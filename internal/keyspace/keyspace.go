// Package keyspace is the in-memory data store: the two-table hash map
// (internal/hashmap) keyed by client key, generalized from a single value
// type to the STRING/ZSET entries the original server.cpp's Entry struct
// holds, plus the TTL heap (internal/heap) and large-object worker
// pool (internal/workerpool) that hang off it.
package keyspace

import (
	"bytes"
	"math"
	"strconv"

	"kvd/internal/clock"
	"kvd/internal/config"
	"kvd/internal/hashmap"
	"kvd/internal/heap"
	"kvd/internal/protocol"
	"kvd/internal/workerpool"
	"kvd/internal/zset"
)

// Entry types. Every Entry carries both a string payload and a ZSet
// payload, exactly as the original's Entry struct does (not a union) — see
// doZAdd's comment on the type tag not being rechecked when reusing an
// existing entry.
const (
	typeString = iota
	typeZSet
)

// Entry is one keyspace slot: a key, a type tag, and whichever payload the
// tag names.
type Entry struct {
	node hashmap.Node
	key  []byte
	typ  int
	str  []byte
	zs   zset.ZSet

	// heapIndex is this entry's slot in the owning World's TTL heap, or -1
	// if it has no TTL. Upsert/Delete keep it in sync through heap.Item.Ref.
	heapIndex int
}

func newEntry(key []byte, typ int) *Entry {
	e := &Entry{key: append([]byte(nil), key...), typ: typ, heapIndex: -1}
	e.node.HCode = hashmap.HashBytes(e.key)
	e.node.Owner = e
	return e
}

func keyEqual(key []byte) hashmap.EqualFunc {
	return func(n *hashmap.Node) bool {
		return bytes.Equal(n.Owner.(*Entry).key, key)
	}
}

// identityEqual matches a node by pointer identity rather than by key
// comparison, so the TTL sweep can delete the expired entry it already has
// a handle to without re-hashing or re-comparing its key bytes.
func identityEqual(e *Entry) hashmap.EqualFunc {
	return func(n *hashmap.Node) bool {
		return n.Owner.(*Entry) == e
	}
}

// emptyZSet is returned by expectZSet for a missing key, matching the
// original's shared static empty ZSet used for zrem/zscore/zquery against
// keys that don't exist.
var emptyZSet zset.ZSet

// World is the whole keyspace: the key -> Entry hash map, the TTL heap, and
// the background pool that destroys large ZSETs on delete/expire.
type World struct {
	db  hashmap.Map
	ttl heap.Heap

	cfg  config.Config
	pool *workerpool.Pool

	// onEvent, if non-nil, is called once per dispatched command (with the
	// command name) and once per background event ("expire",
	// "large_zset_destroy"). It exists purely as an observability hook —
	// no behavior depends on it.
	onEvent func(string)
}

// New builds an empty World. pool is used to destroy ZSETs whose member
// count exceeds cfg.LargeZSetThreshold when they're deleted or expire;
// onEvent may be nil.
func New(cfg config.Config, pool *workerpool.Pool, onEvent func(string)) *World {
	return &World{cfg: cfg, pool: pool, onEvent: onEvent}
}

func (w *World) emit(event string) {
	if w.onEvent != nil {
		w.onEvent(event)
	}
}

func (w *World) lookup(key []byte) *Entry {
	n := w.db.Lookup(hashmap.HashBytes(key), keyEqual(key))
	if n == nil {
		return nil
	}
	return n.Owner.(*Entry)
}

// setTTL installs, updates, or clears e's expiration. ttlMS < 0 clears any
// existing TTL; if there wasn't one, this is a no-op — an intentionally
// idempotent "clear" the original's entrySetTTL also implements (spec.md
// §9: this is correct behavior, not a bug to fix).
func (w *World) setTTL(e *Entry, ttlMS int64) {
	if ttlMS < 0 {
		if e.heapIndex != -1 {
			w.ttl.Delete(e.heapIndex)
			e.heapIndex = -1
		}
		return
	}

	deadline := uint64(clock.NowMS() + ttlMS)
	pos := e.heapIndex
	if pos < 0 {
		pos = w.ttl.Len()
	}
	w.ttl.Upsert(pos, heap.Item{Val: deadline, Ref: &e.heapIndex, Owner: e})
}

// destroyEntry clears e's TTL and, for a ZSET entry whose member count
// exceeds the large-set threshold, hands the clear itself off to the
// worker pool instead of doing it inline on the event-loop thread
// (spec.md §4.5/§4.6).
func (w *World) destroyEntry(e *Entry) {
	w.setTTL(e, -1)
	if e.typ == typeZSet && e.zs.Len() > w.cfg.LargeZSetThreshold {
		w.emit("large_zset_destroy")
		w.pool.Queue(func() { e.zs.Clear() })
		return
	}
	if e.typ == typeZSet {
		e.zs.Clear()
	}
}

// Sweep expires up to cfg.MaxExpirationsPerSweep entries whose TTL deadline
// has already passed. It's meant to be called once per event-loop
// iteration, between polls, exactly like the original's process-timers
// step (spec.md §4.8) — expiring everything in one unbounded pass would
// stall the loop under a large expiring set.
func (w *World) Sweep() {
	now := uint64(clock.NowMS())
	for i := 0; i < w.cfg.MaxExpirationsPerSweep; i++ {
		item, ok := w.ttl.Peek()
		if !ok || item.Val > now {
			return
		}
		e := item.Owner.(*Entry)
		if w.db.Delete(e.node.HCode, identityEqual(e)) == nil {
			panic("keyspace: ttl heap referenced an entry absent from the keyspace")
		}
		w.emit("expire")
		w.destroyEntry(e)
	}
}

// NextDeadlineMS returns the number of milliseconds until the next TTL
// expiration is due, or -1 if nothing is scheduled. Callers combine this
// with the idle-timeout deadline to compute the event loop's poll timeout
// — the true min() the original's nextTimerMS was supposed to compute
// before its post-return dead code (spec.md §9).
func (w *World) NextDeadlineMS() int64 {
	item, ok := w.ttl.Peek()
	if !ok {
		return -1
	}
	now := uint64(clock.NowMS())
	if item.Val <= now {
		return 0
	}
	return int64(item.Val - now)
}

func parseInt(b []byte) (int64, bool) {
	v, err := strconv.ParseInt(string(b), 10, 64)
	return v, err == nil
}

func parseFloat(b []byte) (float64, bool) {
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// expectZSet resolves key to the ZSet to operate on for zrem/zscore/zquery:
// the empty shared ZSet if key doesn't exist, the entry's own ZSet if it
// does and is the right type, or ok=false if it exists as something else.
func (w *World) expectZSet(key []byte) (*zset.ZSet, bool) {
	e := w.lookup(key)
	if e == nil {
		return &emptyZSet, true
	}
	if e.typ != typeZSet {
		return nil, false
	}
	return &e.zs, true
}

// Dispatch runs one already-parsed command (args[0] is the command name)
// and appends its reply to out.
func (w *World) Dispatch(args [][]byte, out *protocol.Writer) {
	if len(args) == 0 {
		out.Error(protocol.ErrUnknown, "empty command")
		return
	}
	name := string(args[0])
	w.emit(name)

	switch {
	case name == "get" && len(args) == 2:
		w.doGet(args[1], out)
	case name == "set" && len(args) == 3:
		w.doSet(args[1], args[2], out)
	case name == "del" && len(args) == 2:
		w.doDel(args[1], out)
	case name == "keys" && len(args) == 1:
		w.doKeys(out)
	case name == "pexpire" && len(args) == 3:
		w.doExpire(args[1], args[2], out)
	case name == "pttl" && len(args) == 2:
		w.doTTL(args[1], out)
	case name == "zadd" && len(args) == 4:
		w.doZAdd(args[1], args[2], args[3], out)
	case name == "zrem" && len(args) == 3:
		w.doZRem(args[1], args[2], out)
	case name == "zscore" && len(args) == 3:
		w.doZScore(args[1], args[2], out)
	case name == "zquery" && len(args) == 6:
		w.doZQuery(args[1], args[2], args[3], args[4], args[5], out)
	default:
		out.Error(protocol.ErrUnknown, "unknown command or wrong number of arguments")
	}
}

func (w *World) doGet(key []byte, out *protocol.Writer) {
	e := w.lookup(key)
	if e == nil {
		out.Nil()
		return
	}
	if e.typ != typeString {
		out.Error(protocol.ErrBadType, "not a string value")
		return
	}
	out.String(e.str)
}

func (w *World) doSet(key, value []byte, out *protocol.Writer) {
	e := w.lookup(key)
	if e != nil {
		if e.typ != typeString {
			out.Error(protocol.ErrBadType, "a non-string value already exists for this key")
			return
		}
		e.str = append(e.str[:0], value...)
		out.Nil()
		return
	}

	e = newEntry(key, typeString)
	e.str = append([]byte(nil), value...)
	w.db.Insert(&e.node)
	out.Nil()
}

func (w *World) doDel(key []byte, out *protocol.Writer) {
	n := w.db.Delete(hashmap.HashBytes(key), keyEqual(key))
	if n == nil {
		out.Integer(0)
		return
	}
	w.destroyEntry(n.Owner.(*Entry))
	out.Integer(1)
}

func (w *World) doKeys(out *protocol.Writer) {
	out.Array(uint32(w.db.Size()))
	w.db.ForEach(func(n *hashmap.Node) bool {
		out.String(n.Owner.(*Entry).key)
		return true
	})
}

func (w *World) doExpire(key, ttlArg []byte, out *protocol.Writer) {
	ttl, ok := parseInt(ttlArg)
	if !ok {
		out.Error(protocol.ErrBadArgument, "expected an integer ttl")
		return
	}
	e := w.lookup(key)
	if e == nil {
		out.Integer(0)
		return
	}
	w.setTTL(e, ttl)
	out.Integer(1)
}

func (w *World) doTTL(key []byte, out *protocol.Writer) {
	e := w.lookup(key)
	if e == nil {
		out.Integer(-2)
		return
	}
	if e.heapIndex == -1 {
		out.Integer(-1)
		return
	}
	deadline := w.ttl.At(e.heapIndex).Val
	now := uint64(clock.NowMS())
	if deadline <= now {
		out.Integer(0)
		return
	}
	out.Integer(int64(deadline - now))
}

// doZAdd deliberately does not check an existing entry's type tag before
// operating on its ZSet payload, matching the original doZAdd exactly
// (spec.md's command table lists no ERROR reply for zadd). An entry
// created as a STRING and later zadd'd into gets a populated zset field
// that zscore/zrem/zquery can't see, because their expectZSet check still
// rejects on the entry's unchanged type tag — a quirk inherited from the
// original, not introduced here.
func (w *World) doZAdd(key, scoreArg, name []byte, out *protocol.Writer) {
	score, ok := parseFloat(scoreArg)
	if !ok {
		out.Error(protocol.ErrBadArgument, "expected a score")
		return
	}

	e := w.lookup(key)
	if e == nil {
		e = newEntry(key, typeZSet)
		w.db.Insert(&e.node)
	}

	if e.zs.Insert(string(name), score) {
		out.Integer(1)
	} else {
		out.Integer(0)
	}
}

func (w *World) doZRem(key, name []byte, out *protocol.Writer) {
	zs, ok := w.expectZSet(key)
	if !ok {
		out.Error(protocol.ErrBadType, "expecting a zset")
		return
	}
	node := zs.Lookup(string(name))
	if node == nil {
		out.Integer(0)
		return
	}
	zs.Delete(node)
	out.Integer(1)
}

func (w *World) doZScore(key, name []byte, out *protocol.Writer) {
	zs, ok := w.expectZSet(key)
	if !ok {
		out.Error(protocol.ErrBadType, "expecting a zset")
		return
	}
	node := zs.Lookup(string(name))
	if node == nil {
		out.Nil()
		return
	}
	out.Double(node.Score)
}

func (w *World) doZQuery(key, scoreArg, name, offsetArg, limitArg []byte, out *protocol.Writer) {
	score, ok := parseFloat(scoreArg)
	if !ok {
		out.Error(protocol.ErrBadArgument, "expected a score")
		return
	}
	offset, ok := parseInt(offsetArg)
	if !ok {
		out.Error(protocol.ErrBadArgument, "expected an integer offset")
		return
	}
	limit, ok := parseInt(limitArg)
	if !ok {
		out.Error(protocol.ErrBadArgument, "expected an integer limit")
		return
	}

	zs, ok := w.expectZSet(key)
	if !ok {
		out.Error(protocol.ErrBadType, "expecting a zset")
		return
	}
	if limit <= 0 {
		out.Array(0)
		return
	}

	node := zset.Offset(zs.SeekGE(score, string(name)), offset)

	ctx := out.BeginArray()
	var n uint32
	for count := int64(0); node != nil && count < limit; count += 2 {
		out.String([]byte(node.Name))
		out.Double(node.Score)
		n += 2
		node = zset.Offset(node, 1)
	}
	out.EndArray(ctx, n)
}
