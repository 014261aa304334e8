package dlm

import (
	"hash/fnv"
	"sync"
)

// defaultShardCount balances contention on table insertion against memory
// overhead for small clients; it is overridable via config.Config.ShardCount.
const defaultShardCount = 32

// lockTable maps LockId -> *LockRec across a fixed number of shards, each
// independently mutex-guarded. Records, once inserted, are never removed
// or moved: their address stays valid for the process lifetime so that
// condition-variable waits and remote calls may be interleaved safely
// without a concurrent table resize invalidating a held reference.
//
// This generalizes the reference implementation's single global table
// mutex (dlm/llm.go's globals.Lock()) into N independent shard mutexes;
// a shard mutex is only ever held to find-or-insert, never across a
// record mutex acquisition or a remote call.
type lockTable struct {
	shards []*tableShard
	mask   uint64
}

type tableShard struct {
	mu      sync.Mutex
	records map[LockId]*LockRec
}

func newLockTable(shardCount int) *lockTable {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	// round up to a power of two so shard selection is a cheap mask.
	n := 1
	for n < shardCount {
		n <<= 1
	}
	t := &lockTable{shards: make([]*tableShard, n), mask: uint64(n - 1)}
	for i := range t.shards {
		t.shards[i] = &tableShard{records: make(map[LockId]*LockRec)}
	}
	return t
}

func (t *lockTable) shardFor(lid LockId) *tableShard {
	h := fnv.New64a()
	var buf [8]byte
	v := uint64(lid)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	h.Write(buf[:])
	return t.shards[h.Sum64()&t.mask]
}

// getOrCreate returns the stable *LockRec for lid, creating and inserting
// one on first reference. Per spec.md §4.1 this is the only place the
// table's shard mutex and a fresh record interact; every subsequent
// operation works against the returned pointer directly.
func (t *lockTable) getOrCreate(lid LockId) *LockRec {
	s := t.shardFor(lid)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[lid]; ok {
		return rec
	}
	rec := newLockRec(lid)
	s.records[lid] = rec
	return rec
}

// get returns the record for lid if one has ever been referenced.
func (t *lockTable) get(lid LockId) (*LockRec, bool) {
	s := t.shardFor(lid)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[lid]
	return rec, ok
}

// all returns every record currently in the table, for Stats().
func (t *lockTable) all() []*LockRec {
	var out []*LockRec
	for _, s := range t.shards {
		s.mu.Lock()
		for _, rec := range s.records {
			out = append(out, rec)
		}
		s.mu.Unlock()
	}
	return out
}
