package memtrace

import (
	"sync"
	"sync/atomic"
)

// AllocationKind distinguishes the provenance of a tracked address.
type AllocationKind uint8

const (
	AllocationKindHeap AllocationKind = iota
	AllocationKindAnonMap
)

func (k AllocationKind) String() string {
	switch k {
	case AllocationKindHeap:
		return "heap"
	case AllocationKindAnonMap:
		return "anon_map"
	default:
		return "unknown"
	}
}

// AllocationRecord is what the ledger keeps for one live address.
type AllocationRecord struct {
	Address   uintptr
	Size      uint64
	Kind      AllocationKind
	CallStack CallStackID
	Line      uint16
}

// ledgerShard is one stripe of the sharded address table. Sharding by
// address bounds lock contention between unrelated threads freeing memory
// concurrently, instead of serializing every update behind one global
// lock.
type ledgerShard struct {
	mu      sync.Mutex
	records map[uintptr]AllocationRecord
}

// Ledger is the process-global allocation table: address -> record, plus
// the running total live byte count the peak watermark is derived from.
type Ledger struct {
	shards         []*ledgerShard
	totalLiveBytes int64
	peak           *peakWatermark
	maxCallStacks  int
}

func NewLedger(cfg Config) *Ledger {
	shards := make([]*ledgerShard, cfg.ledgerShards)
	for i := range shards {
		shards[i] = &ledgerShard{records: make(map[uintptr]AllocationRecord)}
	}
	l := &Ledger{
		shards:        shards,
		maxCallStacks: cfg.maxCallStacks,
	}
	l.peak = newPeakWatermark()
	return l
}

func (l *Ledger) shardFor(address uintptr) *ledgerShard {
	return l.shards[uint64(address)%uint64(len(l.shards))]
}

// Add records a new live allocation and folds it into the running total and
// peak watermark. A duplicate address (the allocator handing back memory
// the ledger still believes is live, which should never happen but would
// otherwise corrupt totalLiveBytes) replaces the old record after first
// subtracting its size, rather than double-counting it.
func (l *Ledger) Add(rec AllocationRecord) {
	shard := l.shardFor(rec.Address)
	shard.mu.Lock()
	if old, ok := shard.records[rec.Address]; ok {
		atomic.AddInt64(&l.totalLiveBytes, -int64(old.Size))
	}
	shard.records[rec.Address] = rec
	shard.mu.Unlock()

	total := atomic.AddInt64(&l.totalLiveBytes, int64(rec.Size))
	l.peak.observe(total, l)
}

// Remove drops the record for address, if any, and folds its size out of
// the running total. Removing an address the ledger never saw (freeing
// memory allocated before tracking started) is a silent no-op.
func (l *Ledger) Remove(address uintptr) {
	shard := l.shardFor(address)
	shard.mu.Lock()
	rec, ok := shard.records[address]
	if ok {
		delete(shard.records, address)
	}
	shard.mu.Unlock()

	if ok {
		atomic.AddInt64(&l.totalLiveBytes, -int64(rec.Size))
	}
}

// TotalLiveBytes returns the current sum of all tracked live allocation
// sizes.
func (l *Ledger) TotalLiveBytes() int64 {
	return atomic.LoadInt64(&l.totalLiveBytes)
}

// Reset clears every tracked address and the peak watermark, as if tracking
// had just started, per the control surface's reset operation.
func (l *Ledger) Reset() {
	for _, shard := range l.shards {
		shard.mu.Lock()
		shard.records = make(map[uintptr]AllocationRecord)
		shard.mu.Unlock()
	}
	atomic.StoreInt64(&l.totalLiveBytes, 0)
	l.peak.reset()
}

// snapshotByCallStack groups every currently-live record by owning call
// stack id, folding sizes together, the input the peak watermark and the
// dump operation both need.
func (l *Ledger) snapshotByCallStack() map[CallStackID]uint64 {
	out := make(map[CallStackID]uint64)
	for _, shard := range l.shards {
		shard.mu.Lock()
		for _, rec := range shard.records {
			out[rec.CallStack] += rec.Size
		}
		shard.mu.Unlock()
	}
	return out
}
