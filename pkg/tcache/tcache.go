// Package tcache implements the translation cache: the lookup and
// allocation structure mapping a guest IP to the compiled TBlock
// (code blob) pkg/engine's loop runs next. Ported from
// original_source/src/tcache.h's tcache static class to an Engine-
// owned struct per spec.md's note that a systems-language
// implementation should keep these as owned fields of a single object
// rather than process-global statics.
package tcache

import (
	"unsafe"

	"github.com/google/btree"

	"github.com/jserv/rv32jit/pkg/arena"
	"github.com/jserv/rv32jit/pkg/jitabi"
)

// PageSize is the guest page size InvalidatePage operates on;
// original_source's mmu::PAGE_SIZE (1 << 12, true for both rv32 and
// amd64). pkg/gmmu uses the same value for its own guest-page
// bookkeeping.
const PageSize = 1 << 12

// L1Bits sizes the two direct-mapped caches: pkg/jitabi.L1BrindBits,
// aliased here since pkg/qemit's inline L1Brind probe must hash a
// guest IP exactly the way l1hash below does.
const L1Bits = jitabi.L1BrindBits

const l1Size = jitabi.L1BrindCount

// TBlock is one compiled region: its machine code and the guest IP it
// starts at, plus the two flags original_source's TBlock carries.
type TBlock struct {
	Code []byte
	IP   uint32

	IsBrindTarget  bool
	IsSegmentEntry bool
}

// linkRecord is one entry of linkMap: the BranchSlot a gbr site was
// last direct-linked to, and the target guest IP it points at, so
// InvalidatePage/Invalidate can re-arm it via LinkLazyJIT once the
// code it jumps straight into is gone — original_source's link_map,
// the piece RecordLink/InvalidatePage need to undo a direct link
// instead of leaving a dangling jump into freed code.
type linkRecord struct {
	slot   *jitabi.BranchSlot
	target uint32
}

// ipItem orders TBlocks by guest IP in the btree-backed ordered map
// (original_source's std::map<u32, TBlock*> tcache_map).
type ipItem struct {
	ip uint32
	tb *TBlock
}

func (a ipItem) Less(than btree.Item) bool { return a.ip < than.(ipItem).ip }

// btreeDegree is an arbitrary, reasonable branching factor; the
// ordered map's size is bounded by the number of translated regions,
// not guest memory, so there is no specific capacity to tune for.
const btreeDegree = 32

// Cache is the translation cache for one engine instance.
type Cache struct {
	l1      [l1Size]*TBlock
	l1Brind [l1Size]jitabi.L1BrindEntry

	// linkMap tracks every gbr BranchSlot this Cache has direct-linked,
	// keyed by the slot's own code address, so InvalidatePage/Invalidate
	// can find and re-arm the ones pointing into code about to be freed.
	linkMap map[uintptr]linkRecord

	ordered *btree.BTree

	// tbPool hands out *TBlock from a fixed-capacity backing slice:
	// original_source's tb_pool MemArena, adapted to a plain Go slice
	// instead of a raw byte arena since TBlock holds a Go slice field
	// (Code) that must stay visible to the garbage collector — bump-
	// allocating structs with pointer fields out of unsafe raw bytes
	// would hide them from the GC for no benefit (the win original_source
	// gets from a raw arena here is avoiding malloc/free churn, which
	// Go's allocator already avoids for a slice of fixed-size structs).
	tbPool []TBlock
	tbUsed int

	// codePool is a real mmap'd RWX region: pkg/qemit's machine code
	// must live in actually-executable memory, which the Go heap never
	// provides, so this one keeps original_source's raw-arena approach.
	codePool *arena.Arena
}

// New builds a Cache with the given TBlock and code pool capacities
// (original_source's TB_POOL_SIZE/CODE_POOL_SIZE, made configurable
// instead of fixed 32MiB/128MiB constants since pkg/engine may want a
// smaller cache for short-lived guest programs).
func New(tbPoolCap int, codePoolSize int) (*Cache, error) {
	code, err := arena.New(codePoolSize, arena.ProtRWX)
	if err != nil {
		return nil, err
	}
	return &Cache{
		ordered:  btree.New(btreeDegree),
		tbPool:   make([]TBlock, tbPoolCap),
		codePool: code,
		linkMap:  make(map[uintptr]linkRecord),
	}, nil
}

// Destroy releases the code pool's mapping. The Cache must not be used
// afterwards.
func (c *Cache) Destroy() error { return c.codePool.Destroy() }

// L1BrindBase returns the address of the L1 indirect-branch cache's
// backing array, for pkg/engine to wire into a fresh CPUState.L1Brind
// at construction time.
func (c *Cache) L1BrindBase() uintptr { return uintptr(unsafe.Pointer(&c.l1Brind[0])) }

func l1hash(ip uint32) uint32 { return (ip >> 2) & (l1Size - 1) }

// Lookup finds the TBlock starting exactly at ip, consulting the L1
// direct-map before falling back to the ordered map.
func (c *Cache) Lookup(ip uint32) *TBlock {
	h := l1hash(ip)
	if tb := c.l1[h]; tb != nil && tb.IP == ip {
		return tb
	}
	tb := c.lookupFull(ip)
	if tb != nil {
		c.l1[h] = tb
	}
	return tb
}

func (c *Cache) lookupFull(ip uint32) *TBlock {
	item := c.ordered.Get(ipItem{ip: ip})
	if item == nil {
		return nil
	}
	return item.(ipItem).tb
}

// LookupUpperBound returns the TBlock with the smallest IP strictly
// greater than gip, or nil if none exists: original_source's
// std::map::upper_bound, used by pkg/engine to find a region
// straddling gip for segment-boundary decisions.
func (c *Cache) LookupUpperBound(gip uint32) *TBlock {
	var found *TBlock
	c.ordered.AscendGreaterOrEqual(ipItem{ip: gip}, func(item btree.Item) bool {
		e := item.(ipItem)
		if e.ip == gip {
			return true
		}
		found = e.tb
		return false
	})
	return found
}

// CacheBrind records tb in the L1 indirect-branch cache and marks it
// as an indirect-branch target, mirroring original_source's
// CacheBrind.
func (c *Cache) CacheBrind(tb *TBlock) {
	c.l1Brind[l1hash(tb.IP)] = jitabi.L1BrindEntry{
		GIP:  tb.IP,
		Code: uintptr(unsafe.Pointer(&tb.Code[0])),
	}
	tb.IsBrindTarget = true
}

// Insert adds tb to both the ordered map and the L1 direct-map.
func (c *Cache) Insert(tb *TBlock) {
	c.ordered.ReplaceOrInsert(ipItem{ip: tb.IP, tb: tb})
	c.l1[l1hash(tb.IP)] = tb
}

// RecordLink records that slot now jumps directly into tgt, and marks
// tgt as a cross-segment entry point when crossSegment: original_source's
// RecordLink. Unlike the pre-BranchSlot version of this port, slot is
// real — pkg/engine calls this right after slot.Link(tgt's code
// address) — so linkMap can actually answer "what points at this
// TBlock's code" when InvalidatePage/Invalidate later frees it.
func (c *Cache) RecordLink(slot *jitabi.BranchSlot, tgt *TBlock, crossSegment bool) {
	tgt.IsSegmentEntry = tgt.IsSegmentEntry || crossSegment
	key := uintptr(unsafe.Pointer(&slot.Code[0]))
	c.linkMap[key] = linkRecord{slot: slot, target: tgt.IP}
}

// LinkCount reports how many BranchSlots linkMap currently tracks as
// direct-linked, for tests to observe that RecordLink actually ran
// rather than reaching into the unexported map itself.
func (c *Cache) LinkCount() int { return len(c.linkMap) }

func roundDown(v, align uint32) uint32 { return v &^ (align - 1) }

// InvalidatePage discards every cache entry whose guest IP falls in
// the page starting at pvaddr, and re-arms every BranchSlot linkMap
// shows jumping straight into that page back to its lazy-link shape:
// original_source's InvalidatePage, including the link_map sweep this
// port previously dropped (see pkg/jitabi's BranchSlot/pkg/qemit's
// lowerGBr for the mechanism this now undoes). original_source's own
// L1 sweep dereferences a possibly-nil TBlock pointer unconditionally;
// this port checks for nil first since an empty L1 slot is the common
// case, not a bug to reproduce.
func (c *Cache) InvalidatePage(pvaddr uint32) {
	lo := ipItem{ip: pvaddr}
	hi := ipItem{ip: pvaddr + PageSize}
	var victims []btree.Item
	c.ordered.AscendRange(lo, hi, func(item btree.Item) bool {
		victims = append(victims, item)
		return true
	})
	for _, v := range victims {
		c.ordered.Delete(v)
	}
	for i := range c.l1 {
		if c.l1[i] != nil && roundDown(c.l1[i].IP, PageSize) == pvaddr {
			c.l1[i] = nil
		}
	}
	for i := range c.l1Brind {
		if roundDown(c.l1Brind[i].GIP, PageSize) == pvaddr {
			c.l1Brind[i] = jitabi.L1BrindEntry{}
		}
	}
	for key, rec := range c.linkMap {
		if roundDown(rec.target, PageSize) == pvaddr {
			rec.slot.LinkLazyJIT()
			delete(c.linkMap, key)
		}
	}
}

// Invalidate discards the entire cache and resets both pools:
// original_source's Invalidate, the recovery path AllocateTBlock/
// AllocateCode take on pool exhaustion. Every linked BranchSlot is
// re-armed first, since the code pool Reset is about to make every
// direct link dangling.
func (c *Cache) Invalidate() {
	for i := range c.l1 {
		c.l1[i] = nil
	}
	for i := range c.l1Brind {
		c.l1Brind[i] = jitabi.L1BrindEntry{}
	}
	for key, rec := range c.linkMap {
		rec.slot.LinkLazyJIT()
		delete(c.linkMap, key)
	}
	c.ordered = btree.New(btreeDegree)
	c.tbUsed = 0
	c.codePool.Reset()
}

// AllocateTBlock hands out a fresh *TBlock from the pool, invalidating
// and retrying once if the pool is full.
func (c *Cache) AllocateTBlock() *TBlock {
	if c.tbUsed >= len(c.tbPool) {
		c.Invalidate()
	}
	tb := &c.tbPool[c.tbUsed]
	*tb = TBlock{}
	c.tbUsed++
	return tb
}

// AllocateCode hands out sz bytes of RWX memory aligned to align,
// invalidating and retrying once if the code pool is full.
func (c *Cache) AllocateCode(sz int, align int) []byte {
	b := c.codePool.TryAlloc(sz, align)
	if b == nil {
		c.Invalidate()
		b = c.codePool.TryAlloc(sz, align)
		if b == nil {
			panic("tcache: code pool too small for a single region")
		}
	}
	return b
}
