package qir

// Region owns one compilation unit's worth of IR: a block list, a
// vreg table, and id counters. All Blocks and Insts created through a
// Region are reachable only from it; dropping the Region (letting it
// become unreachable) releases everything it owns in one step, same
// as destroying original_source's per-compile arena — Go's GC plays
// the role the C++ bump arena plays there. Regions are single-
// threaded and compile-scoped (spec.md 5).
//
// The *code* and *TBlock* pools in pkg/tcache are a different kind of
// arena: they back raw, execute-permission, address-stable memory
// that outlives any one Region and is handed to the CPU's instruction
// fetcher, so those use pkg/arena's real mmap bump allocator. A QIR
// Region never needs a stable address or RWX mapping, so it is kept
// as ordinary (if carefully pooled) Go-heap data.
type Region struct {
	vregs *VRegsInfo

	blockHead, blockTail *Block

	instIDCounter  uint32
	blockIDCounter uint32
}

// NewRegion creates an empty region whose global vregs are bound to
// glob.
func NewRegion(glob *StateInfo) *Region {
	return &Region{vregs: NewVRegsInfo(glob)}
}

// VRegs returns the region's vreg table.
func (r *Region) VRegs() *VRegsInfo { return r.vregs }

// NumBlocks returns the number of blocks created in this region so far.
func (r *Region) NumBlocks() uint32 { return r.blockIDCounter }

// CreateBlock creates a fresh block, appended to the region's block
// list.
func (r *Region) CreateBlock() *Block {
	b := &Block{id: r.blockIDCounter, region: r}
	r.blockIDCounter++
	b.prev = r.blockTail
	if r.blockTail != nil {
		r.blockTail.next = b
	} else {
		r.blockHead = b
	}
	r.blockTail = b
	return b
}

// Blocks calls fn for every block in creation order.
func (r *Region) Blocks(fn func(*Block)) {
	for b := r.blockHead; b != nil; b = b.next {
		fn(b)
	}
}

// FirstBlock and LastBlock return list endpoints.
func (r *Region) FirstBlock() *Block { return r.blockHead }
func (r *Region) LastBlock() *Block  { return r.blockTail }

// newInst allocates a fresh Inst of the given opcode with nout+nin
// operand slots, not yet inserted into any block.
func (r *Region) newInst(op Op, flags Flags) *Inst {
	info := GetOpInfo(op)
	ins := &Inst{
		id:       r.instIDCounter,
		opcode:   op,
		flags:    flags | info.Flags,
		operands: make([]VOperand, int(info.NOut)+int(info.NIn)),
	}
	r.instIDCounter++
	return ins
}
