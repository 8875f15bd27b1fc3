package qir

// Block is one basic block: an intrusive node in its Region's block
// list, an intrusive list of Inst, a unique id, and adjacency lists of
// successor/predecessor blocks. A block has 0-2 successors depending
// on its terminator (spec.md 3).
type Block struct {
	id     uint32
	region *Region

	instHead, instTail *Inst

	succs []*Block
	preds []*Block

	prev, next *Block
}

func (b *Block) ID() uint32      { return b.id }
func (b *Block) Region() *Region { return b.region }
func (b *Block) Succs() []*Block { return b.succs }
func (b *Block) Preds() []*Block { return b.preds }

// AddSucc records succ as a successor of b and b as a predecessor of
// succ. Callers must add successors in edge order (true-target first
// for brcc, per spec.md 8's testable property on edge ordering).
func (b *Block) AddSucc(succ *Block) {
	b.succs = append(b.succs, succ)
	succ.preds = append(succ.preds, b)
}

// Front and Back return the first/last instruction in the block, or
// nil if empty.
func (b *Block) Front() *Inst { return b.instHead }
func (b *Block) Back() *Inst  { return b.instTail }

// Terminator returns the block's last instruction if it is a control
// opcode (br/brcc/gbr/gbrind), else nil.
func (b *Block) Terminator() *Inst {
	last := b.instTail
	if last == nil {
		return nil
	}
	switch last.opcode {
	case OpBr, OpBrcc, OpGBr, OpGBrind:
		return last
	default:
		return nil
	}
}

// insertBefore splices ins into the block's instruction list
// immediately before at (nil appends at the end).
func (b *Block) insertBefore(at, ins *Inst) {
	ins.block = b
	if at == nil {
		ins.prev = b.instTail
		ins.next = nil
		if b.instTail != nil {
			b.instTail.next = ins
		} else {
			b.instHead = ins
		}
		b.instTail = ins
		return
	}
	ins.prev = at.prev
	ins.next = at
	if at.prev != nil {
		at.prev.next = ins
	} else {
		b.instHead = ins
	}
	at.prev = ins
}

// remove unlinks ins from the block's instruction list. ins must
// belong to b.
func (b *Block) remove(ins *Inst) {
	if ins.prev != nil {
		ins.prev.next = ins.next
	} else {
		b.instHead = ins.next
	}
	if ins.next != nil {
		ins.next.prev = ins.prev
	} else {
		b.instTail = ins.prev
	}
	ins.prev, ins.next = nil, nil
	ins.block = nil
}

// Insts calls fn for every instruction in the block, in order.
// Mutation-safe against removal of the current instruction.
func (b *Block) Insts(fn func(*Inst)) {
	for ins := b.instHead; ins != nil; {
		next := ins.next
		fn(ins)
		ins = next
	}
}

// Next and Prev walk the owning region's block list.
func (b *Block) Next() *Block { return b.next }
func (b *Block) Prev() *Block { return b.prev }
