package qir

import "strconv"

// VType tags the bit-width of an operand's value.
type VType uint8

const (
	I8 VType = iota
	I16
	I32
)

// Size returns the size in bytes of a value of type t.
func (t VType) Size() uint8 {
	switch t {
	case I8:
		return 1
	case I16:
		return 2
	case I32:
		return 4
	default:
		panic("qir: bad vtype")
	}
}

func (t VType) String() string {
	switch t {
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	default:
		return "?"
	}
}

// VSign tags the signedness of a load/store.
type VSign uint8

const (
	Unsigned VSign = iota
	Signed
)

// RegN is a register number: either a virtual register index (into a
// region's VRegsInfo) or a physical GPR index, depending on context.
type RegN uint16

// RegNBad is the sentinel "no register" value.
const RegNBad RegN = ^RegN(0)

// Kind discriminates the three operand shapes spec.md 3 defines.
type Kind uint8

const (
	KindConst Kind = iota
	KindGPR
	KindSlot
)

// VOperand is a tagged operand: a 32-bit constant, a virtual or
// physical GPR, or a slot offset into guest state or the spill frame.
//
// original_source packs all of this into a single machine word via
// bitfields (qmc/qir.h's VOperand); a Go port gains nothing from that
// trick (there is no placement-new pressure to keep Inst pointer-
// stable here — see pkg/qir's package doc and the "operand storage
// trick" note in spec.md 9) so this is a plain tagged struct instead.
type VOperand struct {
	Kind Kind
	Type VType

	// Valid when Kind == KindConst.
	Const uint32

	// Valid when Kind == KindGPR.
	Reg     RegN
	Virtual bool

	// Valid when Kind == KindSlot.
	SlotOffs uint16
	Global   bool
}

// MakeConst builds a constant operand.
func MakeConst(t VType, v uint32) VOperand {
	return VOperand{Kind: KindConst, Type: t, Const: v}
}

// MakeVGPR builds a virtual-register operand.
func MakeVGPR(t VType, reg RegN) VOperand {
	return VOperand{Kind: KindGPR, Type: t, Reg: reg, Virtual: true}
}

// MakePGPR builds a physical-register operand.
func MakePGPR(t VType, reg RegN) VOperand {
	return VOperand{Kind: KindGPR, Type: t, Reg: reg, Virtual: false}
}

// MakeSlot builds a slot operand: global (guest-state) or local
// (spill frame).
func MakeSlot(global bool, t VType, offs uint16) VOperand {
	return VOperand{Kind: KindSlot, Type: t, SlotOffs: offs, Global: global}
}

func (o VOperand) IsConst() bool { return o.Kind == KindConst }
func (o VOperand) IsGPR() bool   { return o.Kind == KindGPR }
func (o VOperand) IsSlot() bool  { return o.Kind == KindSlot }
func (o VOperand) IsVGPR() bool  { return o.Kind == KindGPR && o.Virtual }
func (o VOperand) IsPGPR() bool  { return o.Kind == KindGPR && !o.Virtual }
func (o VOperand) IsGSlot() bool { return o.Kind == KindSlot && o.Global }
func (o VOperand) IsLSlot() bool { return o.Kind == KindSlot && !o.Global }

func (o VOperand) String() string {
	switch o.Kind {
	case KindConst:
		return "#" + strconv.FormatInt(int64(int32(o.Const)), 10)
	case KindGPR:
		if o.Virtual {
			return "v" + strconv.Itoa(int(o.Reg))
		}
		return "p" + strconv.Itoa(int(o.Reg))
	case KindSlot:
		if o.Global {
			return "g[" + strconv.Itoa(int(o.SlotOffs)) + "]"
		}
		return "l[" + strconv.Itoa(int(o.SlotOffs)) + "]"
	default:
		return "?"
	}
}
