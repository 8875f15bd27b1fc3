package qir

// StateReg describes one global vreg's binding to the guest CPU
// state: its byte offset within jitabi.CPUState and its type.
type StateReg struct {
	StateOffs uint16
	Type      VType
}

// StateInfo is the fixed table of global register bindings shared by
// every region translating the same guest ISA (one entry per gpr[0..31]
// plus any other state the frontend exposes as a global vreg).
type StateInfo struct {
	Regs []StateReg
}

// VRegsInfo is a region's vreg table: globals bound to guest-state
// offsets (fixed, shared StateInfo) plus a dynamically grown list of
// locals. A vreg id below NumGlobals() is global; otherwise it is
// local and its type is read from the local list (spec.md 3).
type VRegsInfo struct {
	glob   *StateInfo
	locals []VType
}

// NewVRegsInfo constructs a VRegsInfo bound to glob.
func NewVRegsInfo(glob *StateInfo) *VRegsInfo {
	return &VRegsInfo{glob: glob}
}

func (v *VRegsInfo) NumGlobals() RegN { return RegN(len(v.glob.Regs)) }
func (v *VRegsInfo) NumLocals() RegN  { return RegN(len(v.locals)) }
func (v *VRegsInfo) NumAll() RegN     { return v.NumGlobals() + v.NumLocals() }

func (v *VRegsInfo) IsGlobal(idx RegN) bool { return idx < v.NumGlobals() }
func (v *VRegsInfo) IsLocal(idx RegN) bool  { return !v.IsGlobal(idx) }

// GlobalInfo returns the StateReg binding for a global vreg.
func (v *VRegsInfo) GlobalInfo(idx RegN) StateReg {
	if !v.IsGlobal(idx) {
		panic("qir: vreg is not global")
	}
	return v.glob.Regs[idx]
}

// LocalType returns the type of a local vreg.
func (v *VRegsInfo) LocalType(idx RegN) VType {
	if !v.IsLocal(idx) {
		panic("qir: vreg is not local")
	}
	return v.locals[idx-v.NumGlobals()]
}

// AddLocal allocates a fresh local vreg of the given type and returns
// its id.
func (v *VRegsInfo) AddLocal(t VType) RegN {
	id := v.NumGlobals() + RegN(len(v.locals))
	v.locals = append(v.locals, t)
	return id
}

// TypeOf returns the type of any vreg, global or local.
func (v *VRegsInfo) TypeOf(idx RegN) VType {
	if v.IsGlobal(idx) {
		return v.GlobalInfo(idx).Type
	}
	return v.LocalType(idx)
}
