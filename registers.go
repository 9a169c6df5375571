package ahv

import "fmt"

// Reg identifies an ARM64 register accessible through a vCPU. The set spans
// general purpose registers, PC and CPSR, the floating point control and
// status registers, and a subset of EL0/EL1 system registers. Each register
// carries the minimum capability tier required to access it (see MinTier).
type Reg int

const (
	RegX0 Reg = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegFP // X29
	RegLR // X30
	RegPC
	RegFPCR
	RegFPSR
	RegCPSR
	RegSP // SP_EL0

	// EL1 system registers.
	RegSctlrEL1
	RegSpsrEL1
	RegElrEL1
	RegEsrEL1
	RegFarEL1
	RegVbarEL1
	RegTtbr0EL1
	RegTtbr1EL1
	RegMidrEL1
	RegMpidrEL1
	RegSpEL1

	// Virtual timer registers; require TierMonterey.
	RegCntvCtlEL0
	RegCntvCvalEL0

	regCount // sentinel, keep last
)

// Raw hv_sys_reg_t selectors for the system registers above.
const (
	sysRegSctlrEL1    uint16 = 0xc080
	sysRegSpsrEL1     uint16 = 0xc200
	sysRegElrEL1      uint16 = 0xc201
	sysRegSpEL0       uint16 = 0xc208
	sysRegEsrEL1      uint16 = 0xc290
	sysRegFarEL1      uint16 = 0xc300
	sysRegVbarEL1     uint16 = 0xc600
	sysRegTtbr0EL1    uint16 = 0xc100
	sysRegTtbr1EL1    uint16 = 0xc101
	sysRegMidrEL1     uint16 = 0xc000
	sysRegMpidrEL1    uint16 = 0xc005
	sysRegCntvCtlEL0  uint16 = 0xdf19
	sysRegCntvCvalEL0 uint16 = 0xdf1a
	sysRegSpEL1       uint16 = 0xe208
)

// regInfo describes how a Reg reaches the framework: either through the
// hv_reg_t API (sys == false) or the hv_sys_reg_t API (sys == true).
type regInfo struct {
	name string
	sys  bool
	sel  uint32 // hv_reg_t value, or the hv_sys_reg_t value widened
	tier Tier
}

var regTable = [regCount]regInfo{
	RegX0:   {name: "X0", sel: 0},
	RegX1:   {name: "X1", sel: 1},
	RegX2:   {name: "X2", sel: 2},
	RegX3:   {name: "X3", sel: 3},
	RegX4:   {name: "X4", sel: 4},
	RegX5:   {name: "X5", sel: 5},
	RegX6:   {name: "X6", sel: 6},
	RegX7:   {name: "X7", sel: 7},
	RegX8:   {name: "X8", sel: 8},
	RegX9:   {name: "X9", sel: 9},
	RegX10:  {name: "X10", sel: 10},
	RegX11:  {name: "X11", sel: 11},
	RegX12:  {name: "X12", sel: 12},
	RegX13:  {name: "X13", sel: 13},
	RegX14:  {name: "X14", sel: 14},
	RegX15:  {name: "X15", sel: 15},
	RegX16:  {name: "X16", sel: 16},
	RegX17:  {name: "X17", sel: 17},
	RegX18:  {name: "X18", sel: 18},
	RegX19:  {name: "X19", sel: 19},
	RegX20:  {name: "X20", sel: 20},
	RegX21:  {name: "X21", sel: 21},
	RegX22:  {name: "X22", sel: 22},
	RegX23:  {name: "X23", sel: 23},
	RegX24:  {name: "X24", sel: 24},
	RegX25:  {name: "X25", sel: 25},
	RegX26:  {name: "X26", sel: 26},
	RegX27:  {name: "X27", sel: 27},
	RegX28:  {name: "X28", sel: 28},
	RegFP:   {name: "FP", sel: 29},
	RegLR:   {name: "LR", sel: 30},
	RegPC:   {name: "PC", sel: 31},
	RegFPCR: {name: "FPCR", sel: 32},
	RegFPSR: {name: "FPSR", sel: 33},
	RegCPSR: {name: "CPSR", sel: 34},
	RegSP:   {name: "SP", sys: true, sel: uint32(sysRegSpEL0)},

	RegSctlrEL1: {name: "SCTLR_EL1", sys: true, sel: uint32(sysRegSctlrEL1)},
	RegSpsrEL1:  {name: "SPSR_EL1", sys: true, sel: uint32(sysRegSpsrEL1)},
	RegElrEL1:   {name: "ELR_EL1", sys: true, sel: uint32(sysRegElrEL1)},
	RegEsrEL1:   {name: "ESR_EL1", sys: true, sel: uint32(sysRegEsrEL1)},
	RegFarEL1:   {name: "FAR_EL1", sys: true, sel: uint32(sysRegFarEL1)},
	RegVbarEL1:  {name: "VBAR_EL1", sys: true, sel: uint32(sysRegVbarEL1)},
	RegTtbr0EL1: {name: "TTBR0_EL1", sys: true, sel: uint32(sysRegTtbr0EL1)},
	RegTtbr1EL1: {name: "TTBR1_EL1", sys: true, sel: uint32(sysRegTtbr1EL1)},
	RegMidrEL1:  {name: "MIDR_EL1", sys: true, sel: uint32(sysRegMidrEL1)},
	RegMpidrEL1: {name: "MPIDR_EL1", sys: true, sel: uint32(sysRegMpidrEL1)},
	RegSpEL1:    {name: "SP_EL1", sys: true, sel: uint32(sysRegSpEL1)},

	RegCntvCtlEL0:  {name: "CNTV_CTL_EL0", sys: true, sel: uint32(sysRegCntvCtlEL0), tier: TierMonterey},
	RegCntvCvalEL0: {name: "CNTV_CVAL_EL0", sys: true, sel: uint32(sysRegCntvCvalEL0), tier: TierMonterey},
}

// Valid reports whether r names a register known to the library.
func (r Reg) Valid() bool {
	return r >= RegX0 && r < regCount
}

// MinTier returns the minimum capability tier required to access r.
func (r Reg) MinTier() Tier {
	if !r.Valid() {
		return TierBigSur
	}
	return regTable[r].tier
}

func (r Reg) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Reg(%d)", int(r))
	}
	return regTable[r].name
}
