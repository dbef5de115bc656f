package platform

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/tangzhangming/lift/internal/jit/types"
)

// ============================================================================
// x86-64
// ============================================================================
//
// 寄存器分配：
//   - AX CX DX SI DI R8 R9  缓存寄存器，AX 同时是返回寄存器
//   - R11                   合并时打破循环移动的临时寄存器
//   - R10                   槽位间复制与非交换减法的暂存寄存器，不对编译器可见
//
// 参数依次在 DI SI DX CX R8 R9 中，其余在调用者栈帧中，
// 位于返回地址之上。

var amd64Machine = []int16{
	x86.REG_AX, x86.REG_CX, x86.REG_DX, x86.REG_SI,
	x86.REG_DI, x86.REG_R8, x86.REG_R9, x86.REG_R11,
}

const (
	amd64Temp    types.Reg = 7
	amd64Scratch           = x86.REG_R10
)

var amd64BinOps = map[types.BinOp]obj.As{
	types.BinAdd: x86.AADDL,
	types.BinSub: x86.ASUBL,
	types.BinMul: x86.AIMULL,
	types.BinAnd: x86.AANDL,
	types.BinOr:  x86.AORL,
	types.BinXor: x86.AXORL,
}

var amd64SetCC = map[types.Cond]obj.As{
	types.CondEq:  x86.ASETEQ,
	types.CondNe:  x86.ASETNE,
	types.CondLtS: x86.ASETLT,
	types.CondLtU: x86.ASETCS,
	types.CondGtS: x86.ASETGT,
	types.CondGtU: x86.ASETHI,
	types.CondLeS: x86.ASETLE,
	types.CondLeU: x86.ASETLS,
	types.CondGeS: x86.ASETGE,
	types.CondGeU: x86.ASETCC,
}

type amd64ISA struct {
	regs *types.RegisterFile
}

func newAMD64() isa {
	return &amd64ISA{regs: &types.RegisterFile{
		Names:  []string{"ax", "cx", "dx", "si", "di", "r8", "r9", "r11"},
		Cache:  types.RegListOf(0, 1, 2, 3, 4, 5, 6),
		Temp:   amd64Temp,
		Return: 0,
	}}
}

func (x *amd64ISA) name() string                   { return "amd64" }
func (x *amd64ISA) registers() *types.RegisterFile { return x.regs }

func (x *amd64ISA) paramRegisters() []types.Reg {
	return []types.Reg{4, 3, 2, 1, 5, 6}
}

func (x *amd64ISA) r(r types.Reg) obj.Addr {
	return regAddr(amd64Machine[r])
}

// frameBytes 进入函数时 SP 为 8 (mod 16)，帧大小使调用点保持 16 字节对齐
func (x *amd64ISA) frameBytes(slots int) int64 {
	n := int64(slots) * 8
	if n%16 == 0 {
		n += 8
	}
	return n
}

func (x *amd64ISA) callerSlotOffset(frameBytes int64, slot int) int64 {
	return frameBytes + 8 + int64(slot)*8
}

func (x *amd64ISA) enterFrame(a *Assembler, frameBytes int64) {
	a.two(x86.ASUBQ, constAddr(frameBytes), regAddr(x86.REG_SP))
}

func (x *amd64ISA) leaveFrame(a *Assembler, frameBytes int64) {
	a.two(x86.AADDQ, constAddr(frameBytes), regAddr(x86.REG_SP))
}

func (x *amd64ISA) ret(a *Assembler) {
	a.newProg(obj.ARET)
}

func (x *amd64ISA) move(a *Assembler, dst, src types.Reg) {
	a.two(x86.AMOVL, x.r(src), x.r(dst))
}

func (x *amd64ISA) loadConstant(a *Assembler, dst types.Reg, v int32) {
	if v == 0 {
		a.two(x86.AXORL, x.r(dst), x.r(dst))
		return
	}
	a.two(x86.AMOVL, constAddr(int64(v)), x.r(dst))
}

func (x *amd64ISA) store(a *Assembler, off int64, src types.Reg) {
	a.two(x86.AMOVL, x.r(src), memAddr(x86.REG_SP, off))
}

func (x *amd64ISA) storeConstant(a *Assembler, off int64, v int32) {
	a.two(x86.AMOVL, constAddr(int64(v)), memAddr(x86.REG_SP, off))
}

func (x *amd64ISA) load(a *Assembler, dst types.Reg, off int64) {
	a.two(x86.AMOVL, memAddr(x86.REG_SP, off), x.r(dst))
}

func (x *amd64ISA) copyStack(a *Assembler, dstOff, srcOff int64) {
	a.two(x86.AMOVL, memAddr(x86.REG_SP, srcOff), regAddr(amd64Scratch))
	a.two(x86.AMOVL, regAddr(amd64Scratch), memAddr(x86.REG_SP, dstOff))
}

// binOp 两地址形式：目标与某个操作数重合时直接运算，否则先复制 lhs
func (x *amd64ISA) binOp(a *Assembler, op types.BinOp, dst, lhs, rhs types.Reg) {
	as := amd64BinOps[op]
	switch {
	case dst == lhs:
		a.two(as, x.r(rhs), x.r(dst))
	case dst == rhs && op.Commutative():
		a.two(as, x.r(lhs), x.r(dst))
	case dst == rhs:
		a.two(x86.AMOVL, x.r(rhs), regAddr(amd64Scratch))
		a.two(x86.AMOVL, x.r(lhs), x.r(dst))
		a.two(as, regAddr(amd64Scratch), x.r(dst))
	default:
		a.two(x86.AMOVL, x.r(lhs), x.r(dst))
		a.two(as, x.r(rhs), x.r(dst))
	}
}

// compare CMPL 按 lhs - rhs 设置标志，SETcc 只写低字节
func (x *amd64ISA) compare(a *Assembler, cond types.Cond, dst, lhs, rhs types.Reg) {
	a.two(x86.ACMPL, x.r(lhs), x.r(rhs))
	a.two(amd64SetCC[cond], obj.Addr{}, x.r(dst))
	a.two(x86.AMOVBLZX, x.r(dst), x.r(dst))
}

func (x *amd64ISA) eqz(a *Assembler, dst, src types.Reg) {
	a.two(x86.ATESTL, x.r(src), x.r(src))
	a.two(x86.ASETEQ, obj.Addr{}, x.r(dst))
	a.two(x86.AMOVBLZX, x.r(dst), x.r(dst))
}

func (x *amd64ISA) jump(a *Assembler) *obj.Prog {
	return a.newProg(obj.AJMP)
}

func (x *amd64ISA) jumpIfZero(a *Assembler, r types.Reg) *obj.Prog {
	a.two(x86.ATESTL, x.r(r), x.r(r))
	return a.newProg(x86.AJEQ)
}
