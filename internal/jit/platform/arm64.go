package platform

import (
	"strconv"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"

	"github.com/tangzhangming/lift/internal/jit/types"
)

// ============================================================================
// ARM64
// ============================================================================
//
// 寄存器分配：
//   - R0-R15  缓存寄存器，R0 同时是返回寄存器
//   - R17     合并时打破循环移动的临时寄存器
//   - R16     槽位间复制与常量写入的暂存寄存器，不对编译器可见
//
// 参数依次在 R0-R7 中，其余在调用者栈帧中。
// 三地址指令的操作数顺序为 From=rhs, Reg=lhs，结果为 lhs op rhs。

const (
	arm64Temp    types.Reg = 16
	arm64Scratch           = arm64.REG_R16
)

var arm64BinOps = map[types.BinOp]obj.As{
	types.BinAdd: arm64.AADDW,
	types.BinSub: arm64.ASUBW,
	types.BinMul: arm64.AMULW,
	types.BinAnd: arm64.AANDW,
	types.BinOr:  arm64.AORRW,
	types.BinXor: arm64.AEORW,
}

var arm64Conds = map[types.Cond]int16{
	types.CondEq:  arm64.COND_EQ,
	types.CondNe:  arm64.COND_NE,
	types.CondLtS: arm64.COND_LT,
	types.CondLtU: arm64.COND_LO,
	types.CondGtS: arm64.COND_GT,
	types.CondGtU: arm64.COND_HI,
	types.CondLeS: arm64.COND_LE,
	types.CondLeU: arm64.COND_LS,
	types.CondGeS: arm64.COND_GE,
	types.CondGeU: arm64.COND_HS,
}

type arm64ISA struct {
	regs *types.RegisterFile
}

func newARM64() isa {
	names := make([]string, 17)
	for i := 0; i < 16; i++ {
		names[i] = "x" + strconv.Itoa(i)
	}
	names[arm64Temp] = "x17"
	var cache types.RegList
	for r := types.Reg(0); r < 16; r++ {
		cache = cache.Set(r)
	}
	return &arm64ISA{regs: &types.RegisterFile{
		Names:  names,
		Cache:  cache,
		Temp:   arm64Temp,
		Return: 0,
	}}
}

func (x *arm64ISA) name() string                   { return "arm64" }
func (x *arm64ISA) registers() *types.RegisterFile { return x.regs }

func (x *arm64ISA) paramRegisters() []types.Reg {
	return []types.Reg{0, 1, 2, 3, 4, 5, 6, 7}
}

func (x *arm64ISA) machine(r types.Reg) int16 {
	if r == arm64Temp {
		return arm64.REG_R17
	}
	return arm64.REG_R0 + int16(r)
}

func (x *arm64ISA) r(r types.Reg) obj.Addr {
	return regAddr(x.machine(r))
}

// frameBytes SP 必须保持 16 字节对齐
func (x *arm64ISA) frameBytes(slots int) int64 {
	return (int64(slots)*8 + 15) &^ 15
}

func (x *arm64ISA) callerSlotOffset(frameBytes int64, slot int) int64 {
	return frameBytes + int64(slot)*8
}

func (x *arm64ISA) enterFrame(a *Assembler, frameBytes int64) {
	a.two(arm64.ASUB, constAddr(frameBytes), regAddr(arm64.REGSP))
}

func (x *arm64ISA) leaveFrame(a *Assembler, frameBytes int64) {
	a.two(arm64.AADD, constAddr(frameBytes), regAddr(arm64.REGSP))
}

func (x *arm64ISA) ret(a *Assembler) {
	p := a.newProg(obj.ARET)
	p.To = regAddr(arm64.REGLINK)
}

func (x *arm64ISA) move(a *Assembler, dst, src types.Reg) {
	a.two(arm64.AMOVW, x.r(src), x.r(dst))
}

func (x *arm64ISA) loadConstant(a *Assembler, dst types.Reg, v int32) {
	if v == 0 {
		a.two(arm64.AMOVW, regAddr(arm64.REGZERO), x.r(dst))
		return
	}
	a.two(arm64.AMOVW, constAddr(int64(v)), x.r(dst))
}

func (x *arm64ISA) store(a *Assembler, off int64, src types.Reg) {
	a.two(arm64.AMOVW, x.r(src), memAddr(arm64.REGSP, off))
}

func (x *arm64ISA) storeConstant(a *Assembler, off int64, v int32) {
	src := int16(arm64.REGZERO)
	if v != 0 {
		a.two(arm64.AMOVW, constAddr(int64(v)), regAddr(arm64Scratch))
		src = arm64Scratch
	}
	a.two(arm64.AMOVW, regAddr(src), memAddr(arm64.REGSP, off))
}

func (x *arm64ISA) load(a *Assembler, dst types.Reg, off int64) {
	a.two(arm64.AMOVW, memAddr(arm64.REGSP, off), x.r(dst))
}

func (x *arm64ISA) copyStack(a *Assembler, dstOff, srcOff int64) {
	a.two(arm64.AMOVW, memAddr(arm64.REGSP, srcOff), regAddr(arm64Scratch))
	a.two(arm64.AMOVW, regAddr(arm64Scratch), memAddr(arm64.REGSP, dstOff))
}

func (x *arm64ISA) three(a *Assembler, as obj.As, dst, lhs, rhs int16) {
	p := a.two(as, regAddr(rhs), regAddr(dst))
	p.Reg = lhs
}

func (x *arm64ISA) binOp(a *Assembler, op types.BinOp, dst, lhs, rhs types.Reg) {
	x.three(a, arm64BinOps[op], x.machine(dst), x.machine(lhs), x.machine(rhs))
}

func (x *arm64ISA) compare(a *Assembler, cond types.Cond, dst, lhs, rhs types.Reg) {
	p := a.two(arm64.ACMPW, x.r(rhs), obj.Addr{})
	p.Reg = x.machine(lhs)
	a.two(arm64.ACSET, regAddr(arm64Conds[cond]), x.r(dst))
}

func (x *arm64ISA) eqz(a *Assembler, dst, src types.Reg) {
	p := a.two(arm64.ACMPW, regAddr(arm64.REGZERO), obj.Addr{})
	p.Reg = x.machine(src)
	a.two(arm64.ACSET, regAddr(arm64.COND_EQ), x.r(dst))
}

func (x *arm64ISA) jump(a *Assembler) *obj.Prog {
	return a.newProg(obj.AJMP)
}

func (x *arm64ISA) jumpIfZero(a *Assembler, r types.Reg) *obj.Prog {
	p := a.newProg(arm64.ACBZW)
	p.From = x.r(r)
	return p
}
