// allocator.go - 寄存器分配
//
// 没有活跃区间分析：需要寄存器时取第一个空闲的缓存寄存器，
// 没有空闲寄存器时从栈底向上找第一个未被钉住的寄存器，
// 把引用它的所有槽位溢出后交出。所有寄存器都被钉住时回退。
//
// 单条指令发射期间用 pinScope 钉住操作数寄存器，
// 防止分配目标寄存器时把操作数溢出掉；指令结束时必须释放。

package jit

import "github.com/tangzhangming/lift/internal/jit/types"

// MaxValueStackHeight 操作数栈 (不含局部变量) 的最大高度
//
// 溢出槽在函数入口一次性预留，编译中途不能扩展。
const MaxValueStackHeight = 8

// ============================================================================
// 钉住
// ============================================================================

// pinScope 单条指令内的钉住范围
type pinScope struct {
	c    *Compiler
	prev types.RegList
}

// pinScope 打开钉住范围，调用方 defer Release
func (c *Compiler) pinScope() *pinScope {
	return &pinScope{c: c, prev: c.pinned}
}

// Pin 钉住寄存器并原样返回
func (p *pinScope) Pin(r types.Reg) types.Reg {
	p.c.pinned = p.c.pinned.Set(r)
	return r
}

// Release 恢复进入范围前的钉住集合
func (p *pinScope) Release() {
	p.c.pinned = p.prev
}

// ============================================================================
// 分配
// ============================================================================

// getUnusedRegister 取一个空闲的缓存寄存器，必要时溢出
//
// 回退时返回 false。
func (c *Compiler) getUnusedRegister() (types.Reg, bool) {
	free := c.regs.Cache &^ c.state.UsedRegisters() &^ c.pinned
	if r := free.First(); r != types.RegNone {
		return r, true
	}
	return c.spillOneRegister()
}

// spillOneRegister 溢出从栈底数第一个未被钉住的寄存器
func (c *Compiler) spillOneRegister() (types.Reg, bool) {
	for _, slot := range c.state.Slots {
		if slot.IsReg() && !c.pinned.Has(slot.Reg) {
			r := slot.Reg
			c.state.SpillRegister(c.asm, r)
			return r, true
		}
	}
	c.bailout(BailoutOutOfRegisters, "out of registers")
	return types.RegNone, false
}

// binaryOpTarget 选择二元运算的目标寄存器
//
// 操作数已弹出：不再被引用的操作数寄存器可以直接作为目标。
func (c *Compiler) binaryOpTarget(lhs, rhs types.Reg) (types.Reg, bool) {
	if c.state.IsFree(lhs) {
		return lhs, true
	}
	if c.state.IsFree(rhs) {
		return rhs, true
	}
	return c.getUnusedRegister()
}

// popToRegister 弹出栈顶并保证其在寄存器中
func (c *Compiler) popToRegister() (types.Reg, bool) {
	slot := c.state.Pop()
	switch slot.Loc {
	case LocRegister:
		return slot.Reg, true
	case LocConstant:
		r, ok := c.getUnusedRegister()
		if !ok {
			return types.RegNone, false
		}
		c.asm.LoadConstant(r, slot.I32)
		return r, true
	default:
		// 弹出后的栈高度就是该值的栈帧槽位
		idx := c.state.Height()
		r, ok := c.getUnusedRegister()
		if !ok {
			return types.RegNone, false
		}
		c.asm.Fill(r, idx)
		return r, true
	}
}

// ============================================================================
// 压栈
// ============================================================================

func (c *Compiler) pushRegister(r types.Reg) bool {
	c.state.PushRegister(r)
	return c.checkStackHeight()
}

func (c *Compiler) pushConstant(v int32) bool {
	c.state.PushConstant(v)
	return c.checkStackHeight()
}

func (c *Compiler) checkStackHeight() bool {
	if c.state.Height()-c.numLocals > MaxValueStackHeight {
		c.bailout(BailoutStackTooDeep, "value stack grows too large")
		return false
	}
	return true
}
