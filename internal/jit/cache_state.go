// cache_state.go - 值位置缓存状态
//
// CacheState 记录每个局部变量与操作数栈槽位当前的物理位置：
// 寄存器、32 位常量或栈帧中的溢出槽。局部变量是下标最小的槽位，
// 操作数栈接在其后。第 i 个槽位溢出时固定写入栈帧第 i 个 8 字节槽。
//
// 寄存器使用计数表以寄存器编号为下标，计数等于引用该寄存器的槽位数，
// Check 会验证这一点。

package jit

import (
	"fmt"
	"strings"

	"github.com/tangzhangming/lift/internal/jit/types"
)

// ============================================================================
// 栈槽
// ============================================================================

// Location 槽位所在位置
type Location uint8

const (
	LocSpilled  Location = iota // 在栈帧槽中
	LocRegister                 // 在寄存器中
	LocConstant                 // 常量，尚未物化
)

func (l Location) String() string {
	switch l {
	case LocSpilled:
		return "spilled"
	case LocRegister:
		return "register"
	case LocConstant:
		return "constant"
	default:
		return "location(?)"
	}
}

// StackSlot 局部变量或操作数栈的一个槽位
type StackSlot struct {
	Loc Location
	Reg types.Reg // LocRegister
	I32 int32     // LocConstant
}

// spilledSlot 溢出槽
func spilledSlot() StackSlot {
	return StackSlot{Loc: LocSpilled, Reg: types.RegNone}
}

// registerSlot 寄存器槽
func registerSlot(r types.Reg) StackSlot {
	return StackSlot{Loc: LocRegister, Reg: r}
}

// constantSlot 常量槽
func constantSlot(v int32) StackSlot {
	return StackSlot{Loc: LocConstant, Reg: types.RegNone, I32: v}
}

// IsReg 是否在寄存器中
func (s StackSlot) IsReg() bool { return s.Loc == LocRegister }

// IsConst 是否为常量
func (s StackSlot) IsConst() bool { return s.Loc == LocConstant }

// IsSpilled 是否已溢出
func (s StackSlot) IsSpilled() bool { return s.Loc == LocSpilled }

func (s StackSlot) String() string {
	switch s.Loc {
	case LocRegister:
		return fmt.Sprintf("r%d", s.Reg)
	case LocConstant:
		return fmt.Sprintf("#%d", s.I32)
	default:
		return "s"
	}
}

// ============================================================================
// 缓存状态
// ============================================================================

// CacheState 槽位到物理位置的映射
type CacheState struct {
	Slots []StackSlot
	used  [types.MaxRegisters]uint32
}

// NewCacheState 创建空状态
func NewCacheState() *CacheState {
	return &CacheState{}
}

// Height 槽位总数，包括局部变量
func (s *CacheState) Height() int {
	return len(s.Slots)
}

// PushRegister 压入寄存器值
func (s *CacheState) PushRegister(r types.Reg) {
	s.IncUsed(r)
	s.Slots = append(s.Slots, registerSlot(r))
}

// PushConstant 压入常量
func (s *CacheState) PushConstant(v int32) {
	s.Slots = append(s.Slots, constantSlot(v))
}

// PushSpilled 压入已在栈帧中的值
func (s *CacheState) PushSpilled() {
	s.Slots = append(s.Slots, spilledSlot())
}

// Pop 弹出栈顶并返回其位置
func (s *CacheState) Pop() StackSlot {
	if len(s.Slots) == 0 {
		invariantf("pop from empty cache state")
	}
	top := s.Slots[len(s.Slots)-1]
	s.Slots = s.Slots[:len(s.Slots)-1]
	if top.IsReg() {
		s.DecUsed(top.Reg)
	}
	return top
}

// Peek 返回从栈顶数第 depth 个槽位，0 为栈顶
func (s *CacheState) Peek(depth int) StackSlot {
	return s.Slots[len(s.Slots)-1-depth]
}

// IncUsed 增加寄存器使用计数
func (s *CacheState) IncUsed(r types.Reg) {
	if !r.Valid() {
		invariantf("use of invalid register %d", r)
	}
	s.used[r]++
}

// DecUsed 减少寄存器使用计数
func (s *CacheState) DecUsed(r types.Reg) {
	if !r.Valid() || s.used[r] == 0 {
		invariantf("release of unused register %d", r)
	}
	s.used[r]--
}

// UseCount 寄存器使用计数
func (s *CacheState) UseCount(r types.Reg) int {
	if !r.Valid() {
		return 0
	}
	return int(s.used[r])
}

// IsFree 寄存器是否未被任何槽位引用
func (s *CacheState) IsFree(r types.Reg) bool {
	return s.UseCount(r) == 0
}

// UsedRegisters 当前被引用的寄存器集合
func (s *CacheState) UsedRegisters() types.RegList {
	var l types.RegList
	for r, n := range s.used {
		if n > 0 {
			l = l.Set(types.Reg(r))
		}
	}
	return l
}

// Steal 接管 other 的全部内容，other 随后为空
func (s *CacheState) Steal(other *CacheState) {
	s.Slots = other.Slots
	s.used = other.used
	other.Slots = nil
	other.used = [types.MaxRegisters]uint32{}
}

// Split 复制 other 的内容
func (s *CacheState) Split(other *CacheState) {
	s.Slots = append(s.Slots[:0:0], other.Slots...)
	s.used = other.used
}

// Clone 返回副本
func (s *CacheState) Clone() *CacheState {
	c := NewCacheState()
	c.Split(s)
	return c
}

// Equal 两个状态的槽位与计数是否完全一致
func (s *CacheState) Equal(other *CacheState) bool {
	if len(s.Slots) != len(other.Slots) || s.used != other.used {
		return false
	}
	for i := range s.Slots {
		if s.Slots[i] != other.Slots[i] {
			return false
		}
	}
	return true
}

// reset 置为 height 个溢出槽，清空计数
func (s *CacheState) reset(height int) {
	s.Slots = make([]StackSlot, height)
	for i := range s.Slots {
		s.Slots[i] = spilledSlot()
	}
	s.used = [types.MaxRegisters]uint32{}
}

// Check 验证使用计数与槽位内容一致
func (s *CacheState) Check() error {
	var counts [types.MaxRegisters]uint32
	for i, slot := range s.Slots {
		switch slot.Loc {
		case LocRegister:
			if !slot.Reg.Valid() {
				return &InvariantError{Msg: fmt.Sprintf("slot %d names invalid register %d", i, slot.Reg)}
			}
			counts[slot.Reg]++
		case LocSpilled, LocConstant:
		default:
			return &InvariantError{Msg: fmt.Sprintf("slot %d has unknown location %d", i, slot.Loc)}
		}
	}
	for r := range counts {
		if counts[r] != s.used[r] {
			return &InvariantError{Msg: fmt.Sprintf("register %d: use count %d, referenced by %d slots", r, s.used[r], counts[r])}
		}
	}
	return nil
}

// ============================================================================
// 溢出与填充
// ============================================================================

// Spill 把第 idx 个槽位写回栈帧并标记为溢出
func (s *CacheState) Spill(asm Assembler, idx int) {
	slot := s.Slots[idx]
	switch slot.Loc {
	case LocRegister:
		asm.Spill(idx, slot.Reg)
		s.DecUsed(slot.Reg)
	case LocConstant:
		asm.SpillConstant(idx, slot.I32)
	case LocSpilled:
		return
	}
	s.Slots[idx] = spilledSlot()
}

// Fill 把已溢出的第 idx 个槽位载入寄存器 r
func (s *CacheState) Fill(asm Assembler, r types.Reg, idx int) {
	if !s.Slots[idx].IsSpilled() {
		invariantf("fill of slot %d which is %s", idx, s.Slots[idx].Loc)
	}
	asm.Fill(r, idx)
	s.Slots[idx] = registerSlot(r)
	s.IncUsed(r)
}

// SpillLocals 溢出全部局部变量
func (s *CacheState) SpillLocals(asm Assembler, numLocals int) {
	for i := 0; i < numLocals; i++ {
		s.Spill(asm, i)
	}
}

// SpillRegister 溢出所有引用寄存器 r 的槽位
func (s *CacheState) SpillRegister(asm Assembler, r types.Reg) {
	for i, slot := range s.Slots {
		if slot.IsReg() && slot.Reg == r {
			s.Spill(asm, i)
		}
	}
}

// Format 用寄存器名格式化状态，局部变量与操作数栈以 | 分隔
func (s *CacheState) Format(regs *types.RegisterFile, numLocals int) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, slot := range s.Slots {
		if i == numLocals && i > 0 {
			sb.WriteString(" |")
		}
		if i > 0 {
			sb.WriteString(" ")
		}
		if slot.IsReg() && regs != nil {
			sb.WriteString(regs.Name(slot.Reg))
		} else {
			sb.WriteString(slot.String())
		}
	}
	sb.WriteString("]")
	return sb.String()
}
