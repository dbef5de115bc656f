// Package types 定义 JIT 与后端共享的类型，用于避免循环导入
package types

import (
	"fmt"
	"math/bits"
	"strings"
)

// ============================================================================
// 寄存器
// ============================================================================

// MaxRegisters 寄存器表容量
const MaxRegisters = 32

// Reg 寄存器编号，是后端寄存器表中的下标而不是机器编码
type Reg int8

// RegNone 无寄存器
const RegNone Reg = -1

// Valid 是否为有效寄存器编号
func (r Reg) Valid() bool {
	return r >= 0 && r < MaxRegisters
}

// RegList 寄存器集合（位图）
type RegList uint32

// RegListOf 由寄存器构造集合
func RegListOf(regs ...Reg) RegList {
	var l RegList
	for _, r := range regs {
		l = l.Set(r)
	}
	return l
}

// Has 是否包含寄存器
func (l RegList) Has(r Reg) bool {
	return r.Valid() && l&(1<<uint(r)) != 0
}

// Set 加入寄存器
func (l RegList) Set(r Reg) RegList {
	if !r.Valid() {
		return l
	}
	return l | 1<<uint(r)
}

// Clear 移除寄存器
func (l RegList) Clear(r Reg) RegList {
	if !r.Valid() {
		return l
	}
	return l &^ (1 << uint(r))
}

// Len 集合大小
func (l RegList) Len() int {
	return bits.OnesCount32(uint32(l))
}

// Empty 是否为空
func (l RegList) Empty() bool {
	return l == 0
}

// First 编号最小的寄存器，空集合返回 RegNone
func (l RegList) First() Reg {
	if l == 0 {
		return RegNone
	}
	return Reg(bits.TrailingZeros32(uint32(l)))
}

// Regs 按编号升序列出寄存器
func (l RegList) Regs() []Reg {
	regs := make([]Reg, 0, l.Len())
	for rest := l; rest != 0; rest &= rest - 1 {
		regs = append(regs, Reg(bits.TrailingZeros32(uint32(rest))))
	}
	return regs
}

// RegisterFile 后端寄存器表描述
type RegisterFile struct {
	Names  []string // 下标即 Reg
	Cache  RegList  // 可分配给值栈与局部变量的缓存寄存器
	Temp   Reg      // 合并时打破循环移动的保留寄存器，不在 Cache 中
	Return Reg      // 返回值寄存器
}

// Name 返回寄存器名
func (f *RegisterFile) Name(r Reg) string {
	if r >= 0 && int(r) < len(f.Names) {
		return f.Names[r]
	}
	return fmt.Sprintf("r%d", r)
}

// Format 格式化寄存器集合
func (f *RegisterFile) Format(l RegList) string {
	regs := l.Regs()
	names := make([]string, len(regs))
	for i, r := range regs {
		names[i] = f.Name(r)
	}
	return "{" + strings.Join(names, ", ") + "}"
}

// ============================================================================
// 调用约定
// ============================================================================

// ParamLocation 参数入口位置
type ParamLocation struct {
	InRegister bool
	Reg        Reg // InRegister 时有效
	Slot       int // 调用者栈帧中的槽位，从 0 开始
}

// CallingConvention 函数入口处各参数的位置
type CallingConvention struct {
	Params []ParamLocation
}

// ============================================================================
// 运算
// ============================================================================

// BinOp 二元整数运算
type BinOp uint8

const (
	BinAdd BinOp = iota
	BinSub
	BinMul
	BinAnd
	BinOr
	BinXor
)

var binOpNames = [...]string{"add", "sub", "mul", "and", "or", "xor"}

func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return fmt.Sprintf("binop(%d)", op)
}

// Commutative 操作数是否可交换
func (op BinOp) Commutative() bool {
	return op != BinSub
}

// Cond 比较条件
type Cond uint8

const (
	CondEq Cond = iota
	CondNe
	CondLtS
	CondLtU
	CondGtS
	CondGtU
	CondLeS
	CondLeU
	CondGeS
	CondGeU
)

var condNames = [...]string{"eq", "ne", "lt_s", "lt_u", "gt_s", "gt_u", "le_s", "le_u", "ge_s", "ge_u"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", c)
}

// ============================================================================
// 编译产物
// ============================================================================

// LabelID 后端标签编号
type LabelID int

// Code 一个函数的机器码
type Code struct {
	Arch       string
	Bytes      []byte
	FrameSlots int      // 栈帧中预留的 8 字节槽位数
	Listing    []string // 汇编清单，每条指令一行
}
