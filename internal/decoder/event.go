package decoder

import "github.com/tangzhangming/lift/internal/bytecode"

// ============================================================================
// 访问事件
// ============================================================================

// Event 解码器推送给访问者的事件
//
// 事件集合是封闭的：只有本包内的类型实现 Event，
// 访问者用类型开关穷举处理，未实现的情况走 Unsupported 分支。
type Event interface {
	isEvent()
}

// 常量
type (
	I32Const struct{ Value int32 }
	I64Const struct{ Value int64 }
	F32Const struct{ Bits uint32 }
	F64Const struct{ Bits uint64 }
)

// 局部变量与参数化指令
type (
	LocalGet struct{ Index uint32 }
	LocalSet struct{ Index uint32 }
	LocalTee struct{ Index uint32 }
	Drop     struct{ Type bytecode.ValueType }
	Nop      struct{}
	Select   struct{}
)

// Unary 单操作数数值运算
type Unary struct {
	Op     bytecode.OpCode
	Type   bytecode.ValueType // 操作数类型
	Result bytecode.ValueType
}

// Binary 双操作数数值运算
type Binary struct {
	Op     bytecode.OpCode
	Type   bytecode.ValueType // 操作数类型
	Result bytecode.ValueType
}

// 结构化控制流
type (
	Block struct{ Control *Control }
	Loop  struct{ Control *Control }
	If    struct{ Control *Control }

	// Else 进入 else 分支；FellThrough 表示 then 分支末尾可达
	Else struct {
		Control     *Control
		FellThrough bool
	}

	// FallThru 顺序执行到块的 end，不会对循环发出
	FallThru struct{ Control *Control }

	// PopControl 控制结构结束，只对可达进入的结构发出
	PopControl struct{ Control *Control }
)

// 分支与返回
type (
	Br struct {
		Depth  uint32
		Target *Control
	}

	BrIf struct {
		Depth  uint32
		Target *Control
	}

	BrTable struct {
		Targets []uint32
		Default uint32
	}

	// Return 返回；Implicit 为函数体 end 处的隐式返回
	Return struct {
		Types    []bytecode.ValueType
		Implicit bool
	}

	Unreachable struct{}
)

// Unsupported 需要模块上下文 (调用、内存、全局变量) 的指令
type Unsupported struct {
	Op bytecode.OpCode
}

func (I32Const) isEvent()    {}
func (I64Const) isEvent()    {}
func (F32Const) isEvent()    {}
func (F64Const) isEvent()    {}
func (LocalGet) isEvent()    {}
func (LocalSet) isEvent()    {}
func (LocalTee) isEvent()    {}
func (Drop) isEvent()        {}
func (Nop) isEvent()         {}
func (Select) isEvent()      {}
func (Unary) isEvent()       {}
func (Binary) isEvent()      {}
func (Block) isEvent()       {}
func (Loop) isEvent()        {}
func (If) isEvent()          {}
func (Else) isEvent()        {}
func (FallThru) isEvent()    {}
func (PopControl) isEvent()  {}
func (Br) isEvent()          {}
func (BrIf) isEvent()        {}
func (BrTable) isEvent()     {}
func (Return) isEvent()      {}
func (Unreachable) isEvent() {}
func (Unsupported) isEvent() {}

// Arity 返回值个数
func (r Return) Arity() int {
	return len(r.Types)
}
