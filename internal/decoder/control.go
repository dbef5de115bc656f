package decoder

import "github.com/tangzhangming/lift/internal/bytecode"

// ControlKind 控制结构种类
type ControlKind uint8

const (
	KindFunction ControlKind = iota // 函数体
	KindBlock
	KindLoop
	KindIf     // 尚未见到 else 的 if
	KindIfElse // 已进入 else 分支
)

var controlKindNames = [...]string{"function", "block", "loop", "if", "if-else"}

func (k ControlKind) String() string {
	if int(k) < len(controlKindNames) {
		return controlKindNames[k]
	}
	return "control(?)"
}

// Merge 控制流汇合点
type Merge struct {
	Arity   int
	Types   []bytecode.ValueType
	Reached bool // 是否已有前驱到达
}

// Control 一个活动的控制结构
type Control struct {
	Kind   ControlKind
	Offset int // 起始指令偏移

	// StackDepth 进入时的操作数栈高度，不含局部变量
	StackDepth int

	// Reachable 进入时是否可达；不可达进入的结构内部不产生回调
	Reachable bool

	// Unreachable 结构内的当前代码是否因 br/return/unreachable 变为不可达
	Unreachable bool

	StartMerge Merge // 循环头
	EndMerge   Merge // 结构末尾
}

// IsLoop 是否为循环
func (c *Control) IsLoop() bool { return c.Kind == KindLoop }

// IsIf 是否为 if (含 else 分支)
func (c *Control) IsIf() bool { return c.Kind == KindIf || c.Kind == KindIfElse }

// BrMerge 分支到该结构时的汇合点：循环跳回头部，其余跳到末尾
func (c *Control) BrMerge() *Merge {
	if c.IsLoop() {
		return &c.StartMerge
	}
	return &c.EndMerge
}

// CodeReachable 结构内当前代码是否可达
func (c *Control) CodeReachable() bool {
	return c.Reachable && !c.Unreachable
}
