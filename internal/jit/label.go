package jit

import "github.com/tangzhangming/lift/internal/jit/types"

// ============================================================================
// 标签
// ============================================================================

// labelState 标签状态：Unbound 或 Bound
type labelState interface {
	isLabelState()
}

// Unbound 未绑定的标签，Refs 为已发出的前向引用数
type Unbound struct {
	Refs int
}

// Bound 已绑定的标签，Pos 为后端给出的代码位置
type Bound struct {
	Pos int
}

func (Unbound) isLabelState() {}
func (Bound) isLabelState()   {}

// Label 只绑定一次、可在绑定前被引用的代码地址
type Label struct {
	ID    types.LabelID
	state labelState
}

func newLabel(id types.LabelID) *Label {
	return &Label{ID: id, state: Unbound{}}
}

// IsBound 是否已绑定
func (l *Label) IsBound() bool {
	_, ok := l.state.(Bound)
	return ok
}

// Dangling 是否被引用但尚未绑定
func (l *Label) Dangling() bool {
	u, ok := l.state.(Unbound)
	return ok && u.Refs > 0
}

// Pos 绑定位置，未绑定时返回 -1
func (l *Label) Pos() int {
	if b, ok := l.state.(Bound); ok {
		return b.Pos
	}
	return -1
}

// use 记录一次引用；向后引用已绑定的标签不改变状态
func (l *Label) use() {
	if u, ok := l.state.(Unbound); ok {
		l.state = Unbound{Refs: u.Refs + 1}
	}
}

// bind 在当前位置绑定，重复绑定属于编译器缺陷
func (l *Label) bind(asm Assembler) {
	if l.IsBound() {
		invariantf("label %d bound twice", l.ID)
	}
	l.state = Bound{Pos: asm.Bind(l.ID)}
}

// forceBind 未绑定则绑定，已绑定则什么也不做
func (l *Label) forceBind(asm Assembler) {
	if l == nil {
		return
	}
	switch l.state.(type) {
	case Unbound:
		l.state = Bound{Pos: asm.Bind(l.ID)}
	case Bound:
	}
}
