package jit

import (
	"errors"
	"fmt"
)

// ============================================================================
// 回退
// ============================================================================

// BailoutKind 回退原因分类
type BailoutKind uint8

const (
	BailoutNone            BailoutKind = iota
	BailoutUnsupportedOp               // 不支持的操作
	BailoutStackTooDeep                // 值栈超过 MaxValueStackHeight
	BailoutOutOfRegisters              // 没有可溢出的寄存器
	BailoutUnsupportedType             // 不支持的值类型
	BailoutPlatform                    // 不支持的目标平台
)

var bailoutKindNames = [...]string{
	"none", "unsupported operation", "stack too deep",
	"out of registers", "unsupported type", "unsupported platform",
}

func (k BailoutKind) String() string {
	if int(k) < len(bailoutKindNames) {
		return bailoutKindNames[k]
	}
	return fmt.Sprintf("bailout(%d)", k)
}

// Phase 单个函数编译的阶段
type Phase uint8

const (
	PhaseStart     Phase = iota // 尚未处理任何指令
	PhaseCompiling              // 逐条指令生成中
	PhaseFinished               // 正常完成
	PhaseBailedOut              // 已回退，终态
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseCompiling:
		return "compiling"
	case PhaseFinished:
		return "finished"
	case PhaseBailedOut:
		return "bailed-out"
	default:
		return "phase(?)"
	}
}

// DiagnosticsSink 回退原因的接收者
type DiagnosticsSink interface {
	Report(reason string)
}

// offsetReporter 可以额外接收字节码偏移的接收者
type offsetReporter interface {
	ReportAt(offset int, reason string)
}

// bailout 放弃编译当前函数
//
// 绑定所有尚未绑定的标签后编译器变为空操作，重复调用无效果。
func (c *Compiler) bailout(kind BailoutKind, reason string) {
	if c.phase == PhaseBailedOut || c.phase == PhaseFinished {
		return
	}
	c.phase = PhaseBailedOut
	c.kind = kind
	c.reason = reason

	if c.sink != nil {
		if r, ok := c.sink.(offsetReporter); ok && c.offset >= 0 {
			r.ReportAt(c.offset, reason)
		} else {
			c.sink.Report(reason)
		}
	}
	c.bindAllLabels()
}

// abandon 在解码错误或不变量被破坏后终止，不向接收者报告
func (c *Compiler) abandon(reason string) {
	if c.phase == PhaseBailedOut {
		return
	}
	c.phase = PhaseBailedOut
	c.reason = reason
	c.bindAllLabels()
}

// bindAllLabels 把所有控制结构及内部标签绑定到当前位置
func (c *Compiler) bindAllLabels() {
	for _, ctl := range c.controls {
		ctl.Label.forceBind(c.asm)
		ctl.ElseLabel.forceBind(c.asm)
	}
	for _, l := range c.labels {
		l.forceBind(c.asm)
	}
}

// ============================================================================
// 不变量
// ============================================================================

// ErrInvariant 编译器内部不变量被破坏
var ErrInvariant = errors.New("jit invariant violated")

// InvariantError 不变量错误
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Msg
}

// Unwrap 使 errors.Is(err, ErrInvariant) 成立
func (e *InvariantError) Unwrap() error { return ErrInvariant }

// invariantf 以 *InvariantError 触发 panic，由 Compile 恢复
func invariantf(format string, args ...interface{}) {
	panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
}
