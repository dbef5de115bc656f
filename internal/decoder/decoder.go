// Package decoder 校验字节码函数体并以推送方式驱动访问者
//
// 解码器维护操作数类型栈与控制栈，按程序顺序为每条指令
// 以及每个控制结构的进入/退出向访问者发送一个事件。
// 不可达代码仍然被校验，但不产生回调。
package decoder

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/lift/internal/bytecode"
)

// ErrInvalid 字节码校验失败
var ErrInvalid = errors.New("invalid bytecode")

// Error 带偏移的校验错误
type Error struct {
	Offset int
	Msg    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid bytecode at offset %d: %s", e.Offset, e.Msg)
}

// Unwrap 使 errors.Is(err, ErrInvalid) 成立
func (e *Error) Unwrap() error { return ErrInvalid }

// Visitor 解码事件的接收者
type Visitor interface {
	StartFunction(d *Decoder)
	StartFunctionBody(d *Decoder, fn *Control)
	Visit(d *Decoder, ev Event)
	FinishFunction(d *Decoder)
	OnFirstError(d *Decoder)

	// OK 返回 false 时解码器放弃后续指令
	OK() bool
}

// Decoder 函数体解码器
type Decoder struct {
	body     *bytecode.Body
	r        *bytecode.Reader
	locals   []bytecode.ValueType
	stack    []bytecode.ValueType
	controls []*Control
	offset   int
	err      error
}

// New 创建解码器
func New(body *bytecode.Body) *Decoder {
	return &Decoder{
		body: body,
		r:    bytecode.NewReader(body.Code),
	}
}

// Decode 解码 body 并驱动访问者
func Decode(body *bytecode.Body, v Visitor) error {
	return New(body).Decode(v)
}

// Validate 只做校验，不生成任何东西
func Validate(body *bytecode.Body) error {
	return Decode(body, validator{})
}

// ============================================================================
// 查询
// ============================================================================

// Body 被解码的函数
func (d *Decoder) Body() *bytecode.Body { return d.body }

// Sig 函数签名
func (d *Decoder) Sig() bytecode.Signature { return d.body.Sig }

// NumLocals 参数与局部变量总数
func (d *Decoder) NumLocals() int { return len(d.locals) }

// LocalType 第 i 个局部变量的类型
func (d *Decoder) LocalType(i int) bytecode.ValueType {
	if i < 0 || i >= len(d.locals) {
		return bytecode.TypeUnknown
	}
	return d.locals[i]
}

// ControlDepth 控制栈深度
func (d *Decoder) ControlDepth() int { return len(d.controls) }

// ControlAt 按深度取控制结构，0 为最内层
func (d *Decoder) ControlAt(depth int) *Control {
	return d.controls[len(d.controls)-1-depth]
}

// Offset 当前指令的偏移
func (d *Decoder) Offset() int { return d.offset }

// Err 第一个校验错误
func (d *Decoder) Err() error { return d.err }

// ============================================================================
// 主循环
// ============================================================================

// Decode 解码并驱动访问者
//
// 访问者中途 OK() 变为 false 时立即返回 nil，结果由访问者自己报告。
func (d *Decoder) Decode(v Visitor) error {
	if err := d.initLocals(); err != nil {
		return d.fail(v, err)
	}

	v.StartFunction(d)
	if !v.OK() {
		return nil
	}

	results := d.body.Sig.Results
	fn := &Control{
		Kind:      KindFunction,
		Reachable: true,
		EndMerge:  Merge{Arity: len(results), Types: results},
	}
	d.controls = append(d.controls, fn)
	v.StartFunctionBody(d, fn)

	for len(d.controls) > 0 {
		if !v.OK() {
			return nil
		}
		if d.r.EOF() {
			d.offset = d.r.Pos()
			return d.fail(v, d.errorf("function body must end with end"))
		}
		in, err := d.r.Next()
		d.offset = in.Offset
		if err != nil {
			return d.fail(v, d.errorf("%v", err))
		}
		if err := d.step(v, in); err != nil {
			return d.fail(v, err)
		}
	}
	if !d.r.EOF() {
		d.offset = d.r.Pos()
		return d.fail(v, d.errorf("trailing code after function end"))
	}
	if !v.OK() {
		return nil
	}

	v.FinishFunction(d)
	return nil
}

func (d *Decoder) initLocals() error {
	n := d.body.NumLocals()
	if n > bytecode.MaxLocals {
		return d.errorf("too many locals: %d", n)
	}
	d.locals = make([]bytecode.ValueType, 0, n)
	for _, t := range d.body.Sig.Params {
		if !t.Valid() {
			return d.errorf("invalid param type %s", t)
		}
		d.locals = append(d.locals, t)
	}
	for _, decl := range d.body.Locals {
		if !decl.Type.Valid() {
			return d.errorf("invalid local type %s", decl.Type)
		}
		for i := uint32(0); i < decl.Count; i++ {
			d.locals = append(d.locals, decl.Type)
		}
	}
	for _, t := range d.body.Sig.Results {
		if !t.Valid() {
			return d.errorf("invalid result type %s", t)
		}
	}
	return nil
}

func (d *Decoder) fail(v Visitor, err error) error {
	if d.err == nil {
		d.err = err
		v.OnFirstError(d)
	}
	return err
}

func (d *Decoder) errorf(format string, args ...interface{}) error {
	return &Error{Offset: d.offset, Msg: fmt.Sprintf(format, args...)}
}

// ============================================================================
// 单条指令
// ============================================================================

func (d *Decoder) step(v Visitor, in bytecode.Instr) error {
	info, _ := in.Op.Info()
	c := d.current()
	reachable := c.CodeReachable()
	emit := func(ev Event) {
		if reachable {
			v.Visit(d, ev)
		}
	}

	switch info.Class {
	case bytecode.ClassConst:
		switch in.Op {
		case bytecode.OpI32Const:
			d.push(bytecode.I32)
			emit(I32Const{Value: in.I32})
		case bytecode.OpI64Const:
			d.push(bytecode.I64)
			emit(I64Const{Value: in.I64})
		case bytecode.OpF32Const:
			d.push(bytecode.F32)
			emit(F32Const{Bits: uint32(in.Bits)})
		case bytecode.OpF64Const:
			d.push(bytecode.F64)
			emit(F64Const{Bits: in.Bits})
		}

	case bytecode.ClassVariable:
		if int(in.Index) >= len(d.locals) {
			return d.errorf("invalid local index %d", in.Index)
		}
		t := d.locals[in.Index]
		switch in.Op {
		case bytecode.OpLocalGet:
			d.push(t)
			emit(LocalGet{Index: in.Index})
		case bytecode.OpLocalSet:
			if err := d.pop(t); err != nil {
				return err
			}
			emit(LocalSet{Index: in.Index})
		case bytecode.OpLocalTee:
			if err := d.pop(t); err != nil {
				return err
			}
			d.push(t)
			emit(LocalTee{Index: in.Index})
		}

	case bytecode.ClassNumeric:
		for i := len(info.Params) - 1; i >= 0; i-- {
			if err := d.pop(info.Params[i]); err != nil {
				return err
			}
		}
		d.push(info.Results[0])
		if len(info.Params) == 1 {
			emit(Unary{Op: in.Op, Type: info.Params[0], Result: info.Results[0]})
		} else {
			emit(Binary{Op: in.Op, Type: info.Params[0], Result: info.Results[0]})
		}

	case bytecode.ClassParametric:
		return d.parametric(in, emit)

	case bytecode.ClassModule:
		emit(Unsupported{Op: in.Op})
		if v.OK() {
			return d.errorf("%s requires module context", in.Op)
		}

	case bytecode.ClassControl:
		return d.control(v, in, emit)
	}
	return nil
}

func (d *Decoder) parametric(in bytecode.Instr, emit func(Event)) error {
	switch in.Op {
	case bytecode.OpDrop:
		t, err := d.popAny()
		if err != nil {
			return err
		}
		emit(Drop{Type: t})
	case bytecode.OpSelect:
		if err := d.pop(bytecode.I32); err != nil {
			return err
		}
		b, err := d.popAny()
		if err != nil {
			return err
		}
		a, err := d.popAny()
		if err != nil {
			return err
		}
		if a != bytecode.TypeUnknown && b != bytecode.TypeUnknown && a != b {
			return d.errorf("type mismatch in select: %s and %s", a, b)
		}
		if a == bytecode.TypeUnknown {
			a = b
		}
		d.push(a)
		emit(Select{})
	}
	return nil
}

// ============================================================================
// 控制流
// ============================================================================

func (d *Decoder) control(v Visitor, in bytecode.Instr, emit func(Event)) error {
	c := d.current()
	reachable := c.CodeReachable()

	switch in.Op {
	case bytecode.OpNop:
		emit(Nop{})

	case bytecode.OpUnreachable:
		emit(Unreachable{})
		d.setUnreachable()

	case bytecode.OpBlock, bytecode.OpLoop, bytecode.OpIf:
		results, err := d.blockType(in.BlockType)
		if err != nil {
			return err
		}
		if in.Op == bytecode.OpIf {
			if err := d.pop(bytecode.I32); err != nil {
				return err
			}
		}
		ctrl := &Control{
			Offset:     in.Offset,
			StackDepth: len(d.stack),
			Reachable:  reachable,
			EndMerge:   Merge{Arity: len(results), Types: results},
		}
		d.controls = append(d.controls, ctrl)
		switch in.Op {
		case bytecode.OpBlock:
			ctrl.Kind = KindBlock
			emit(Block{Control: ctrl})
		case bytecode.OpLoop:
			ctrl.Kind = KindLoop
			ctrl.StartMerge.Reached = true
			emit(Loop{Control: ctrl})
		default:
			ctrl.Kind = KindIf
			emit(If{Control: ctrl})
		}

	case bytecode.OpElse:
		if c.Kind != KindIf {
			return d.errorf("else without matching if")
		}
		if err := d.typeCheckFallThru(c); err != nil {
			return err
		}
		d.enterElse(v, c)

	case bytecode.OpEnd:
		return d.end(v, c)

	case bytecode.OpBr:
		target, err := d.branchTarget(in.Index)
		if err != nil {
			return err
		}
		if err := d.typeCheckBranch(target.BrMerge()); err != nil {
			return err
		}
		emit(Br{Depth: in.Index, Target: target})
		if reachable {
			target.BrMerge().Reached = true
		}
		d.setUnreachable()

	case bytecode.OpBrIf:
		if err := d.pop(bytecode.I32); err != nil {
			return err
		}
		target, err := d.branchTarget(in.Index)
		if err != nil {
			return err
		}
		if err := d.typeCheckBranch(target.BrMerge()); err != nil {
			return err
		}
		emit(BrIf{Depth: in.Index, Target: target})
		if reachable {
			target.BrMerge().Reached = true
		}

	case bytecode.OpBrTable:
		if err := d.pop(bytecode.I32); err != nil {
			return err
		}
		def, err := d.branchTarget(in.Default)
		if err != nil {
			return err
		}
		arity := def.BrMerge().Arity
		targets := []*Control{def}
		for _, depth := range in.Targets {
			t, err := d.branchTarget(depth)
			if err != nil {
				return err
			}
			if t.BrMerge().Arity != arity {
				return d.errorf("inconsistent arity in br_table target %d", depth)
			}
			if err := d.typeCheckBranch(t.BrMerge()); err != nil {
				return err
			}
			targets = append(targets, t)
		}
		if err := d.typeCheckBranch(def.BrMerge()); err != nil {
			return err
		}
		emit(BrTable{Targets: in.Targets, Default: in.Default})
		if reachable {
			for _, t := range targets {
				t.BrMerge().Reached = true
			}
		}
		d.setUnreachable()

	case bytecode.OpReturn:
		fn := d.controls[0]
		if err := d.typeCheckBranch(&fn.EndMerge); err != nil {
			return err
		}
		emit(Return{Types: fn.EndMerge.Types})
		d.setUnreachable()

	default:
		return d.errorf("unexpected control opcode %s", in.Op)
	}
	return nil
}

// enterElse 结束 then 分支并进入 else 分支
func (d *Decoder) enterElse(v Visitor, c *Control) {
	fellThrough := c.CodeReachable()
	if c.Reachable {
		v.Visit(d, Else{Control: c, FellThrough: fellThrough})
	}
	if fellThrough {
		c.EndMerge.Reached = true
	}
	c.Kind = KindIfElse
	c.Unreachable = false
	d.stack = d.stack[:c.StackDepth]
}

func (d *Decoder) end(v Visitor, c *Control) error {
	if c.Kind == KindIf {
		// 没有 else 的 if 视为带一个空 else 分支
		if c.EndMerge.Arity != 0 {
			return d.errorf("if without else must not produce values")
		}
		if err := d.typeCheckFallThru(c); err != nil {
			return err
		}
		d.enterElse(v, c)
	}
	if err := d.typeCheckFallThru(c); err != nil {
		return err
	}

	if c.CodeReachable() {
		if !c.IsLoop() {
			v.Visit(d, FallThru{Control: c})
		}
		c.EndMerge.Reached = true
	}

	if c.Kind == KindFunction {
		if c.EndMerge.Reached {
			v.Visit(d, Return{Types: c.EndMerge.Types, Implicit: true})
		}
		v.Visit(d, PopControl{Control: c})
		d.controls = d.controls[:0]
		d.stack = d.stack[:0]
		return nil
	}

	if c.Reachable {
		v.Visit(d, PopControl{Control: c})
	}
	d.controls = d.controls[:len(d.controls)-1]
	d.stack = append(d.stack[:c.StackDepth], c.EndMerge.Types...)

	parent := d.current()
	parent.Unreachable = !c.EndMerge.Reached
	return nil
}

func (d *Decoder) blockType(bt byte) ([]bytecode.ValueType, error) {
	if bt == bytecode.BlockTypeEmpty {
		return nil, nil
	}
	t := bytecode.ValueType(bt)
	if !t.Valid() {
		return nil, d.errorf("invalid block type 0x%02x", bt)
	}
	return []bytecode.ValueType{t}, nil
}

func (d *Decoder) branchTarget(depth uint32) (*Control, error) {
	if int(depth) >= len(d.controls) {
		return nil, d.errorf("invalid branch depth %d", depth)
	}
	return d.ControlAt(int(depth)), nil
}

func (d *Decoder) setUnreachable() {
	c := d.current()
	c.Unreachable = true
	d.stack = d.stack[:c.StackDepth]
}

// ============================================================================
// 类型栈
// ============================================================================

func (d *Decoder) current() *Control {
	return d.controls[len(d.controls)-1]
}

func (d *Decoder) push(t bytecode.ValueType) {
	d.stack = append(d.stack, t)
}

// popAny 弹出任意类型，不可达代码中栈底以下视为多态
func (d *Decoder) popAny() (bytecode.ValueType, error) {
	c := d.current()
	if len(d.stack) == c.StackDepth {
		if c.Unreachable {
			return bytecode.TypeUnknown, nil
		}
		return bytecode.TypeUnknown, d.errorf("stack underflow")
	}
	t := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return t, nil
}

func (d *Decoder) pop(expected bytecode.ValueType) error {
	t, err := d.popAny()
	if err != nil {
		return err
	}
	if t != bytecode.TypeUnknown && t != expected {
		return d.errorf("type mismatch: expected %s, got %s", expected, t)
	}
	return nil
}

// typeCheckBranch 检查栈顶与汇合点类型一致，不改变栈
func (d *Decoder) typeCheckBranch(m *Merge) error {
	c := d.current()
	avail := len(d.stack) - c.StackDepth
	if avail < m.Arity && !c.Unreachable {
		return d.errorf("expected %d values for branch, got %d", m.Arity, avail)
	}
	for i := 0; i < m.Arity; i++ {
		pos := len(d.stack) - m.Arity + i
		if pos < c.StackDepth {
			continue
		}
		if t := d.stack[pos]; t != bytecode.TypeUnknown && t != m.Types[i] {
			return d.errorf("type mismatch in branch: expected %s, got %s", m.Types[i], t)
		}
	}
	return nil
}

// typeCheckFallThru 检查顺序执行到末尾时栈恰好是结果类型
func (d *Decoder) typeCheckFallThru(c *Control) error {
	avail := len(d.stack) - c.StackDepth
	if avail > c.EndMerge.Arity || (avail < c.EndMerge.Arity && !c.Unreachable) {
		return d.errorf("expected %d values at end of %s, got %d", c.EndMerge.Arity, c.Kind, avail)
	}
	return d.typeCheckBranch(&c.EndMerge)
}

// ============================================================================
// 校验访问者
// ============================================================================

type validator struct{}

func (validator) StartFunction(*Decoder)               {}
func (validator) StartFunctionBody(*Decoder, *Control) {}
func (validator) Visit(*Decoder, Event)                {}
func (validator) FinishFunction(*Decoder)              {}
func (validator) OnFirstError(*Decoder)                {}
func (validator) OK() bool                             { return true }
