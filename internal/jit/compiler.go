// compiler.go - 单遍基线编译器
//
// Compiler 实现 decoder.Visitor：解码器按程序顺序推送事件，
// Compiler 对每个事件立即发出机器码，同时维护 CacheState。
// 没有中间表示，也不会回头修改已发出的代码。
//
// 编译器自己的控制栈与解码器的控制栈平行：
// 解码器只对可达进入的控制结构发出 Block/Loop/If 与 PopControl，
// 而可达代码中所有外层结构都是可达进入的，因此两个栈的下标一致。

package jit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/lift/internal/bytecode"
	"github.com/tangzhangming/lift/internal/decoder"
	"github.com/tangzhangming/lift/internal/jit/types"
)

// Config 编译选项
type Config struct {
	// VerifyState 每个事件处理后检查 CacheState 与钉住集合
	VerifyState bool

	// Trace 以 debug 级别记录每个事件后的 CacheState
	Trace  bool
	Logger *zap.Logger
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{VerifyState: true}
}

// Control 编译器侧的控制结构
type Control struct {
	Label      *Label
	LabelState *CacheState
	StackBase  int // 进入时的 CacheState 高度，包含局部变量

	// 仅 if
	ElseLabel *Label
	ElseState *CacheState
}

// Compiler 单个函数的编译器
type Compiler struct {
	asm    Assembler
	regs   *types.RegisterFile
	cc     types.CallingConvention
	sink   DiagnosticsSink
	cfg    Config
	logger *zap.Logger

	state     *CacheState
	numLocals int
	controls  []*Control
	labels    []*Label
	pinned    types.RegList

	phase  Phase
	kind   BailoutKind
	reason string
	offset int
	code   *types.Code
	err    error
}

// NewCompiler 创建编译器
func NewCompiler(asm Assembler, cc types.CallingConvention, sink DiagnosticsSink, cfg Config) *Compiler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		asm:    asm,
		regs:   asm.RegisterFile(),
		cc:     cc,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		state:  NewCacheState(),
		offset: -1,
	}
}

// ============================================================================
// 状态查询
// ============================================================================

// OK 是否仍在正常编译
func (c *Compiler) OK() bool {
	return c.phase != PhaseBailedOut
}

// Phase 当前阶段
func (c *Compiler) Phase() Phase { return c.phase }

// State 当前 CacheState
func (c *Compiler) State() *CacheState { return c.state }

// NumLocals 参数与局部变量总数
func (c *Compiler) NumLocals() int { return c.numLocals }

// Reason 回退原因
func (c *Compiler) Reason() string { return c.reason }

// Kind 回退分类
func (c *Compiler) Kind() BailoutKind { return c.kind }

// Code 完成后的机器码
func (c *Compiler) Code() *types.Code { return c.code }

// ============================================================================
// 函数入口与出口
// ============================================================================

// StartFunction 检查平台与类型，建立栈帧并放置参数
func (c *Compiler) StartFunction(d *decoder.Decoder) {
	if !c.asm.Supported() {
		c.bailout(BailoutPlatform, "platform")
		return
	}
	sig := d.Sig()
	if len(sig.Results) > 1 {
		c.bailout(BailoutUnsupportedType, "multi-value return")
		return
	}
	if len(sig.Results) == 1 && sig.Results[0] != bytecode.I32 {
		c.bailout(BailoutUnsupportedType, "non-i32 return")
		return
	}
	c.numLocals = d.NumLocals()
	for i := 0; i < c.numLocals; i++ {
		if d.LocalType(i) != bytecode.I32 {
			c.bailout(BailoutUnsupportedType, "non-i32 param/local")
			return
		}
	}
	numParams := len(sig.Params)
	if len(c.cc.Params) != numParams {
		invariantf("calling convention describes %d params, signature has %d", len(c.cc.Params), numParams)
	}

	c.phase = PhaseCompiling
	c.asm.EnterFrame(c.numLocals + MaxValueStackHeight)
	if !c.placeParams() {
		return
	}
	for i := numParams; i < c.numLocals; i++ {
		c.state.PushConstant(0)
	}
	c.verify()
}

// placeParams 参数作为最前面的局部变量：缓存寄存器中的参数原地使用，
// 其他寄存器中的参数写入栈帧，栈上参数载入新寄存器
func (c *Compiler) placeParams() bool {
	// 寄存器参数在读取栈上参数期间不能被分配出去
	pins := c.pinScope()
	defer pins.Release()
	for _, p := range c.cc.Params {
		if p.InRegister {
			pins.Pin(p.Reg)
		}
	}
	for i, p := range c.cc.Params {
		switch {
		case p.InRegister && c.regs.Cache.Has(p.Reg):
			c.state.PushRegister(p.Reg)
		case p.InRegister:
			c.asm.Spill(i, p.Reg)
			c.state.PushSpilled()
		default:
			r, ok := c.getUnusedRegister()
			if !ok {
				return false
			}
			c.asm.LoadCallerFrameSlot(r, p.Slot)
			c.state.PushRegister(r)
		}
	}
	return true
}

// StartFunctionBody 压入函数体控制结构
func (c *Compiler) StartFunctionBody(d *decoder.Decoder, fn *decoder.Control) {
	if !c.OK() {
		return
	}
	c.controls = append(c.controls, &Control{
		Label:      c.newLabel(),
		LabelState: NewCacheState(),
		StackBase:  c.numLocals,
	})
}

// FinishFunction 检查标签并汇编
func (c *Compiler) FinishFunction(d *decoder.Decoder) {
	if !c.OK() {
		return
	}
	if len(c.controls) != 0 {
		invariantf("%d control(s) left open at function end", len(c.controls))
	}
	for _, l := range c.labels {
		if !l.IsBound() {
			invariantf("label %d referenced but never bound", l.ID)
		}
	}
	code, err := c.asm.Finish()
	if err != nil {
		c.err = fmt.Errorf("assemble: %w", err)
		c.abandon(err.Error())
		return
	}
	c.code = code
	c.phase = PhaseFinished
}

// OnFirstError 解码失败，放弃编译
func (c *Compiler) OnFirstError(d *decoder.Decoder) {
	reason := "invalid bytecode"
	if err := d.Err(); err != nil {
		reason = err.Error()
	}
	c.abandon(reason)
}

// ============================================================================
// 事件分发
// ============================================================================

// Visit 处理一个解码事件
func (c *Compiler) Visit(d *decoder.Decoder, ev decoder.Event) {
	if !c.OK() {
		return
	}
	c.offset = d.Offset()

	switch e := ev.(type) {
	case decoder.I32Const:
		c.pushConstant(e.Value)
	case decoder.I64Const:
		c.bailout(BailoutUnsupportedType, "i64 constant")
	case decoder.F32Const:
		c.bailout(BailoutUnsupportedType, "f32 constant")
	case decoder.F64Const:
		c.bailout(BailoutUnsupportedType, "f64 constant")

	case decoder.LocalGet:
		c.localGet(int(e.Index))
	case decoder.LocalSet:
		c.setLocal(int(e.Index), false)
	case decoder.LocalTee:
		c.setLocal(int(e.Index), true)
	case decoder.Drop:
		c.state.Pop()
	case decoder.Nop:

	case decoder.Unary:
		c.unary(e)
	case decoder.Binary:
		c.binary(e)

	case decoder.Block:
		c.block()
	case decoder.Loop:
		c.loop()
	case decoder.If:
		c.ifThen()
	case decoder.Else:
		c.elseBranch(d, e)
	case decoder.FallThru:
		c.fallThru(d, e.Control)
	case decoder.PopControl:
		c.popControl(d, e.Control)

	case decoder.Br:
		c.br(d, int(e.Depth), e.Target)
	case decoder.BrIf:
		c.brIf(d, int(e.Depth), e.Target)
	case decoder.Return:
		c.doReturn(e)
	case decoder.Unreachable:
		c.asm.Trap()

	case decoder.Select:
		c.bailout(BailoutUnsupportedOp, "select")
	case decoder.BrTable:
		c.bailout(BailoutUnsupportedOp, "br_table")
	case decoder.Unsupported:
		c.bailout(BailoutUnsupportedOp, e.Op.String())
	default:
		invariantf("unhandled event %T", ev)
	}

	if c.OK() {
		c.verify()
	}
}

// verify 检查每个事件之后必须成立的性质
func (c *Compiler) verify() {
	if c.cfg.Trace {
		c.logger.Debug("cache state",
			zap.Int("offset", c.offset),
			zap.String("state", c.state.Format(c.regs, c.numLocals)))
	}
	if !c.cfg.VerifyState {
		return
	}
	if c.pinned != 0 {
		invariantf("registers %s still pinned", c.regs.Format(c.pinned))
	}
	if c.state.Height() < c.numLocals {
		invariantf("cache state height %d below %d locals", c.state.Height(), c.numLocals)
	}
	if err := c.state.Check(); err != nil {
		panic(err)
	}
}

func (c *Compiler) newLabel() *Label {
	l := newLabel(c.asm.NewLabel())
	c.labels = append(c.labels, l)
	return l
}

func (c *Compiler) jump(l *Label) {
	l.use()
	c.asm.Jump(l.ID)
}

func (c *Compiler) jumpIfZero(r types.Reg, l *Label) {
	l.use()
	c.asm.JumpIfZero(r, l.ID)
}

// control 按深度取编译器侧控制结构，0 为最内层
func (c *Compiler) control(d *decoder.Decoder, depth int) *Control {
	if len(c.controls) != d.ControlDepth() {
		invariantf("control stack has %d entries, decoder has %d", len(c.controls), d.ControlDepth())
	}
	return c.controls[len(c.controls)-1-depth]
}

// ============================================================================
// 局部变量
// ============================================================================

func (c *Compiler) localGet(idx int) {
	slot := c.state.Slots[idx]
	switch slot.Loc {
	case LocRegister:
		c.pushRegister(slot.Reg)
	case LocConstant:
		c.pushConstant(slot.I32)
	default:
		r, ok := c.getUnusedRegister()
		if !ok {
			return
		}
		c.asm.Fill(r, idx)
		c.pushRegister(r)
	}
}

func (c *Compiler) setLocal(idx int, tee bool) {
	st := c.state
	top := st.Height() - 1
	src := st.Slots[top]
	switch src.Loc {
	case LocRegister, LocConstant:
		if old := st.Slots[idx]; old.IsReg() {
			st.DecUsed(old.Reg)
		}
		st.Slots[idx] = src
		if src.IsReg() {
			st.IncUsed(src.Reg)
		}
	default:
		if !c.localSetFromStackSlot(idx, top) {
			return
		}
	}
	if !tee {
		st.Pop()
	}
}

// localSetFromStackSlot 局部变量的新值在栈帧中
func (c *Compiler) localSetFromStackSlot(idx, top int) bool {
	st := c.state
	if old := st.Slots[idx]; old.IsReg() {
		// 寄存器只被这个局部变量使用时原地覆盖
		if st.UseCount(old.Reg) == 1 {
			c.asm.Fill(old.Reg, top)
			return true
		}
		st.DecUsed(old.Reg)
		st.Slots[idx] = spilledSlot()
	}
	r, ok := c.getUnusedRegister()
	if !ok {
		return false
	}
	c.asm.Fill(r, top)
	st.Slots[idx] = registerSlot(r)
	st.IncUsed(r)
	return true
}

// ============================================================================
// 算术
// ============================================================================

var binOps = map[bytecode.OpCode]types.BinOp{
	bytecode.OpI32Add: types.BinAdd,
	bytecode.OpI32Sub: types.BinSub,
	bytecode.OpI32Mul: types.BinMul,
	bytecode.OpI32And: types.BinAnd,
	bytecode.OpI32Or:  types.BinOr,
	bytecode.OpI32Xor: types.BinXor,
}

var compareOps = map[bytecode.OpCode]types.Cond{
	bytecode.OpI32Eq:  types.CondEq,
	bytecode.OpI32Ne:  types.CondNe,
	bytecode.OpI32LtS: types.CondLtS,
	bytecode.OpI32LtU: types.CondLtU,
	bytecode.OpI32GtS: types.CondGtS,
	bytecode.OpI32GtU: types.CondGtU,
	bytecode.OpI32LeS: types.CondLeS,
	bytecode.OpI32LeU: types.CondLeU,
	bytecode.OpI32GeS: types.CondGeS,
	bytecode.OpI32GeU: types.CondGeU,
}

func (c *Compiler) binary(e decoder.Binary) {
	if e.Type != bytecode.I32 || e.Result != bytecode.I32 {
		c.bailout(BailoutUnsupportedType, e.Op.String())
		return
	}
	op, isBin := binOps[e.Op]
	cond, isCmp := compareOps[e.Op]
	if !isBin && !isCmp {
		c.bailout(BailoutUnsupportedOp, e.Op.String())
		return
	}

	pins := c.pinScope()
	defer pins.Release()
	rhs, ok := c.popToRegister()
	if !ok {
		return
	}
	pins.Pin(rhs)
	lhs, ok := c.popToRegister()
	if !ok {
		return
	}
	pins.Pin(lhs)
	dst, ok := c.binaryOpTarget(lhs, rhs)
	if !ok {
		return
	}
	if isBin {
		c.asm.EmitBinOp(op, dst, lhs, rhs)
	} else {
		c.asm.EmitCompare(cond, dst, lhs, rhs)
	}
	c.pushRegister(dst)
}

func (c *Compiler) unary(e decoder.Unary) {
	if e.Op != bytecode.OpI32Eqz {
		kind := BailoutUnsupportedOp
		if e.Type != bytecode.I32 || e.Result != bytecode.I32 {
			kind = BailoutUnsupportedType
		}
		c.bailout(kind, e.Op.String())
		return
	}

	pins := c.pinScope()
	defer pins.Release()
	src, ok := c.popToRegister()
	if !ok {
		return
	}
	pins.Pin(src)
	dst := src
	if !c.state.IsFree(src) {
		if dst, ok = c.getUnusedRegister(); !ok {
			return
		}
	}
	c.asm.EmitEqz(dst, src)
	c.pushRegister(dst)
}

// ============================================================================
// 结构化控制流
// ============================================================================

func (c *Compiler) block() {
	c.controls = append(c.controls, &Control{
		Label:      c.newLabel(),
		LabelState: NewCacheState(),
		StackBase:  c.state.Height(),
	})
}

// loop 循环头在入口处绑定；先溢出全部局部变量，
// 使所有回边只需要把局部变量写回栈帧
func (c *Compiler) loop() {
	ctl := &Control{
		Label:      c.newLabel(),
		LabelState: NewCacheState(),
		StackBase:  c.state.Height(),
	}
	c.controls = append(c.controls, ctl)
	c.state.SpillLocals(c.asm, c.numLocals)
	ctl.Label.bind(c.asm)
	ctl.LabelState.Split(c.state)
}

func (c *Compiler) ifThen() {
	cond, ok := c.popToRegister()
	if !ok {
		return
	}
	ctl := &Control{
		Label:      c.newLabel(),
		LabelState: NewCacheState(),
		StackBase:  c.state.Height(),
		ElseLabel:  c.newLabel(),
		ElseState:  NewCacheState(),
	}
	c.controls = append(c.controls, ctl)
	c.jumpIfZero(cond, ctl.ElseLabel)
	ctl.ElseState.Split(c.state)
}

func (c *Compiler) elseBranch(d *decoder.Decoder, e decoder.Else) {
	ctl := c.control(d, 0)
	if e.FellThrough {
		// else 分支之后还会到达末尾，then 分支不能是最后一个前驱
		if !e.Control.EndMerge.Reached {
			ctl.LabelState.InitMerge(c.state, c.numLocals, ctl.StackBase, e.Control.EndMerge.Arity, c.regs.Cache)
		}
		MergeFullStackWith(c.asm, ctl.LabelState, c.state)
		c.jump(ctl.Label)
	}
	ctl.ElseLabel.bind(c.asm)
	c.state.Steal(ctl.ElseState)
}

// fallThru 顺序执行到块末尾，这是末尾的最后一个前驱
func (c *Compiler) fallThru(d *decoder.Decoder, dc *decoder.Control) {
	ctl := c.control(d, 0)
	if dc.EndMerge.Reached {
		MergeFullStackWith(c.asm, ctl.LabelState, c.state)
	} else {
		ctl.LabelState.Split(c.state)
	}
}

func (c *Compiler) popControl(d *decoder.Decoder, dc *decoder.Control) {
	ctl := c.control(d, 0)
	c.controls = c.controls[:len(c.controls)-1]

	switch dc.Kind {
	case decoder.KindLoop:
		if !ctl.Label.IsBound() {
			invariantf("loop label %d not bound at entry", ctl.Label.ID)
		}
		return
	case decoder.KindFunction:
	default:
		if dc.EndMerge.Reached {
			c.state.Steal(ctl.LabelState)
		}
	}
	if !ctl.Label.IsBound() {
		ctl.Label.bind(c.asm)
	}
}

// br 无条件分支：第一次到达目标时建立其汇合状态
func (c *Compiler) br(d *decoder.Decoder, depth int, target *decoder.Control) {
	ctl := c.control(d, depth)
	merge := target.BrMerge()
	if !merge.Reached {
		ctl.LabelState.InitMerge(c.state, c.numLocals, ctl.StackBase, merge.Arity, c.regs.Cache)
	}
	MergeStackWith(c.asm, ctl.LabelState, c.state, merge.Arity)
	c.jump(ctl.Label)
}

func (c *Compiler) brIf(d *decoder.Decoder, depth int, target *decoder.Control) {
	cond, ok := c.popToRegister()
	if !ok {
		return
	}
	contFalse := c.newLabel()
	c.jumpIfZero(cond, contFalse)
	c.br(d, depth, target)
	contFalse.bind(c.asm)
}

func (c *Compiler) doReturn(e decoder.Return) {
	if e.Implicit {
		fn := c.controls[0]
		fn.Label.bind(c.asm)
		c.state.Steal(fn.LabelState)
	}
	if e.Arity() > 1 {
		c.bailout(BailoutUnsupportedType, "multi-value return")
		return
	}
	if e.Arity() == 1 {
		r, ok := c.popToRegister()
		if !ok {
			return
		}
		c.asm.MoveToReturnRegister(r)
	}
	c.asm.LeaveFrame()
	c.asm.Ret()
}
