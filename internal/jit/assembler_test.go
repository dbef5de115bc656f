package jit

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/lift/internal/bytecode"
	"github.com/tangzhangming/lift/internal/decoder"
	"github.com/tangzhangming/lift/internal/jit/types"
)

// ============================================================================
// 记录汇编器
// ============================================================================

type opKind uint8

const (
	opEnter opKind = iota
	opLeave
	opRet
	opMove
	opConst
	opSpill
	opSpillConst
	opFill
	opCopy
	opCaller
	opReturnReg
	opBinOp
	opCompare
	opEqz
	opTrap
	opBind
	opJump
	opJumpIfZero
)

var opKindNames = [...]string{
	"enter", "leave", "ret", "move", "const", "spill", "spillconst", "fill",
	"copy", "caller", "retreg", "binop", "cmp", "eqz", "trap", "bind", "jump", "jz",
}

func (k opKind) String() string { return opKindNames[k] }

// recOp 一条记录下来的发射
type recOp struct {
	kind       opKind
	dst, src   types.Reg
	lhs, rhs   types.Reg
	slot, from int
	imm        int32
	bin        types.BinOp
	cond       types.Cond
	label      types.LabelID
}

func (o recOp) String() string {
	switch o.kind {
	case opMove:
		return fmt.Sprintf("move r%d, r%d", o.dst, o.src)
	case opConst:
		return fmt.Sprintf("const r%d, #%d", o.dst, o.imm)
	case opSpill:
		return fmt.Sprintf("spill [%d], r%d", o.slot, o.src)
	case opSpillConst:
		return fmt.Sprintf("spillconst [%d], #%d", o.slot, o.imm)
	case opFill:
		return fmt.Sprintf("fill r%d, [%d]", o.dst, o.slot)
	case opCopy:
		return fmt.Sprintf("copy [%d], [%d]", o.slot, o.from)
	case opCaller:
		return fmt.Sprintf("caller r%d, [%d]", o.dst, o.slot)
	case opReturnReg:
		return fmt.Sprintf("retreg r%d", o.src)
	case opBinOp:
		return fmt.Sprintf("%s r%d, r%d, r%d", o.bin, o.dst, o.lhs, o.rhs)
	case opCompare:
		return fmt.Sprintf("cmp.%s r%d, r%d, r%d", o.cond, o.dst, o.lhs, o.rhs)
	case opEqz:
		return fmt.Sprintf("eqz r%d, r%d", o.dst, o.src)
	case opBind:
		return fmt.Sprintf("L%d:", o.label)
	case opJump:
		return fmt.Sprintf("jump L%d", o.label)
	case opJumpIfZero:
		return fmt.Sprintf("jz r%d, L%d", o.src, o.label)
	case opEnter:
		return fmt.Sprintf("enter %d", o.slot)
	default:
		return o.kind.String()
	}
}

// recordingAssembler 记录所有发射的 Assembler，并能解释执行记录
type recordingAssembler struct {
	regs      *types.RegisterFile
	supported bool
	ops       []recOp
	labels    []int // 绑定位置，未绑定为 -1
	finishErr error
	finished  bool
}

// newRecordingAssembler 前 n 个寄存器可分配，第 n 个是临时寄存器
func newRecordingAssembler(n int) *recordingAssembler {
	names := make([]string, n+1)
	var cache types.RegList
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("r%d", i)
		cache = cache.Set(types.Reg(i))
	}
	names[n] = "tmp"
	return &recordingAssembler{
		regs:      &types.RegisterFile{Names: names, Cache: cache, Temp: types.Reg(n), Return: 0},
		supported: true,
	}
}

func (a *recordingAssembler) add(o recOp) { a.ops = append(a.ops, o) }

func (a *recordingAssembler) Supported() bool                   { return a.supported }
func (a *recordingAssembler) RegisterFile() *types.RegisterFile { return a.regs }

func (a *recordingAssembler) NewLabel() types.LabelID {
	a.labels = append(a.labels, -1)
	return types.LabelID(len(a.labels) - 1)
}

func (a *recordingAssembler) Bind(l types.LabelID) int {
	if a.labels[l] >= 0 {
		panic(fmt.Sprintf("label %d bound twice", l))
	}
	a.labels[l] = len(a.ops)
	a.add(recOp{kind: opBind, label: l})
	return a.labels[l]
}

func (a *recordingAssembler) Jump(l types.LabelID) { a.add(recOp{kind: opJump, label: l}) }
func (a *recordingAssembler) JumpIfZero(r types.Reg, l types.LabelID) {
	a.add(recOp{kind: opJumpIfZero, src: r, label: l})
}

func (a *recordingAssembler) EnterFrame(slots int) { a.add(recOp{kind: opEnter, slot: slots}) }
func (a *recordingAssembler) LeaveFrame()          { a.add(recOp{kind: opLeave}) }
func (a *recordingAssembler) Ret()                 { a.add(recOp{kind: opRet}) }

func (a *recordingAssembler) Move(dst, src types.Reg) { a.add(recOp{kind: opMove, dst: dst, src: src}) }
func (a *recordingAssembler) LoadConstant(dst types.Reg, v int32) {
	a.add(recOp{kind: opConst, dst: dst, imm: v})
}
func (a *recordingAssembler) Spill(slot int, src types.Reg) {
	a.add(recOp{kind: opSpill, slot: slot, src: src})
}
func (a *recordingAssembler) SpillConstant(slot int, v int32) {
	a.add(recOp{kind: opSpillConst, slot: slot, imm: v})
}
func (a *recordingAssembler) Fill(dst types.Reg, slot int) {
	a.add(recOp{kind: opFill, dst: dst, slot: slot})
}
func (a *recordingAssembler) MoveStackValue(dstSlot, srcSlot int) {
	a.add(recOp{kind: opCopy, slot: dstSlot, from: srcSlot})
}
func (a *recordingAssembler) LoadCallerFrameSlot(dst types.Reg, slot int) {
	a.add(recOp{kind: opCaller, dst: dst, slot: slot})
}
func (a *recordingAssembler) MoveToReturnRegister(src types.Reg) {
	a.add(recOp{kind: opReturnReg, src: src})
}

func (a *recordingAssembler) EmitBinOp(op types.BinOp, dst, lhs, rhs types.Reg) {
	a.add(recOp{kind: opBinOp, bin: op, dst: dst, lhs: lhs, rhs: rhs})
}
func (a *recordingAssembler) EmitCompare(cond types.Cond, dst, lhs, rhs types.Reg) {
	a.add(recOp{kind: opCompare, cond: cond, dst: dst, lhs: lhs, rhs: rhs})
}
func (a *recordingAssembler) EmitEqz(dst, src types.Reg) { a.add(recOp{kind: opEqz, dst: dst, src: src}) }
func (a *recordingAssembler) Trap()                      { a.add(recOp{kind: opTrap}) }

func (a *recordingAssembler) Finish() (*types.Code, error) {
	a.finished = true
	if a.finishErr != nil {
		return nil, a.finishErr
	}
	return &types.Code{Arch: "rec", Listing: a.listing()}, nil
}

func (a *recordingAssembler) listing() []string {
	lines := make([]string, len(a.ops))
	for i, o := range a.ops {
		lines[i] = o.String()
	}
	return lines
}

// count 某类发射的次数
func (a *recordingAssembler) count(kind opKind) int {
	n := 0
	for _, o := range a.ops {
		if o.kind == kind {
			n++
		}
	}
	return n
}

// allBound 所有创建过的标签都已绑定
func (a *recordingAssembler) allBound() bool {
	for _, pos := range a.labels {
		if pos < 0 {
			return false
		}
	}
	return true
}

func (a *recordingAssembler) String() string {
	return strings.Join(a.listing(), "\n")
}

// ============================================================================
// 解释执行
// ============================================================================

// machine 记录的机器状态
type machine struct {
	regs   [types.MaxRegisters]int32
	frame  map[int]int32
	caller map[int]int32
	ret    int32
}

func newMachine() *machine {
	return &machine{frame: make(map[int]int32), caller: make(map[int]int32)}
}

func (m *machine) clone() *machine {
	c := &machine{regs: m.regs, ret: m.ret, frame: make(map[int]int32), caller: m.caller}
	for k, v := range m.frame {
		c.frame[k] = v
	}
	return c
}

// value 按 CacheState 读取第 idx 个槽位的值
func (m *machine) value(s *CacheState, idx int) int32 {
	slot := s.Slots[idx]
	switch slot.Loc {
	case LocRegister:
		return m.regs[slot.Reg]
	case LocConstant:
		return slot.I32
	default:
		return m.frame[idx]
	}
}

func evalBinOp(op types.BinOp, l, r int32) int32 {
	switch op {
	case types.BinAdd:
		return l + r
	case types.BinSub:
		return l - r
	case types.BinMul:
		return l * r
	case types.BinAnd:
		return l & r
	case types.BinOr:
		return l | r
	default:
		return l ^ r
	}
}

func evalCompare(cond types.Cond, l, r int32) bool {
	ul, ur := uint32(l), uint32(r)
	switch cond {
	case types.CondEq:
		return l == r
	case types.CondNe:
		return l != r
	case types.CondLtS:
		return l < r
	case types.CondLtU:
		return ul < ur
	case types.CondGtS:
		return l > r
	case types.CondGtU:
		return ul > ur
	case types.CondLeS:
		return l <= r
	case types.CondLeU:
		return ul <= ur
	case types.CondGeS:
		return l >= r
	default:
		return ul >= ur
	}
}

// exec 执行一条不改变控制流的发射
func (m *machine) exec(o recOp) {
	switch o.kind {
	case opMove:
		m.regs[o.dst] = m.regs[o.src]
	case opConst:
		m.regs[o.dst] = o.imm
	case opSpill:
		m.frame[o.slot] = m.regs[o.src]
	case opSpillConst:
		m.frame[o.slot] = o.imm
	case opFill:
		m.regs[o.dst] = m.frame[o.slot]
	case opCopy:
		m.frame[o.slot] = m.frame[o.from]
	case opCaller:
		m.regs[o.dst] = m.caller[o.slot]
	case opReturnReg:
		m.ret = m.regs[o.src]
	case opBinOp:
		m.regs[o.dst] = evalBinOp(o.bin, m.regs[o.lhs], m.regs[o.rhs])
	case opCompare:
		m.regs[o.dst] = 0
		if evalCompare(o.cond, m.regs[o.lhs], m.regs[o.rhs]) {
			m.regs[o.dst] = 1
		}
	case opEqz:
		v := m.regs[o.src]
		m.regs[o.dst] = 0
		if v == 0 {
			m.regs[o.dst] = 1
		}
	}
}

// execAll 顺序执行一段没有分支的发射
func (m *machine) execAll(ops []recOp) {
	for _, o := range ops {
		m.exec(o)
	}
}

// run 按调用约定传入参数并执行到 ret，记录每个标签最后一次经过时的机器状态
func (a *recordingAssembler) run(cc types.CallingConvention, args ...int32) (*machine, map[types.LabelID]*machine, error) {
	m := newMachine()
	for i, p := range cc.Params {
		if p.InRegister {
			m.regs[p.Reg] = args[i]
		} else {
			m.caller[p.Slot] = args[i]
		}
	}
	seen := make(map[types.LabelID]*machine)
	for pc, steps := 0, 0; pc < len(a.ops); steps++ {
		if steps > 100000 {
			return nil, nil, fmt.Errorf("step limit exceeded")
		}
		o := a.ops[pc]
		pc++
		switch o.kind {
		case opRet:
			return m, seen, nil
		case opTrap:
			return m, seen, fmt.Errorf("trap at %d", pc-1)
		case opBind:
			seen[o.label] = m.clone()
		case opJump:
			pc = a.labels[o.label]
		case opJumpIfZero:
			if m.regs[o.src] == 0 {
				pc = a.labels[o.label]
			}
		default:
			m.exec(o)
		}
		if pc < 0 {
			return nil, nil, fmt.Errorf("jump to unbound label")
		}
	}
	return nil, nil, fmt.Errorf("fell off the end of the code")
}

// ============================================================================
// 编译辅助
// ============================================================================

// registerParams 前 n 个参数依次在缓存寄存器中，其余在调用者栈帧中
func registerParams(sig bytecode.Signature, regs *types.RegisterFile) types.CallingConvention {
	cache := regs.Cache.Regs()
	cc := types.CallingConvention{Params: make([]types.ParamLocation, len(sig.Params))}
	slot := 0
	for i := range sig.Params {
		if i < len(cache) {
			cc.Params[i] = types.ParamLocation{InRegister: true, Reg: cache[i]}
			continue
		}
		cc.Params[i] = types.ParamLocation{Slot: slot}
		slot++
	}
	return cc
}

func parse(t *testing.T, src string) *bytecode.Body {
	t.Helper()
	body, err := bytecode.Parse(src)
	require.NoError(t, err)
	return body
}

// sinkRecorder 记录回退原因
type sinkRecorder struct {
	reasons []string
	offsets []int
}

func (s *sinkRecorder) Report(reason string) {
	s.reasons = append(s.reasons, reason)
	s.offsets = append(s.offsets, -1)
}

func (s *sinkRecorder) ReportAt(offset int, reason string) {
	s.reasons = append(s.reasons, reason)
	s.offsets = append(s.offsets, offset)
}

// probe 包装 Compiler，在每个事件之后保存 CacheState 快照
type probe struct {
	*Compiler
	events []decoder.Event
	states []*CacheState
	labels map[int]*CacheState // 事件序号 -> 最内层控制结构的汇合状态
}

func (p *probe) Visit(d *decoder.Decoder, ev decoder.Event) {
	p.Compiler.Visit(d, ev)
	p.events = append(p.events, ev)
	p.states = append(p.states, p.State().Clone())
	if n := len(p.controls); n > 0 {
		p.labels[len(p.events)-1] = p.controls[n-1].LabelState.Clone()
	}
}

// compileProbe 用 probe 编译，不恢复不变量 panic
func compileProbe(t *testing.T, body *bytecode.Body, asm *recordingAssembler, cc types.CallingConvention) *probe {
	t.Helper()
	p := &probe{
		Compiler: NewCompiler(asm, cc, nil, DefaultConfig()),
		labels:   make(map[int]*CacheState),
	}
	require.NoError(t, decoder.Decode(body, p))
	return p
}

// eventIndex 第 n 个 (从 0 开始) 满足 match 的事件序号
func (p *probe) eventIndex(n int, match func(decoder.Event) bool) int {
	for i, ev := range p.events {
		if match(ev) {
			if n == 0 {
				return i
			}
			n--
		}
	}
	return -1
}
