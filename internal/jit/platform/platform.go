// Package platform 基于 golang-asm 的机器码后端
//
// Assembler 实现 jit.Assembler。每个函数使用一个新的 Assembler，
// 编译结束后必须调用 Release。golang-asm 不是并发安全的，
// 同一时刻只能有一个 Assembler 处于活动状态。
//
// 寄存器编号是 RegisterFile 中的下标，由各架构映射到机器寄存器。
// 栈帧中第 n 个 8 字节槽位于 [SP + 8n]。
package platform

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"

	"github.com/tangzhangming/lift/internal/bytecode"
	"github.com/tangzhangming/lift/internal/jit/types"
)

// golang-asm 的全局状态不可重入，持有期间独占
var assemblerMutex sync.Mutex

// ============================================================================
// 架构
// ============================================================================

// isa 单个架构的指令选择
type isa interface {
	name() string
	registers() *types.RegisterFile
	paramRegisters() []types.Reg

	frameBytes(slots int) int64
	callerSlotOffset(frameBytes int64, slot int) int64

	enterFrame(a *Assembler, frameBytes int64)
	leaveFrame(a *Assembler, frameBytes int64)
	ret(a *Assembler)

	move(a *Assembler, dst, src types.Reg)
	loadConstant(a *Assembler, dst types.Reg, v int32)
	store(a *Assembler, off int64, src types.Reg)
	storeConstant(a *Assembler, off int64, v int32)
	load(a *Assembler, dst types.Reg, off int64)
	copyStack(a *Assembler, dstOff, srcOff int64)

	binOp(a *Assembler, op types.BinOp, dst, lhs, rhs types.Reg)
	compare(a *Assembler, cond types.Cond, dst, lhs, rhs types.Reg)
	eqz(a *Assembler, dst, src types.Reg)

	jump(a *Assembler) *obj.Prog
	jumpIfZero(a *Assembler, r types.Reg) *obj.Prog
}

var isas = map[string]func() isa{
	"amd64": newAMD64,
	"arm64": newARM64,
}

var archAliases = map[string]string{
	"x86_64":  "amd64",
	"x86-64":  "amd64",
	"x64":     "amd64",
	"aarch64": "arm64",
}

// Normalize 规范化架构名
func Normalize(arch string) string {
	arch = strings.ToLower(strings.TrimSpace(arch))
	if alias, ok := archAliases[arch]; ok {
		return alias
	}
	return arch
}

// Host 当前进程的架构
func Host() string {
	return runtime.GOARCH
}

// IsSupported 架构是否有后端
func IsSupported(arch string) bool {
	_, ok := isas[Normalize(arch)]
	return ok
}

// Architectures 列出受支持的架构
func Architectures() []string {
	return []string{"amd64", "arm64"}
}

// ============================================================================
// Assembler
// ============================================================================

type label struct {
	anchor  *obj.Prog
	pending []*obj.Prog
}

// Assembler golang-asm 上的 jit.Assembler 实现
type Assembler struct {
	arch     string
	isa      isa
	regs     *types.RegisterFile
	b        *asm.Builder
	progs    []*obj.Prog
	anchors  map[*obj.Prog]types.LabelID
	labels   []*label
	frame    int64
	slots    int
	released bool
}

// New 创建架构 arch 的 Assembler
//
// 不受支持的架构返回 Supported() 为 false 的 Assembler，
// 编译器据此回退，其余方法不产生代码。
func New(arch string) (*Assembler, error) {
	arch = Normalize(arch)
	a := &Assembler{
		arch:    arch,
		anchors: make(map[*obj.Prog]types.LabelID),
	}
	ctor, ok := isas[arch]
	if !ok {
		a.regs = &types.RegisterFile{Temp: types.RegNone, Return: types.RegNone}
		a.released = true
		return a, nil
	}
	a.isa = ctor()
	a.regs = a.isa.registers()

	assemblerMutex.Lock()
	b, err := asm.NewBuilder(arch, 256)
	if err != nil {
		assemblerMutex.Unlock()
		return nil, fmt.Errorf("failed to create assembly builder for %s: %w", arch, err)
	}
	a.b = b
	return a, nil
}

// Release 释放 golang-asm，可重复调用
func (a *Assembler) Release() {
	if a.released {
		return
	}
	a.released = true
	assemblerMutex.Unlock()
}

// Arch 架构名
func (a *Assembler) Arch() string { return a.arch }

// Supported 是否有该架构的后端
func (a *Assembler) Supported() bool { return a.isa != nil }

// RegisterFile 寄存器表
func (a *Assembler) RegisterFile() *types.RegisterFile { return a.regs }

// CallingConvention 按签名给出参数位置：前若干个参数在寄存器中，其余在调用者栈帧中
func (a *Assembler) CallingConvention(sig bytecode.Signature) types.CallingConvention {
	cc := types.CallingConvention{Params: make([]types.ParamLocation, len(sig.Params))}
	var regs []types.Reg
	if a.isa != nil {
		regs = a.isa.paramRegisters()
	}
	slot := 0
	for i := range sig.Params {
		if i < len(regs) {
			cc.Params[i] = types.ParamLocation{InRegister: true, Reg: regs[i]}
			continue
		}
		cc.Params[i] = types.ParamLocation{Slot: slot}
		slot++
	}
	return cc
}

// newProg 分配一条指令并追加到指令流
func (a *Assembler) newProg(as obj.As) *obj.Prog {
	if a.b == nil {
		return &obj.Prog{As: as}
	}
	p := a.b.NewProg()
	p.As = as
	a.b.AddInstruction(p)
	a.progs = append(a.progs, p)
	return p
}

// ============================================================================
// 标签
// ============================================================================

// NewLabel 创建未绑定的标签
func (a *Assembler) NewLabel() types.LabelID {
	a.labels = append(a.labels, &label{})
	return types.LabelID(len(a.labels) - 1)
}

// Bind 把标签绑定到下一条指令，返回指令流中的位置
func (a *Assembler) Bind(id types.LabelID) int {
	l := a.label(id)
	if l.anchor != nil {
		panic(fmt.Sprintf("platform: label %d bound twice", id))
	}
	// 分支目标锚定在不产生字节的 NOP 上
	l.anchor = a.newProg(obj.ANOP)
	a.anchors[l.anchor] = id
	for _, p := range l.pending {
		p.To.SetTarget(l.anchor)
	}
	l.pending = nil
	return len(a.progs) - 1
}

// Jump 无条件跳转
func (a *Assembler) Jump(id types.LabelID) {
	if a.isa == nil {
		return
	}
	a.target(id, a.isa.jump(a))
}

// JumpIfZero r 为零时跳转
func (a *Assembler) JumpIfZero(r types.Reg, id types.LabelID) {
	if a.isa == nil {
		return
	}
	a.target(id, a.isa.jumpIfZero(a, r))
}

func (a *Assembler) target(id types.LabelID, br *obj.Prog) {
	br.To.Type = obj.TYPE_BRANCH
	l := a.label(id)
	if l.anchor != nil {
		br.To.SetTarget(l.anchor)
		return
	}
	l.pending = append(l.pending, br)
}

func (a *Assembler) label(id types.LabelID) *label {
	if int(id) < 0 || int(id) >= len(a.labels) {
		panic(fmt.Sprintf("platform: unknown label %d", id))
	}
	return a.labels[id]
}

// ============================================================================
// 栈帧与数据移动
// ============================================================================

// EnterFrame 预留 slots 个 8 字节槽位
func (a *Assembler) EnterFrame(slots int) {
	if a.isa == nil {
		return
	}
	a.slots = slots
	a.frame = a.isa.frameBytes(slots)
	a.isa.enterFrame(a, a.frame)
}

// LeaveFrame 释放栈帧
func (a *Assembler) LeaveFrame() {
	if a.isa == nil {
		return
	}
	a.isa.leaveFrame(a, a.frame)
}

// Ret 返回调用者
func (a *Assembler) Ret() {
	if a.isa == nil {
		return
	}
	a.isa.ret(a)
}

// Move 寄存器间移动
func (a *Assembler) Move(dst, src types.Reg) {
	if a.isa == nil || dst == src {
		return
	}
	a.isa.move(a, dst, src)
}

// LoadConstant 载入 32 位常量
func (a *Assembler) LoadConstant(dst types.Reg, v int32) {
	if a.isa == nil {
		return
	}
	a.isa.loadConstant(a, dst, v)
}

// Spill 写入栈帧槽位
func (a *Assembler) Spill(slot int, src types.Reg) {
	if a.isa == nil {
		return
	}
	a.isa.store(a, slotOffset(slot), src)
}

// SpillConstant 把常量写入栈帧槽位
func (a *Assembler) SpillConstant(slot int, v int32) {
	if a.isa == nil {
		return
	}
	a.isa.storeConstant(a, slotOffset(slot), v)
}

// Fill 从栈帧槽位读取
func (a *Assembler) Fill(dst types.Reg, slot int) {
	if a.isa == nil {
		return
	}
	a.isa.load(a, dst, slotOffset(slot))
}

// MoveStackValue 槽位间复制，经由不参与分配的暂存寄存器
func (a *Assembler) MoveStackValue(dstSlot, srcSlot int) {
	if a.isa == nil || dstSlot == srcSlot {
		return
	}
	a.isa.copyStack(a, slotOffset(dstSlot), slotOffset(srcSlot))
}

// LoadCallerFrameSlot 读取调用者栈帧中传递的参数
func (a *Assembler) LoadCallerFrameSlot(dst types.Reg, slot int) {
	if a.isa == nil {
		return
	}
	a.isa.load(a, dst, a.isa.callerSlotOffset(a.frame, slot))
}

// MoveToReturnRegister 把返回值放入返回寄存器
func (a *Assembler) MoveToReturnRegister(src types.Reg) {
	if a.isa == nil {
		return
	}
	a.Move(a.regs.Return, src)
}

func slotOffset(slot int) int64 {
	return int64(slot) * 8
}

// ============================================================================
// 运算
// ============================================================================

// EmitBinOp dst = lhs op rhs
func (a *Assembler) EmitBinOp(op types.BinOp, dst, lhs, rhs types.Reg) {
	if a.isa == nil {
		return
	}
	a.isa.binOp(a, op, dst, lhs, rhs)
}

// EmitCompare dst = lhs cond rhs ? 1 : 0
func (a *Assembler) EmitCompare(cond types.Cond, dst, lhs, rhs types.Reg) {
	if a.isa == nil {
		return
	}
	a.isa.compare(a, cond, dst, lhs, rhs)
}

// EmitEqz dst = src == 0 ? 1 : 0
func (a *Assembler) EmitEqz(dst, src types.Reg) {
	if a.isa == nil {
		return
	}
	a.isa.eqz(a, dst, src)
}

// Trap 发出非法指令
func (a *Assembler) Trap() {
	if a.isa == nil {
		return
	}
	a.newProg(obj.AUNDEF)
}

// ============================================================================
// 汇编
// ============================================================================

// Finish 汇编指令流
func (a *Assembler) Finish() (*types.Code, error) {
	if a.isa == nil {
		return nil, fmt.Errorf("unsupported architecture %q", a.arch)
	}
	for id, l := range a.labels {
		if len(l.pending) > 0 && l.anchor == nil {
			return nil, fmt.Errorf("label %d has %d unresolved branch(es)", id, len(l.pending))
		}
	}
	if len(a.progs) == 0 {
		return nil, fmt.Errorf("no instructions emitted")
	}
	bytes := a.b.Assemble()
	return &types.Code{
		Arch:       a.arch,
		Bytes:      bytes,
		FrameSlots: a.slots,
		Listing:    a.listing(),
	}, nil
}

// listing 汇编后生成清单，标签锚点显示为 "Ln:"
func (a *Assembler) listing() []string {
	lines := make([]string, 0, len(a.progs))
	for _, p := range a.progs {
		if id, ok := a.anchors[p]; ok {
			lines = append(lines, fmt.Sprintf("L%d:", id))
			continue
		}
		text := p.String()
		if i := strings.IndexByte(text, '\t'); i >= 0 {
			text = text[i+1:]
		}
		lines = append(lines, fmt.Sprintf("  %04x  %s", p.Pc, text))
	}
	return lines
}

// ============================================================================
// 操作数
// ============================================================================

func regAddr(r int16) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: r}
}

func constAddr(v int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_CONST, Offset: v}
}

func memAddr(base int16, off int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Offset: off}
}

// two 发出 as from, to
func (a *Assembler) two(as obj.As, from, to obj.Addr) *obj.Prog {
	p := a.newProg(as)
	p.From = from
	p.To = to
	return p
}
