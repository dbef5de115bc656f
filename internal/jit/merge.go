// merge.go - 控制流汇合
//
// 汇合点的目标状态由第一个到达的前驱建立：
//
//	|----locals----|----between----|--discarded--|----merge----|
//	 <-numLocals->                 ^stackBase     <--arity-->
//
// 分支目标用 InitMerge 建立规范化的目标：局部变量与汇合区不含常量，
// 其中每个寄存器至多出现一次，使之后的任何前驱都能移动到这个布局。
// between 区是进入控制结构前就在栈上的值，各前驱中是同一批值，
// 因此保留常量与寄存器别名。
//
// 之后的前驱调用 MergeStackWith / MergeFullStackWith 发出纠正移动，
// 移动按并行移动处理：目标仍是未完成移动的源时推迟，
// 全部受阻时借助保留的临时寄存器打破循环。

package jit

import (
	"fmt"

	"github.com/tangzhangming/lift/internal/jit/types"
)

// ============================================================================
// 建立目标
// ============================================================================

// InitMerge 由 src 建立汇合目标，保留 stackBase 以下的槽位与栈顶 arity 个值
func (s *CacheState) InitMerge(src *CacheState, numLocals, stackBase, arity int, cache types.RegList) {
	discarded := src.Height() - stackBase - arity
	if discarded < 0 || stackBase < numLocals {
		invariantf("merge of height %d into base %d with arity %d", src.Height(), stackBase, arity)
	}
	s.reset(stackBase + arity)
	mergeSrc := src.Slots[stackBase+discarded:]

	// 局部变量与汇合区的寄存器优先留给它们自己
	var keep types.RegList
	for _, slot := range src.Slots[:numLocals] {
		if slot.IsReg() {
			keep = keep.Set(slot.Reg)
		}
	}
	for _, slot := range mergeSrc {
		if slot.IsReg() {
			keep = keep.Set(slot.Reg)
		}
	}

	s.initRegion(mergeSrc, stackBase, arity, false, false, keep, cache)
	s.initRegion(src.Slots, 0, numLocals, false, false, keep, cache)
	s.initRegion(src.Slots[numLocals:], numLocals, stackBase-numLocals, true, true, keep, cache)
}

func (s *CacheState) initRegion(src []StackSlot, start, count int, allowConst, reuse bool, keep, cache types.RegList) {
	var reused map[types.Reg]types.Reg
	if reuse {
		reused = make(map[types.Reg]types.Reg)
	}
	for i := 0; i < count; i++ {
		from := src[i]
		switch {
		case from.IsSpilled():
			continue
		case from.IsConst() && allowConst:
			s.Slots[start+i] = from
			continue
		}

		r := types.RegNone
		if from.IsReg() && s.IsFree(from.Reg) {
			r = from.Reg
		}
		if r == types.RegNone && reuse && from.IsReg() {
			if prev, ok := reused[from.Reg]; ok {
				r = prev
			}
		}
		if r == types.RegNone {
			r = (cache &^ s.UsedRegisters() &^ keep).First()
		}
		if r == types.RegNone {
			continue
		}
		if reuse && from.IsReg() {
			reused[from.Reg] = r
		}
		s.IncUsed(r)
		s.Slots[start+i] = registerSlot(r)
	}
}

// ============================================================================
// 合并到已建立的目标
// ============================================================================

// MergeFullStackWith 顺序执行到汇合点：两个状态高度必须相同
func MergeFullStackWith(asm Assembler, target, source *CacheState) {
	if target.Height() != source.Height() {
		invariantf("fall-through height %d does not match merge height %d", source.Height(), target.Height())
	}
	MergeStackWith(asm, target, source, 0)
}

// MergeStackWith 分支到汇合点：target 基址以下按位置对应，
// source 栈顶 arity 个值移动到 target 的栈顶
func MergeStackWith(asm Assembler, target, source *CacheState, arity int) {
	height, targetHeight := source.Height(), target.Height()
	if targetHeight > height || arity > targetHeight {
		invariantf("branch with arity %d from height %d to merge height %d", arity, height, targetHeight)
	}
	base, targetBase := height-arity, targetHeight-arity

	m := &moveResolver{asm: asm, temp: asm.RegisterFile().Temp}
	for i := 0; i < targetBase; i++ {
		m.transfer(i, target.Slots[i], i, source.Slots[i])
	}
	for i := 0; i < arity; i++ {
		m.transfer(targetBase+i, target.Slots[targetBase+i], base+i, source.Slots[base+i])
	}
	m.execute()
}

// ============================================================================
// 并行移动
// ============================================================================

type locKind uint8

const (
	locReg locKind = iota
	locSlot
	locConst
)

// location 移动的端点，未使用的字段保持零值以便直接比较
type location struct {
	kind locKind
	reg  types.Reg
	slot int
	val  int32
}

func slotLocation(idx int, s StackSlot) location {
	switch s.Loc {
	case LocRegister:
		return location{kind: locReg, reg: s.Reg}
	case LocConstant:
		return location{kind: locConst, val: s.I32}
	default:
		return location{kind: locSlot, slot: idx}
	}
}

func (l location) String() string {
	switch l.kind {
	case locReg:
		return fmt.Sprintf("r%d", l.reg)
	case locSlot:
		return fmt.Sprintf("slot%d", l.slot)
	default:
		return fmt.Sprintf("#%d", l.val)
	}
}

type move struct {
	dst, src location
}

type moveResolver struct {
	asm   Assembler
	temp  types.Reg
	moves []move
}

func (m *moveResolver) transfer(dstIdx int, dst StackSlot, srcIdx int, src StackSlot) {
	d, s := slotLocation(dstIdx, dst), slotLocation(srcIdx, src)
	if d.kind == locConst {
		if s.kind == locConst && s.val == d.val {
			return
		}
		invariantf("merge into constant slot %d from %s", dstIdx, s)
	}
	if d == s {
		return
	}
	// 目标寄存器的多个别名持有同一个值，只需移动一次
	for _, mv := range m.moves {
		if mv.dst == d {
			return
		}
	}
	m.moves = append(m.moves, move{dst: d, src: s})
}

func (m *moveResolver) execute() {
	for len(m.moves) > 0 {
		progress := false
		for i := 0; i < len(m.moves); {
			mv := m.moves[i]
			if m.pendingSource(mv.dst, i) {
				i++
				continue
			}
			m.emit(mv)
			m.moves = append(m.moves[:i], m.moves[i+1:]...)
			progress = true
		}
		if !progress {
			m.breakCycle()
		}
	}
}

// pendingSource loc 是否仍是除 except 外某个移动的源
func (m *moveResolver) pendingSource(loc location, except int) bool {
	for i, mv := range m.moves {
		if i != except && mv.src == loc {
			return true
		}
	}
	return false
}

// breakCycle 把第一个受阻移动的目标保存到临时寄存器
func (m *moveResolver) breakCycle() {
	tmp := location{kind: locReg, reg: m.temp}
	if m.pendingSource(tmp, -1) {
		invariantf("merge needs more than one temporary register")
	}
	blocked := m.moves[0].dst
	m.emit(move{dst: tmp, src: blocked})
	for i := range m.moves {
		if m.moves[i].src == blocked {
			m.moves[i].src = tmp
		}
	}
}

func (m *moveResolver) emit(mv move) {
	switch mv.dst.kind {
	case locReg:
		switch mv.src.kind {
		case locReg:
			m.asm.Move(mv.dst.reg, mv.src.reg)
		case locSlot:
			m.asm.Fill(mv.dst.reg, mv.src.slot)
		case locConst:
			m.asm.LoadConstant(mv.dst.reg, mv.src.val)
		}
	case locSlot:
		switch mv.src.kind {
		case locReg:
			m.asm.Spill(mv.dst.slot, mv.src.reg)
		case locSlot:
			m.asm.MoveStackValue(mv.dst.slot, mv.src.slot)
		case locConst:
			m.asm.SpillConstant(mv.dst.slot, mv.src.val)
		}
	default:
		invariantf("move into %s", mv.dst)
	}
}
