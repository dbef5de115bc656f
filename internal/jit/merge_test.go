package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/lift/internal/jit/types"
)

func reg(r types.Reg) StackSlot { return registerSlot(r) }
func cst(v int32) StackSlot     { return constantSlot(v) }
func spl() StackSlot            { return spilledSlot() }

// stateOf 按顺序压入槽位构造状态
func stateOf(slots ...StackSlot) *CacheState {
	s := NewCacheState()
	for _, slot := range slots {
		switch slot.Loc {
		case LocRegister:
			s.PushRegister(slot.Reg)
		case LocConstant:
			s.PushConstant(slot.I32)
		default:
			s.PushSpilled()
		}
	}
	return s
}

// seeded 寄存器 ri 的值为 (i+1)*10，栈帧槽 i 的值为 100+i
func seeded() *machine {
	m := newMachine()
	for i := range m.regs {
		m.regs[i] = int32(i+1) * 10
	}
	for i := 0; i < 16; i++ {
		m.frame[i] = int32(100 + i)
	}
	return m
}

// TestMergeIdempotent 与自身合并不产生任何移动
func TestMergeIdempotent(t *testing.T) {
	src := stateOf(reg(0), cst(3), spl(), reg(1), reg(1), reg(2))
	asm := newRecordingAssembler(4)

	MergeFullStackWith(asm, src.Clone(), src)
	MergeStackWith(asm, src.Clone(), src, 2)
	assert.Empty(t, asm.ops)
}

// TestMergeSwap 两个寄存器互换借助临时寄存器
func TestMergeSwap(t *testing.T) {
	asm := newRecordingAssembler(4)
	target := stateOf(reg(1), reg(0))
	source := stateOf(reg(0), reg(1))
	MergeFullStackWith(asm, target, source)
	require.Len(t, asm.ops, 3, "code:\n%s", asm)
	assert.Equal(t, recOp{kind: opMove, dst: asm.regs.Temp, src: 1}, asm.ops[0])

	m := seeded()
	m.execAll(asm.ops)
	assert.Equal(t, int32(20), m.regs[0])
	assert.Equal(t, int32(10), m.regs[1])
}

// TestMergeRotation 三个寄存器轮换
func TestMergeRotation(t *testing.T) {
	asm := newRecordingAssembler(4)
	target := stateOf(reg(1), reg(2), reg(0))
	source := stateOf(reg(0), reg(1), reg(2))
	MergeFullStackWith(asm, target, source)
	assert.Len(t, asm.ops, 4, "code:\n%s", asm)

	before := seeded()
	m := before.clone()
	m.execAll(asm.ops)
	for i := range target.Slots {
		assert.Equal(t, before.value(source, i), m.value(target, i), "slot %d", i)
	}
}

// TestMergeMaterialize 常量移动到寄存器或栈帧槽
func TestMergeMaterialize(t *testing.T) {
	asm := newRecordingAssembler(4)
	MergeFullStackWith(asm, stateOf(reg(0), spl(), reg(1)), stateOf(cst(5), cst(6), spl()))
	assert.Equal(t, []recOp{
		{kind: opConst, dst: 0, imm: 5},
		{kind: opSpillConst, slot: 1, imm: 6},
		{kind: opFill, dst: 1, slot: 2},
	}, asm.ops)
}

// TestMergeBranchValues 分支值从源栈顶移动到目标栈顶
func TestMergeBranchValues(t *testing.T) {
	asm := newRecordingAssembler(4)
	target := stateOf(spl(), spl())
	source := stateOf(spl(), reg(0), reg(1), spl())
	MergeStackWith(asm, target, source, 1)
	assert.Equal(t, []recOp{{kind: opCopy, slot: 1, from: 3}}, asm.ops)
}

// TestMergeAliases 目标寄存器的多个别名只移动一次
func TestMergeAliases(t *testing.T) {
	asm := newRecordingAssembler(4)
	MergeFullStackWith(asm, stateOf(reg(2), reg(2)), stateOf(reg(0), reg(0)))
	assert.Equal(t, []recOp{{kind: opMove, dst: 2, src: 0}}, asm.ops)
}

// TestMergeIntoConstant 常量目标只接受同一个常量
func TestMergeIntoConstant(t *testing.T) {
	asm := newRecordingAssembler(4)
	assert.NotPanics(t, func() {
		MergeFullStackWith(asm, stateOf(cst(1)), stateOf(cst(1)))
	})
	assert.Panics(t, func() {
		MergeFullStackWith(asm, stateOf(cst(1)), stateOf(cst(2)))
	})
	assert.Panics(t, func() {
		MergeFullStackWith(asm, stateOf(cst(1)), stateOf(reg(0)))
	})
}

// TestMergeHeightMismatch 顺序执行的高度必须一致
func TestMergeHeightMismatch(t *testing.T) {
	asm := newRecordingAssembler(4)
	assert.Panics(t, func() {
		MergeFullStackWith(asm, stateOf(spl()), stateOf(spl(), spl()))
	})
	assert.Panics(t, func() {
		MergeStackWith(asm, stateOf(spl(), spl(), spl()), stateOf(spl(), spl()), 0)
	})
}

// TestInitMerge 目标的局部变量与汇合区没有常量，寄存器不重复
func TestInitMerge(t *testing.T) {
	// 局部变量 [r0 #4]，between [r1 r1 #9]，丢弃 [r2]，汇合 [r0]
	src := stateOf(reg(0), cst(4), reg(1), reg(1), cst(9), reg(2), reg(0))
	target := NewCacheState()
	target.InitMerge(src, 2, 5, 1, types.RegListOf(0, 1, 2, 3))

	want := stateOf(reg(1), reg(2), reg(3), reg(3), cst(9), reg(0))
	assert.True(t, want.Equal(target), "got %s", target.Format(nil, 2))
	require.NoError(t, target.Check())

	asm := newRecordingAssembler(4)
	MergeStackWith(asm, target, src, 1)
	before := seeded()
	m := before.clone()
	m.execAll(asm.ops)
	for i := 0; i < 5; i++ {
		assert.Equal(t, before.value(src, i), m.value(target, i), "slot %d", i)
	}
	assert.Equal(t, before.value(src, 6), m.value(target, 5), "merge value")
}

// TestInitMergeSpillsWhenFull 寄存器不够时目标槽位为溢出
func TestInitMergeSpillsWhenFull(t *testing.T) {
	src := stateOf(cst(1), cst(2))
	target := NewCacheState()
	target.InitMerge(src, 2, 2, 0, types.RegListOf(0))
	assert.True(t, stateOf(reg(0), spl()).Equal(target), "got %s", target.Format(nil, 2))

	asm := newRecordingAssembler(1)
	MergeFullStackWith(asm, target, src)
	assert.Equal(t, []recOp{
		{kind: opConst, dst: 0, imm: 1},
		{kind: opSpillConst, slot: 1, imm: 2},
	}, asm.ops)
}

// TestInitMergeBadShape 源状态低于基址时是编译器缺陷
func TestInitMergeBadShape(t *testing.T) {
	target := NewCacheState()
	assert.Panics(t, func() {
		target.InitMerge(stateOf(spl()), 1, 1, 1, types.RegListOf(0))
	})
	assert.Panics(t, func() {
		target.InitMerge(stateOf(spl(), spl()), 2, 1, 0, types.RegListOf(0))
	})
}
