package platform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangzhangming/lift/internal/bytecode"
	"github.com/tangzhangming/lift/internal/jit/types"
)

func newAssembler(t *testing.T, arch string) *Assembler {
	t.Helper()
	a, err := New(arch)
	require.NoError(t, err)
	t.Cleanup(a.Release)
	return a
}

func countLines(listing []string, substr string) int {
	n := 0
	for _, line := range listing {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// TestNormalize 测试架构名规范化
func TestNormalize(t *testing.T) {
	assert.Equal(t, "amd64", Normalize("x86_64"))
	assert.Equal(t, "amd64", Normalize(" AMD64 "))
	assert.Equal(t, "arm64", Normalize("aarch64"))
	assert.Equal(t, "riscv64", Normalize("riscv64"))
	assert.True(t, IsSupported("x64"))
	assert.False(t, IsSupported("riscv64"))
}

// TestUnsupportedArch 测试不受支持的架构
func TestUnsupportedArch(t *testing.T) {
	a := newAssembler(t, "riscv64")
	assert.False(t, a.Supported())
	require.NotNil(t, a.RegisterFile())
	assert.True(t, a.RegisterFile().Cache.Empty())

	// 不产生代码也不 panic
	a.EnterFrame(4)
	a.LoadConstant(0, 1)
	a.Ret()
	_, err := a.Finish()
	assert.Error(t, err)

	cc := a.CallingConvention(bytecode.Signature{Params: []bytecode.ValueType{bytecode.I32, bytecode.I32}})
	assert.Equal(t, []types.ParamLocation{{Slot: 0}, {Slot: 1}}, cc.Params)
}

// TestCallingConvention 测试参数位置
func TestCallingConvention(t *testing.T) {
	params := make([]bytecode.ValueType, 8)
	for i := range params {
		params[i] = bytecode.I32
	}
	sig := bytecode.Signature{Params: params}

	a := newAssembler(t, "amd64")
	cc := a.CallingConvention(sig)
	require.Len(t, cc.Params, 8)
	for i := 0; i < 6; i++ {
		assert.True(t, cc.Params[i].InRegister, "param %d", i)
		assert.True(t, a.RegisterFile().Cache.Has(cc.Params[i].Reg))
	}
	assert.Equal(t, types.ParamLocation{Slot: 0}, cc.Params[6])
	assert.Equal(t, types.ParamLocation{Slot: 1}, cc.Params[7])
	a.Release()

	b := newAssembler(t, "arm64")
	cc = b.CallingConvention(sig)
	for i := 0; i < 8; i++ {
		assert.Equal(t, types.Reg(i), cc.Params[i].Reg)
	}
}

// TestRegisterFiles 临时寄存器不参与分配
func TestRegisterFiles(t *testing.T) {
	for _, arch := range Architectures() {
		a := newAssembler(t, arch)
		regs := a.RegisterFile()
		assert.False(t, regs.Cache.Has(regs.Temp), arch)
		assert.True(t, regs.Cache.Has(regs.Return), arch)
		assert.Equal(t, int(regs.Temp)+1, len(regs.Names), arch)
		a.Release()
	}
}

// emitSample 发出包含前向与后向分支的函数
func emitSample(a *Assembler) {
	a.EnterFrame(10)
	head := a.NewLabel()
	exit := a.NewLabel()
	a.LoadConstant(0, 10)
	a.Spill(3, 0)
	a.Bind(head)
	a.Fill(1, 3)
	a.JumpIfZero(1, exit)
	a.LoadConstant(2, 1)
	a.EmitBinOp(types.BinSub, 1, 1, 2)
	a.Spill(3, 1)
	a.EmitCompare(types.CondLtU, 4, 1, 2)
	a.EmitEqz(5, 4)
	a.MoveStackValue(4, 3)
	a.SpillConstant(5, 7)
	a.Move(a.RegisterFile().Temp, 2)
	a.Jump(head)
	a.Bind(exit)
	a.LoadCallerFrameSlot(6, 0)
	a.MoveToReturnRegister(6)
	a.LeaveFrame()
	a.Ret()
}

// TestAssemble 测试两个架构的完整汇编
func TestAssemble(t *testing.T) {
	for _, arch := range Architectures() {
		t.Run(arch, func(t *testing.T) {
			a := newAssembler(t, arch)
			require.True(t, a.Supported())
			emitSample(a)

			code, err := a.Finish()
			require.NoError(t, err)
			assert.Equal(t, arch, code.Arch)
			assert.Equal(t, 10, code.FrameSlots)
			assert.NotEmpty(t, code.Bytes)
			assert.Equal(t, 1, countLines(code.Listing, "L0:"))
			assert.Equal(t, 1, countLines(code.Listing, "L1:"))
			assert.Equal(t, 1, countLines(code.Listing, "RET"))
			if arch == "arm64" {
				assert.Zero(t, len(code.Bytes)%4)
			}
		})
	}
}

// TestUnresolvedBranch 未绑定的标签使汇编失败
func TestUnresolvedBranch(t *testing.T) {
	a := newAssembler(t, "amd64")
	a.EnterFrame(1)
	l := a.NewLabel()
	a.Jump(l)
	_, err := a.Finish()
	assert.ErrorContains(t, err, "unresolved")
}

// TestBindTwice 重复绑定是编程错误
func TestBindTwice(t *testing.T) {
	a := newAssembler(t, "arm64")
	l := a.NewLabel()
	a.Bind(l)
	assert.Panics(t, func() { a.Bind(l) })
}

// TestTwoAddressSub 目标与 rhs 重合的减法经由暂存寄存器
func TestTwoAddressSub(t *testing.T) {
	a := newAssembler(t, "amd64")
	a.EmitBinOp(types.BinAdd, 1, 0, 1)
	a.EmitBinOp(types.BinSub, 1, 0, 1)
	a.EmitBinOp(types.BinSub, 0, 0, 1)
	a.Ret()
	code, err := a.Finish()
	require.NoError(t, err)
	assert.Equal(t, 1, countLines(code.Listing, "ADDL"))
	assert.Equal(t, 2, countLines(code.Listing, "SUBL"))
	assert.Equal(t, 2, countLines(code.Listing, "R10"))
}

// TestMoveSelf 同一寄存器的移动不产生指令
func TestMoveSelf(t *testing.T) {
	a := newAssembler(t, "amd64")
	a.Move(2, 2)
	a.MoveStackValue(3, 3)
	a.MoveToReturnRegister(0)
	a.Ret()
	code, err := a.Finish()
	require.NoError(t, err)
	assert.Equal(t, 0, countLines(code.Listing, "MOVL"))
}
