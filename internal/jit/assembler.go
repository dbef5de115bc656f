package jit

import "github.com/tangzhangming/lift/internal/jit/types"

// Assembler 机器码后端
//
// 槽位编号 slot 指栈帧中第 slot 个 8 字节槽，与 CacheState 的槽位下标一致。
// 寄存器编号是 RegisterFile 中的下标。实现由 internal/jit/platform 提供。
type Assembler interface {
	// Supported 目标平台是否受支持，不支持时编译器在处理任何指令前回退
	Supported() bool
	RegisterFile() *types.RegisterFile

	// 标签
	NewLabel() types.LabelID
	Bind(l types.LabelID) int
	Jump(l types.LabelID)
	JumpIfZero(r types.Reg, l types.LabelID)

	// 栈帧
	EnterFrame(slots int)
	LeaveFrame()
	Ret()

	// 数据移动
	Move(dst, src types.Reg)
	LoadConstant(dst types.Reg, v int32)
	Spill(slot int, src types.Reg)
	SpillConstant(slot int, v int32)
	Fill(dst types.Reg, slot int)
	MoveStackValue(dstSlot, srcSlot int)
	LoadCallerFrameSlot(dst types.Reg, slot int)
	MoveToReturnRegister(src types.Reg)

	// 运算
	EmitBinOp(op types.BinOp, dst, lhs, rhs types.Reg)
	EmitCompare(cond types.Cond, dst, lhs, rhs types.Reg)
	EmitEqz(dst, src types.Reg)
	Trap()

	// Finish 汇编并返回机器码
	Finish() (*types.Code, error)
}
