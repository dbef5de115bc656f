// Package bytecode 定义 JIT 输入的栈式结构化字节码
//
// 编码与 WebAssembly 函数体一致：单字节操作码，整数立即数使用 LEB128，
// 浮点立即数为小端原始位。块结构 (block/loop/if) 由 end 闭合，
// 函数体本身也以 end 结尾。
package bytecode

import (
	"fmt"
	"strings"
)

// ValueType 值类型
type ValueType byte

const (
	TypeUnknown ValueType = 0x00 // 不可达代码中的多态栈槽
	I32         ValueType = 0x7f
	I64         ValueType = 0x7e
	F32         ValueType = 0x7d
	F64         ValueType = 0x7c
	V128        ValueType = 0x7b
)

// BlockTypeEmpty 空块类型
const BlockTypeEmpty byte = 0x40

var valueTypeNames = map[ValueType]string{
	TypeUnknown: "<unknown>",
	I32:         "i32",
	I64:         "i64",
	F32:         "f32",
	F64:         "f64",
	V128:        "v128",
}

// String 返回类型名
func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(0x%02x)", byte(t))
}

// Valid 是否为可出现在签名或局部变量声明中的类型
func (t ValueType) Valid() bool {
	switch t {
	case I32, I64, F32, F64, V128:
		return true
	}
	return false
}

// ParseValueType 按名字解析类型
func ParseValueType(name string) (ValueType, bool) {
	for t, n := range valueTypeNames {
		if t != TypeUnknown && n == name {
			return t, true
		}
	}
	return TypeUnknown, false
}

// OpCode 操作码类型
type OpCode byte

const (
	// 控制流
	OpUnreachable  OpCode = 0x00
	OpNop          OpCode = 0x01
	OpBlock        OpCode = 0x02 // (blocktype)
	OpLoop         OpCode = 0x03 // (blocktype)
	OpIf           OpCode = 0x04 // (blocktype)
	OpElse         OpCode = 0x05
	OpEnd          OpCode = 0x0b
	OpBr           OpCode = 0x0c // (depth: u32)
	OpBrIf         OpCode = 0x0d // (depth: u32)
	OpBrTable      OpCode = 0x0e // (count: u32, depth*, default: u32)
	OpReturn       OpCode = 0x0f
	OpCall         OpCode = 0x10 // (func: u32)
	OpCallIndirect OpCode = 0x11 // (type: u32, table: u8)

	// 参数栈
	OpDrop   OpCode = 0x1a
	OpSelect OpCode = 0x1b

	// 变量
	OpLocalGet  OpCode = 0x20 // (index: u32)
	OpLocalSet  OpCode = 0x21 // (index: u32)
	OpLocalTee  OpCode = 0x22 // (index: u32)
	OpGlobalGet OpCode = 0x23 // (index: u32)
	OpGlobalSet OpCode = 0x24 // (index: u32)

	// 内存
	OpI32Load    OpCode = 0x28 // (align: u32, offset: u32)
	OpI64Load    OpCode = 0x29
	OpF32Load    OpCode = 0x2a
	OpF64Load    OpCode = 0x2b
	OpI32Store   OpCode = 0x36
	OpI64Store   OpCode = 0x37
	OpF32Store   OpCode = 0x38
	OpF64Store   OpCode = 0x39
	OpMemorySize OpCode = 0x3f // (memory: u8)
	OpMemoryGrow OpCode = 0x40 // (memory: u8)

	// 常量
	OpI32Const OpCode = 0x41 // (value: s32)
	OpI64Const OpCode = 0x42 // (value: s64)
	OpF32Const OpCode = 0x43 // (bits: 4 bytes)
	OpF64Const OpCode = 0x44 // (bits: 8 bytes)

	// i32 比较
	OpI32Eqz OpCode = 0x45
	OpI32Eq  OpCode = 0x46
	OpI32Ne  OpCode = 0x47
	OpI32LtS OpCode = 0x48
	OpI32LtU OpCode = 0x49
	OpI32GtS OpCode = 0x4a
	OpI32GtU OpCode = 0x4b
	OpI32LeS OpCode = 0x4c
	OpI32LeU OpCode = 0x4d
	OpI32GeS OpCode = 0x4e
	OpI32GeU OpCode = 0x4f

	// i64 比较
	OpI64Eqz OpCode = 0x50
	OpI64Eq  OpCode = 0x51
	OpI64Ne  OpCode = 0x52
	OpI64LtS OpCode = 0x53

	// f32/f64 比较
	OpF32Eq OpCode = 0x5b
	OpF64Eq OpCode = 0x61

	// i32 算术
	OpI32Clz    OpCode = 0x67
	OpI32Ctz    OpCode = 0x68
	OpI32Popcnt OpCode = 0x69
	OpI32Add    OpCode = 0x6a
	OpI32Sub    OpCode = 0x6b
	OpI32Mul    OpCode = 0x6c
	OpI32DivS   OpCode = 0x6d
	OpI32DivU   OpCode = 0x6e
	OpI32RemS   OpCode = 0x6f
	OpI32RemU   OpCode = 0x70
	OpI32And    OpCode = 0x71
	OpI32Or     OpCode = 0x72
	OpI32Xor    OpCode = 0x73
	OpI32Shl    OpCode = 0x74
	OpI32ShrS   OpCode = 0x75
	OpI32ShrU   OpCode = 0x76
	OpI32Rotl   OpCode = 0x77
	OpI32Rotr   OpCode = 0x78

	// i64 算术
	OpI64Add OpCode = 0x7c
	OpI64Sub OpCode = 0x7d
	OpI64Mul OpCode = 0x7e

	// 浮点算术
	OpF32Add OpCode = 0x92
	OpF32Sub OpCode = 0x93
	OpF64Add OpCode = 0xa0
	OpF64Sub OpCode = 0xa1

	// 转换
	OpI32WrapI64    OpCode = 0xa7
	OpI64ExtendI32S OpCode = 0xac
	OpI64ExtendI32U OpCode = 0xad
)

// ImmKind 立即数种类
type ImmKind uint8

const (
	ImmNone         ImmKind = iota // 无立即数
	ImmBlockType                   // 块类型字节
	ImmIndex                       // u32 LEB128 索引或深度
	ImmI32                         // s32 LEB128
	ImmI64                         // s64 LEB128
	ImmF32                         // 4 字节小端
	ImmF64                         // 8 字节小端
	ImmBrTable                     // 跳转表
	ImmMemArg                      // align + offset
	ImmCallIndirect                // 类型索引 + 表索引字节
	ImmMemory                      // 内存索引字节
)

// OpClass 操作码类别，决定校验器如何处理操作数栈
type OpClass uint8

const (
	ClassControl    OpClass = iota // 结构化控制流
	ClassVariable                  // 局部/全局变量
	ClassConst                     // 常量
	ClassNumeric                   // 固定签名的数值运算
	ClassParametric                // drop / select
	ClassModule                    // 需要模块上下文 (调用、内存、全局)
)

// OpInfo 操作码元信息
type OpInfo struct {
	Name    string
	Imm     ImmKind
	Class   OpClass
	Params  []ValueType // 仅 ClassNumeric
	Results []ValueType // 仅 ClassNumeric
}

func numeric(name string, params []ValueType, result ValueType) OpInfo {
	return OpInfo{Name: name, Class: ClassNumeric, Params: params, Results: []ValueType{result}}
}

var (
	i32x1 = []ValueType{I32}
	i32x2 = []ValueType{I32, I32}
	i64x1 = []ValueType{I64}
	i64x2 = []ValueType{I64, I64}
	f32x2 = []ValueType{F32, F32}
	f64x2 = []ValueType{F64, F64}
)

var opInfos = map[OpCode]OpInfo{
	OpUnreachable:  {Name: "unreachable", Class: ClassControl},
	OpNop:          {Name: "nop", Class: ClassControl},
	OpBlock:        {Name: "block", Imm: ImmBlockType, Class: ClassControl},
	OpLoop:         {Name: "loop", Imm: ImmBlockType, Class: ClassControl},
	OpIf:           {Name: "if", Imm: ImmBlockType, Class: ClassControl},
	OpElse:         {Name: "else", Class: ClassControl},
	OpEnd:          {Name: "end", Class: ClassControl},
	OpBr:           {Name: "br", Imm: ImmIndex, Class: ClassControl},
	OpBrIf:         {Name: "br_if", Imm: ImmIndex, Class: ClassControl},
	OpBrTable:      {Name: "br_table", Imm: ImmBrTable, Class: ClassControl},
	OpReturn:       {Name: "return", Class: ClassControl},
	OpCall:         {Name: "call", Imm: ImmIndex, Class: ClassModule},
	OpCallIndirect: {Name: "call_indirect", Imm: ImmCallIndirect, Class: ClassModule},

	OpDrop:   {Name: "drop", Class: ClassParametric},
	OpSelect: {Name: "select", Class: ClassParametric},

	OpLocalGet:  {Name: "local.get", Imm: ImmIndex, Class: ClassVariable},
	OpLocalSet:  {Name: "local.set", Imm: ImmIndex, Class: ClassVariable},
	OpLocalTee:  {Name: "local.tee", Imm: ImmIndex, Class: ClassVariable},
	OpGlobalGet: {Name: "global.get", Imm: ImmIndex, Class: ClassModule},
	OpGlobalSet: {Name: "global.set", Imm: ImmIndex, Class: ClassModule},

	OpI32Load:    {Name: "i32.load", Imm: ImmMemArg, Class: ClassModule},
	OpI64Load:    {Name: "i64.load", Imm: ImmMemArg, Class: ClassModule},
	OpF32Load:    {Name: "f32.load", Imm: ImmMemArg, Class: ClassModule},
	OpF64Load:    {Name: "f64.load", Imm: ImmMemArg, Class: ClassModule},
	OpI32Store:   {Name: "i32.store", Imm: ImmMemArg, Class: ClassModule},
	OpI64Store:   {Name: "i64.store", Imm: ImmMemArg, Class: ClassModule},
	OpF32Store:   {Name: "f32.store", Imm: ImmMemArg, Class: ClassModule},
	OpF64Store:   {Name: "f64.store", Imm: ImmMemArg, Class: ClassModule},
	OpMemorySize: {Name: "memory.size", Imm: ImmMemory, Class: ClassModule},
	OpMemoryGrow: {Name: "memory.grow", Imm: ImmMemory, Class: ClassModule},

	OpI32Const: {Name: "i32.const", Imm: ImmI32, Class: ClassConst},
	OpI64Const: {Name: "i64.const", Imm: ImmI64, Class: ClassConst},
	OpF32Const: {Name: "f32.const", Imm: ImmF32, Class: ClassConst},
	OpF64Const: {Name: "f64.const", Imm: ImmF64, Class: ClassConst},

	OpI32Eqz: numeric("i32.eqz", i32x1, I32),
	OpI32Eq:  numeric("i32.eq", i32x2, I32),
	OpI32Ne:  numeric("i32.ne", i32x2, I32),
	OpI32LtS: numeric("i32.lt_s", i32x2, I32),
	OpI32LtU: numeric("i32.lt_u", i32x2, I32),
	OpI32GtS: numeric("i32.gt_s", i32x2, I32),
	OpI32GtU: numeric("i32.gt_u", i32x2, I32),
	OpI32LeS: numeric("i32.le_s", i32x2, I32),
	OpI32LeU: numeric("i32.le_u", i32x2, I32),
	OpI32GeS: numeric("i32.ge_s", i32x2, I32),
	OpI32GeU: numeric("i32.ge_u", i32x2, I32),

	OpI64Eqz: numeric("i64.eqz", i64x1, I32),
	OpI64Eq:  numeric("i64.eq", i64x2, I32),
	OpI64Ne:  numeric("i64.ne", i64x2, I32),
	OpI64LtS: numeric("i64.lt_s", i64x2, I32),

	OpF32Eq: numeric("f32.eq", f32x2, I32),
	OpF64Eq: numeric("f64.eq", f64x2, I32),

	OpI32Clz:    numeric("i32.clz", i32x1, I32),
	OpI32Ctz:    numeric("i32.ctz", i32x1, I32),
	OpI32Popcnt: numeric("i32.popcnt", i32x1, I32),
	OpI32Add:    numeric("i32.add", i32x2, I32),
	OpI32Sub:    numeric("i32.sub", i32x2, I32),
	OpI32Mul:    numeric("i32.mul", i32x2, I32),
	OpI32DivS:   numeric("i32.div_s", i32x2, I32),
	OpI32DivU:   numeric("i32.div_u", i32x2, I32),
	OpI32RemS:   numeric("i32.rem_s", i32x2, I32),
	OpI32RemU:   numeric("i32.rem_u", i32x2, I32),
	OpI32And:    numeric("i32.and", i32x2, I32),
	OpI32Or:     numeric("i32.or", i32x2, I32),
	OpI32Xor:    numeric("i32.xor", i32x2, I32),
	OpI32Shl:    numeric("i32.shl", i32x2, I32),
	OpI32ShrS:   numeric("i32.shr_s", i32x2, I32),
	OpI32ShrU:   numeric("i32.shr_u", i32x2, I32),
	OpI32Rotl:   numeric("i32.rotl", i32x2, I32),
	OpI32Rotr:   numeric("i32.rotr", i32x2, I32),

	OpI64Add: numeric("i64.add", i64x2, I64),
	OpI64Sub: numeric("i64.sub", i64x2, I64),
	OpI64Mul: numeric("i64.mul", i64x2, I64),

	OpF32Add: numeric("f32.add", f32x2, F32),
	OpF32Sub: numeric("f32.sub", f32x2, F32),
	OpF64Add: numeric("f64.add", f64x2, F64),
	OpF64Sub: numeric("f64.sub", f64x2, F64),

	OpI32WrapI64:    numeric("i32.wrap_i64", i64x1, I32),
	OpI64ExtendI32S: numeric("i64.extend_i32_s", i32x1, I64),
	OpI64ExtendI32U: numeric("i64.extend_i32_u", i32x1, I64),
}

var opByName = func() map[string]OpCode {
	m := make(map[string]OpCode, len(opInfos))
	for op, info := range opInfos {
		m[info.Name] = op
	}
	return m
}()

// Info 返回操作码元信息
func (op OpCode) Info() (OpInfo, bool) {
	info, ok := opInfos[op]
	return info, ok
}

// String 返回操作码助记符
func (op OpCode) String() string {
	if info, ok := opInfos[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("op(0x%02x)", byte(op))
}

// LookupOp 按助记符查找操作码
func LookupOp(name string) (OpCode, bool) {
	op, ok := opByName[strings.ToLower(name)]
	return op, ok
}
