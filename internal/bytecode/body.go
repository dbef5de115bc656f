package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ============================================================================
// 函数体
// ============================================================================

// Signature 函数签名
type Signature struct {
	Params  []ValueType
	Results []ValueType
}

// String 返回 (i32, i32) -> (i32) 形式的签名
func (s Signature) String() string {
	join := func(ts []ValueType) string {
		parts := make([]string, len(ts))
		for i, t := range ts {
			parts[i] = t.String()
		}
		return strings.Join(parts, ", ")
	}
	return "(" + join(s.Params) + ") -> (" + join(s.Results) + ")"
}

// LocalDecl 局部变量声明：Count 个 Type 类型的变量
type LocalDecl struct {
	Count uint32
	Type  ValueType
}

// MaxLocals 单个函数允许的局部变量总数上限
const MaxLocals = 50000

// Body 待编译的函数
type Body struct {
	Name   string
	Sig    Signature
	Locals []LocalDecl // 不含参数
	Code   []byte      // 以 end 结尾的指令流
}

// NumLocals 返回参数与局部变量的总数
func (b *Body) NumLocals() int {
	n := len(b.Sig.Params)
	for _, d := range b.Locals {
		n += int(d.Count)
	}
	return n
}

// LocalType 返回第 i 个局部变量的类型，参数排在最前
func (b *Body) LocalType(i int) ValueType {
	if i < len(b.Sig.Params) {
		return b.Sig.Params[i]
	}
	i -= len(b.Sig.Params)
	for _, d := range b.Locals {
		if i < int(d.Count) {
			return d.Type
		}
		i -= int(d.Count)
	}
	return TypeUnknown
}

// ============================================================================
// 字节码构建器
// ============================================================================

// Builder 指令流构建器
type Builder struct {
	code []byte
}

// NewBuilder 创建构建器
func NewBuilder() *Builder {
	return &Builder{code: make([]byte, 0, 64)}
}

// WriteOp 写入操作码
func (b *Builder) WriteOp(op OpCode) *Builder {
	b.code = append(b.code, byte(op))
	return b
}

// WriteU8 写入单字节
func (b *Builder) WriteU8(v byte) *Builder {
	b.code = append(b.code, v)
	return b
}

// WriteU32 写入无符号 LEB128
func (b *Builder) WriteU32(v uint32) *Builder {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b.code = append(b.code, c)
		if v == 0 {
			return b
		}
	}
}

// WriteS64 写入有符号 LEB128
func (b *Builder) WriteS64(v int64) *Builder {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b.code = append(b.code, c)
		if done {
			return b
		}
	}
}

// WriteS32 写入有符号 LEB128
func (b *Builder) WriteS32(v int32) *Builder {
	return b.WriteS64(int64(v))
}

// I32Const 写入 i32.const
func (b *Builder) I32Const(v int32) *Builder { return b.WriteOp(OpI32Const).WriteS32(v) }

// I64Const 写入 i64.const
func (b *Builder) I64Const(v int64) *Builder { return b.WriteOp(OpI64Const).WriteS64(v) }

// F32Const 写入 f32.const
func (b *Builder) F32Const(v float32) *Builder {
	b.WriteOp(OpF32Const)
	b.code = binary.LittleEndian.AppendUint32(b.code, math.Float32bits(v))
	return b
}

// F64Const 写入 f64.const
func (b *Builder) F64Const(v float64) *Builder {
	b.WriteOp(OpF64Const)
	b.code = binary.LittleEndian.AppendUint64(b.code, math.Float64bits(v))
	return b
}

// LocalGet 写入 local.get
func (b *Builder) LocalGet(i uint32) *Builder { return b.WriteOp(OpLocalGet).WriteU32(i) }

// LocalSet 写入 local.set
func (b *Builder) LocalSet(i uint32) *Builder { return b.WriteOp(OpLocalSet).WriteU32(i) }

// LocalTee 写入 local.tee
func (b *Builder) LocalTee(i uint32) *Builder { return b.WriteOp(OpLocalTee).WriteU32(i) }

// Block 写入 block；不带参数表示空块类型
func (b *Builder) Block(result ...ValueType) *Builder { return b.blockOp(OpBlock, result) }

// Loop 写入 loop
func (b *Builder) Loop(result ...ValueType) *Builder { return b.blockOp(OpLoop, result) }

// If 写入 if
func (b *Builder) If(result ...ValueType) *Builder { return b.blockOp(OpIf, result) }

func (b *Builder) blockOp(op OpCode, result []ValueType) *Builder {
	b.WriteOp(op)
	if len(result) == 0 {
		return b.WriteU8(BlockTypeEmpty)
	}
	return b.WriteU8(byte(result[0]))
}

// Else 写入 else
func (b *Builder) Else() *Builder { return b.WriteOp(OpElse) }

// End 写入 end
func (b *Builder) End() *Builder { return b.WriteOp(OpEnd) }

// Br 写入 br
func (b *Builder) Br(depth uint32) *Builder { return b.WriteOp(OpBr).WriteU32(depth) }

// BrIf 写入 br_if
func (b *Builder) BrIf(depth uint32) *Builder { return b.WriteOp(OpBrIf).WriteU32(depth) }

// BrTable 写入 br_table
func (b *Builder) BrTable(targets []uint32, def uint32) *Builder {
	b.WriteOp(OpBrTable).WriteU32(uint32(len(targets)))
	for _, t := range targets {
		b.WriteU32(t)
	}
	return b.WriteU32(def)
}

// Return 写入 return
func (b *Builder) Return() *Builder { return b.WriteOp(OpReturn) }

// Drop 写入 drop
func (b *Builder) Drop() *Builder { return b.WriteOp(OpDrop) }

// Nop 写入 nop
func (b *Builder) Nop() *Builder { return b.WriteOp(OpNop) }

// Unreachable 写入 unreachable
func (b *Builder) Unreachable() *Builder { return b.WriteOp(OpUnreachable) }

// Bytes 返回指令流
func (b *Builder) Bytes() []byte {
	return b.code
}

// Len 返回已写入字节数
func (b *Builder) Len() int {
	return len(b.code)
}

// ============================================================================
// 字节码读取器
// ============================================================================

var (
	// ErrUnexpectedEOF 指令流意外结束
	ErrUnexpectedEOF = errors.New("unexpected end of code")
	// ErrLEBOverflow LEB128 编码超出目标宽度
	ErrLEBOverflow = errors.New("leb128 overflow")
)

// Instr 解码后的一条指令
type Instr struct {
	Offset    int
	Op        OpCode
	BlockType byte     // ImmBlockType
	Index     uint32   // ImmIndex / ImmCallIndirect 的类型索引 / ImmMemArg 的 offset
	Align     uint32   // ImmMemArg
	I32       int32    // ImmI32
	I64       int64    // ImmI64
	Bits      uint64   // ImmF32 / ImmF64
	Targets   []uint32 // ImmBrTable，不含默认目标
	Default   uint32   // ImmBrTable
}

// Reader 指令流读取器
type Reader struct {
	code []byte
	pos  int
}

// NewReader 创建读取器
func NewReader(code []byte) *Reader {
	return &Reader{code: code}
}

// Pos 返回当前位置
func (r *Reader) Pos() int { return r.pos }

// EOF 是否已读完
func (r *Reader) EOF() bool { return r.pos >= len(r.code) }

// ReadByte 读取单字节
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.code) {
		return 0, ErrUnexpectedEOF
	}
	b := r.code[r.pos]
	r.pos++
	return b, nil
}

// ReadU32 读取无符号 LEB128
func (r *Reader) ReadU32() (uint32, error) {
	var result uint32
	for shift := uint(0); ; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if shift == 28 && b&0x70 != 0 {
			return 0, ErrLEBOverflow
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		if shift >= 28 {
			return 0, ErrLEBOverflow
		}
	}
}

// readSigned 读取有符号 LEB128，bits 为目标宽度
func (r *Reader) readSigned(bits uint) (int64, error) {
	var result int64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				result |= -1 << shift
			}
			break
		}
		if shift >= bits {
			return 0, ErrLEBOverflow
		}
	}
	if bits < 64 && (result < -(1<<(bits-1)) || result >= 1<<(bits-1)) {
		return 0, ErrLEBOverflow
	}
	return result, nil
}

// ReadS32 读取 32 位有符号 LEB128
func (r *Reader) ReadS32() (int32, error) {
	v, err := r.readSigned(32)
	return int32(v), err
}

// ReadS64 读取 64 位有符号 LEB128
func (r *Reader) ReadS64() (int64, error) {
	return r.readSigned(64)
}

func (r *Reader) readFixed(n int) (uint64, error) {
	if r.pos+n > len(r.code) {
		return 0, ErrUnexpectedEOF
	}
	var v uint64
	if n == 4 {
		v = uint64(binary.LittleEndian.Uint32(r.code[r.pos:]))
	} else {
		v = binary.LittleEndian.Uint64(r.code[r.pos:])
	}
	r.pos += n
	return v, nil
}

// Next 解码下一条指令及其立即数
func (r *Reader) Next() (Instr, error) {
	in := Instr{Offset: r.pos}
	b, err := r.ReadByte()
	if err != nil {
		return in, err
	}
	in.Op = OpCode(b)
	info, ok := in.Op.Info()
	if !ok {
		return in, fmt.Errorf("unknown opcode 0x%02x at offset %d", b, in.Offset)
	}

	switch info.Imm {
	case ImmBlockType, ImmMemory:
		in.BlockType, err = r.ReadByte()
	case ImmIndex:
		in.Index, err = r.ReadU32()
	case ImmI32:
		in.I32, err = r.ReadS32()
	case ImmI64:
		in.I64, err = r.ReadS64()
	case ImmF32:
		in.Bits, err = r.readFixed(4)
	case ImmF64:
		in.Bits, err = r.readFixed(8)
	case ImmMemArg:
		if in.Align, err = r.ReadU32(); err == nil {
			in.Index, err = r.ReadU32()
		}
	case ImmCallIndirect:
		if in.Index, err = r.ReadU32(); err == nil {
			_, err = r.ReadByte()
		}
	case ImmBrTable:
		var n uint32
		if n, err = r.ReadU32(); err != nil {
			break
		}
		if int(n) > len(r.code)-r.pos {
			err = ErrUnexpectedEOF
			break
		}
		in.Targets = make([]uint32, n)
		for i := range in.Targets {
			if in.Targets[i], err = r.ReadU32(); err != nil {
				break
			}
		}
		if err == nil {
			in.Default, err = r.ReadU32()
		}
	}
	if err != nil {
		return in, fmt.Errorf("%s at offset %d: %w", in.Op, in.Offset, err)
	}
	return in, nil
}
