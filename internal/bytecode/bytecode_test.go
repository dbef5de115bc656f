package bytecode

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLEB128 测试 LEB128 编解码边界值
func TestLEB128(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 63, 64, -64, -65, 127, 128, math.MaxInt32, math.MinInt32} {
		code := NewBuilder().WriteS32(v).Bytes()
		got, err := NewReader(code).ReadS32()
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
	}
	for _, v := range []uint32{0, 1, 127, 128, 16384, math.MaxUint32} {
		code := NewBuilder().WriteU32(v).Bytes()
		got, err := NewReader(code).ReadU32()
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
	}
	for _, v := range []int64{0, -1, math.MaxInt64, math.MinInt64} {
		code := NewBuilder().WriteS64(v).Bytes()
		got, err := NewReader(code).ReadS64()
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, got)
	}
}

// TestLEB128Errors 测试截断与溢出
func TestLEB128Errors(t *testing.T) {
	_, err := NewReader([]byte{0x80}).ReadU32()
	assert.ErrorIs(t, err, ErrUnexpectedEOF)

	_, err = NewReader([]byte{0xff, 0xff, 0xff, 0xff, 0x7f}).ReadU32()
	assert.ErrorIs(t, err, ErrLEBOverflow)

	// i64 范围的值不能作为 i32 读取
	code := NewBuilder().WriteS64(1 << 40).Bytes()
	_, err = NewReader(code).ReadS32()
	assert.ErrorIs(t, err, ErrLEBOverflow)
}

// TestReaderNext 测试指令解码
func TestReaderNext(t *testing.T) {
	code := NewBuilder().
		Block(I32).
		I32Const(-7).
		LocalGet(3).
		BrTable([]uint32{0, 1}, 2).
		End().
		Bytes()

	r := NewReader(code)
	var ops []OpCode
	var instrs []Instr
	for !r.EOF() {
		in, err := r.Next()
		require.NoError(t, err)
		ops = append(ops, in.Op)
		instrs = append(instrs, in)
	}
	assert.Equal(t, []OpCode{OpBlock, OpI32Const, OpLocalGet, OpBrTable, OpEnd}, ops)
	assert.Equal(t, byte(I32), instrs[0].BlockType)
	assert.Equal(t, int32(-7), instrs[1].I32)
	assert.Equal(t, uint32(3), instrs[2].Index)
	assert.Equal(t, []uint32{0, 1}, instrs[3].Targets)
	assert.Equal(t, uint32(2), instrs[3].Default)
}

// TestUnknownOpcode 测试未知操作码
func TestUnknownOpcode(t *testing.T) {
	_, err := NewReader([]byte{0xff}).Next()
	assert.Error(t, err)
}

// TestBodyLocals 测试局部变量索引与类型
func TestBodyLocals(t *testing.T) {
	body := &Body{
		Sig:    Signature{Params: []ValueType{I32, I64}},
		Locals: []LocalDecl{{Count: 2, Type: I32}, {Count: 1, Type: F64}},
	}
	assert.Equal(t, 5, body.NumLocals())
	assert.Equal(t, I32, body.LocalType(0))
	assert.Equal(t, I64, body.LocalType(1))
	assert.Equal(t, I32, body.LocalType(3))
	assert.Equal(t, F64, body.LocalType(4))
	assert.Equal(t, TypeUnknown, body.LocalType(5))
}

// TestParse 测试文本格式解析
func TestParse(t *testing.T) {
	src := `
func add
param i32 i32
result i32
local i32 2   # scratch
local.get 0
local.get 1
i32.add
`
	body, err := Parse(src)
	require.NoError(t, err)
	assert.Equal(t, "add", body.Name)
	assert.Equal(t, "(i32, i32) -> (i32)", body.Sig.String())
	assert.Equal(t, 4, body.NumLocals())

	want := NewBuilder().LocalGet(0).LocalGet(1).WriteOp(OpI32Add).End().Bytes()
	assert.Equal(t, want, body.Code)
}

// TestParseErrors 测试文本格式错误
func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"unknown instruction", "i32.frobnicate", 1},
		{"bad type", "param i33", 1},
		{"missing immediate", "\nlocal.get", 2},
		{"after final end", "end\nnop", 2},
		{"bad i32", "i32.const 0x1ffffffff", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.line, pe.Line)
		})
	}

	_, err := Parse("block\nnop")
	assert.Error(t, err)
}

// TestParseAll 一个文件中的多个函数
func TestParseAll(t *testing.T) {
	src := `# module
func one
result i32
i32.const 1

func two
param i32
drop
`
	bodies, err := ParseAll(src)
	require.NoError(t, err)
	require.Len(t, bodies, 2)
	assert.Equal(t, "one", bodies[0].Name)
	assert.Equal(t, "two", bodies[1].Name)
	assert.Equal(t, NewBuilder().I32Const(1).End().Bytes(), bodies[0].Code)

	_, err = ParseAll("func a\nnop\nfunc b\nbogus\n")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 4, pe.Line)

	bodies, err = ParseAll("  \n# nothing\n")
	require.NoError(t, err)
	assert.Empty(t, bodies)
}

// TestDisassembleRoundTrip 测试反汇编结果可以重新解析
func TestDisassembleRoundTrip(t *testing.T) {
	src := `func f
param i32
result i32
block i32
  local.get 0
  if
    i32.const 1
    br 1
  else
    nop
  end
  i32.const 2
end
`
	body, err := Parse(src)
	require.NoError(t, err)

	text, err := Disassemble(body)
	require.NoError(t, err)
	assert.Equal(t, src, text)

	again, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, body.Code, again.Code)
}

// TestLookupOp 测试助记符查找
func TestLookupOp(t *testing.T) {
	op, ok := LookupOp("i32.add")
	require.True(t, ok)
	assert.Equal(t, OpI32Add, op)
	assert.Equal(t, "i32.add", op.String())

	_, ok = LookupOp("i32.nope")
	assert.False(t, ok)
	assert.Equal(t, "op(0xff)", OpCode(0xff).String())
}
