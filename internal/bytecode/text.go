// text.go - 字节码文本格式
//
// 每行一条指令或一条声明，# 与 ;; 开头为注释：
//
//	func add
//	param i32 i32
//	result i32
//	local i32 2
//	local.get 0
//	local.get 1
//	i32.add
//
// 函数体结尾的 end 可以省略，Parse 会在所有块闭合后补齐。

package bytecode

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseError 文本解析错误
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// Parse 解析文本格式的函数
func Parse(src string) (*Body, error) {
	body := &Body{}
	b := NewBuilder()
	depth := 0
	closed := false

	sc := bufio.NewScanner(strings.NewReader(src))
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(stripComment(sc.Text()))
		if len(fields) == 0 {
			continue
		}
		fail := func(format string, args ...any) error {
			return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
		}
		if closed {
			return nil, fail("instruction after final end")
		}

		switch fields[0] {
		case "func":
			if len(fields) != 2 {
				return nil, fail("func expects a name")
			}
			body.Name = fields[1]
			continue
		case "param", "result":
			types, err := parseTypes(fields[1:])
			if err != nil {
				return nil, fail("%v", err)
			}
			if fields[0] == "param" {
				body.Sig.Params = append(body.Sig.Params, types...)
			} else {
				body.Sig.Results = append(body.Sig.Results, types...)
			}
			continue
		case "local":
			if len(fields) < 2 || len(fields) > 3 {
				return nil, fail("local expects a type and an optional count")
			}
			t, ok := ParseValueType(fields[1])
			if !ok {
				return nil, fail("unknown type %q", fields[1])
			}
			count := uint64(1)
			if len(fields) == 3 {
				n, err := strconv.ParseUint(fields[2], 10, 32)
				if err != nil {
					return nil, fail("bad local count %q", fields[2])
				}
				count = n
			}
			body.Locals = append(body.Locals, LocalDecl{Count: uint32(count), Type: t})
			continue
		}

		op, ok := LookupOp(fields[0])
		if !ok {
			return nil, fail("unknown instruction %q", fields[0])
		}
		info, _ := op.Info()
		args := fields[1:]
		if err := writeImmediate(b, op, info.Imm, args); err != nil {
			return nil, fail("%s: %v", op, err)
		}

		switch op {
		case OpBlock, OpLoop, OpIf:
			depth++
		case OpEnd:
			if depth == 0 {
				closed = true
			} else {
				depth--
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	if !closed {
		if depth != 0 {
			return nil, &ParseError{Line: line, Msg: fmt.Sprintf("%d unclosed block(s)", depth)}
		}
		b.End()
	}
	body.Code = b.Bytes()
	return body, nil
}

// ParseAll 解析包含多个函数的源文件，每个 func 行开始一个新函数
func ParseAll(src string) ([]*Body, error) {
	var bodies []*Body
	var chunk strings.Builder
	start, content := 1, false
	flush := func() error {
		if !content {
			return nil
		}
		// 补齐前面的行，错误中的行号对应整个文件
		body, err := Parse(strings.Repeat("\n", start-1) + chunk.String())
		if err != nil {
			return err
		}
		bodies = append(bodies, body)
		return nil
	}

	for i, text := range strings.Split(src, "\n") {
		fields := strings.Fields(stripComment(text))
		if len(fields) > 0 && fields[0] == "func" && content {
			if err := flush(); err != nil {
				return nil, err
			}
			chunk.Reset()
			start, content = i+1, false
		}
		if len(fields) > 0 {
			content = true
		}
		chunk.WriteString(text)
		chunk.WriteByte('\n')
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return bodies, nil
}

func stripComment(text string) string {
	if i := strings.Index(text, "#"); i >= 0 {
		text = text[:i]
	}
	if i := strings.Index(text, ";;"); i >= 0 {
		text = text[:i]
	}
	return text
}

func parseTypes(names []string) ([]ValueType, error) {
	types := make([]ValueType, 0, len(names))
	for _, n := range names {
		t, ok := ParseValueType(n)
		if !ok {
			return nil, fmt.Errorf("unknown type %q", n)
		}
		types = append(types, t)
	}
	return types, nil
}

func writeImmediate(b *Builder, op OpCode, imm ImmKind, args []string) error {
	want := 1
	switch imm {
	case ImmNone:
		want = 0
	case ImmBlockType:
		if len(args) == 0 {
			want = 0
		}
	case ImmMemArg, ImmCallIndirect:
		want = 2
	case ImmMemory:
		want = 0
	case ImmBrTable:
		if len(args) == 0 {
			return fmt.Errorf("expects at least a default target")
		}
		want = len(args)
	}
	if len(args) != want {
		return fmt.Errorf("expects %d immediate(s), got %d", want, len(args))
	}

	if imm == ImmF32 || imm == ImmF64 {
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("bad float literal %q", args[0])
		}
		if imm == ImmF32 {
			b.F32Const(float32(v))
		} else {
			b.F64Const(v)
		}
		return nil
	}

	b.WriteOp(op)
	switch imm {
	case ImmBlockType:
		if len(args) == 0 {
			b.WriteU8(BlockTypeEmpty)
			return nil
		}
		t, ok := ParseValueType(args[0])
		if !ok {
			return fmt.Errorf("unknown block type %q", args[0])
		}
		b.WriteU8(byte(t))
	case ImmIndex:
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return err
		}
		b.WriteU32(uint32(v))
	case ImmI32:
		v, err := strconv.ParseInt(args[0], 0, 64)
		if err != nil || v < math.MinInt32 || v > math.MaxUint32 {
			return fmt.Errorf("bad i32 literal %q", args[0])
		}
		b.WriteS32(int32(v))
	case ImmI64:
		v, err := strconv.ParseInt(args[0], 0, 64)
		if err != nil {
			return fmt.Errorf("bad i64 literal %q", args[0])
		}
		b.WriteS64(v)
	case ImmMemArg, ImmCallIndirect:
		for i, a := range args {
			v, err := strconv.ParseUint(a, 10, 32)
			if err != nil {
				return err
			}
			if imm == ImmCallIndirect && i == 1 {
				b.WriteU8(byte(v))
			} else {
				b.WriteU32(uint32(v))
			}
		}
	case ImmMemory:
		b.WriteU8(0)
	case ImmBrTable:
		depths := make([]uint32, len(args))
		for i, a := range args {
			v, err := strconv.ParseUint(a, 10, 32)
			if err != nil {
				return err
			}
			depths[i] = uint32(v)
		}
		b.WriteU32(uint32(len(depths) - 1))
		for _, d := range depths {
			b.WriteU32(d)
		}
	}
	return nil
}

// Disassemble 将函数还原为文本格式，省略函数体末尾的 end
func Disassemble(body *Body) (string, error) {
	var sb strings.Builder
	if body.Name != "" {
		fmt.Fprintf(&sb, "func %s\n", body.Name)
	}
	writeTypes := func(kw string, ts []ValueType) {
		if len(ts) == 0 {
			return
		}
		sb.WriteString(kw)
		for _, t := range ts {
			sb.WriteByte(' ')
			sb.WriteString(t.String())
		}
		sb.WriteByte('\n')
	}
	writeTypes("param", body.Sig.Params)
	writeTypes("result", body.Sig.Results)
	for _, d := range body.Locals {
		fmt.Fprintf(&sb, "local %s %d\n", d.Type, d.Count)
	}

	r := NewReader(body.Code)
	indent := 0
	for !r.EOF() {
		in, err := r.Next()
		if err != nil {
			return sb.String(), err
		}
		if in.Op == OpEnd || in.Op == OpElse {
			indent--
		}
		if in.Op == OpEnd && indent < 0 && r.EOF() {
			break
		}
		sb.WriteString(strings.Repeat("  ", max(indent, 0)))
		sb.WriteString(FormatInstr(in))
		sb.WriteByte('\n')
		switch in.Op {
		case OpBlock, OpLoop, OpIf, OpElse:
			indent++
		}
	}
	return sb.String(), nil
}

// FormatInstr 格式化单条指令
func FormatInstr(in Instr) string {
	info, ok := in.Op.Info()
	if !ok {
		return in.Op.String()
	}
	switch info.Imm {
	case ImmBlockType:
		if in.BlockType == BlockTypeEmpty {
			return info.Name
		}
		return info.Name + " " + ValueType(in.BlockType).String()
	case ImmIndex:
		return fmt.Sprintf("%s %d", info.Name, in.Index)
	case ImmI32:
		return fmt.Sprintf("%s %d", info.Name, in.I32)
	case ImmI64:
		return fmt.Sprintf("%s %d", info.Name, in.I64)
	case ImmF32:
		return fmt.Sprintf("%s %v", info.Name, math.Float32frombits(uint32(in.Bits)))
	case ImmF64:
		return fmt.Sprintf("%s %v", info.Name, math.Float64frombits(in.Bits))
	case ImmMemArg:
		return fmt.Sprintf("%s %d %d", info.Name, in.Align, in.Index)
	case ImmCallIndirect:
		return fmt.Sprintf("%s %d 0", info.Name, in.Index)
	case ImmBrTable:
		var sb strings.Builder
		sb.WriteString(info.Name)
		for _, t := range in.Targets {
			fmt.Fprintf(&sb, " %d", t)
		}
		fmt.Fprintf(&sb, " %d", in.Default)
		return sb.String()
	}
	return info.Name
}
