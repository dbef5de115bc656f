// Package errors 提供 JIT 的诊断码、诊断格式化与报告器
package errors

// ============================================================================
// 诊断级别
// ============================================================================

// Level 诊断级别
type Level int

const (
	LevelError   Level = iota // 错误
	LevelWarning              // 警告
	LevelNote                 // 提示
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelNote:
		return "note"
	default:
		return "unknown"
	}
}

// ============================================================================
// 诊断码 (L 开头)
// ============================================================================

const (
	// L0001-L0099: 回退，函数交给其他执行策略
	L0001 = "L0001" // 不支持的操作
	L0002 = "L0002" // 值栈过深
	L0003 = "L0003" // 寄存器耗尽
	L0004 = "L0004" // 不支持的值类型
	L0005 = "L0005" // 不支持的目标平台

	// L0100-L0199: 字节码错误
	L0100 = "L0100" // 无效字节码
	L0101 = "L0101" // 操作数类型不匹配
	L0102 = "L0102" // 控制结构不匹配

	// L0900-L0999: 编译器内部错误
	L0900 = "L0900" // 不变量被破坏
)

// CodeInfo 诊断码信息
type CodeInfo struct {
	Code     string // 诊断码
	Level    Level  // 默认级别
	Summary  string // 简述
	Category string // 分类
}

// codeInfos 诊断码信息表
var codeInfos = map[string]CodeInfo{
	L0001: {L0001, LevelWarning, "unsupported operation", "bailout"},
	L0002: {L0002, LevelWarning, "value stack too deep", "bailout"},
	L0003: {L0003, LevelWarning, "out of registers", "bailout"},
	L0004: {L0004, LevelWarning, "unsupported value type", "bailout"},
	L0005: {L0005, LevelWarning, "unsupported platform", "bailout"},

	L0100: {L0100, LevelError, "invalid bytecode", "bytecode"},
	L0101: {L0101, LevelError, "type mismatch", "bytecode"},
	L0102: {L0102, LevelError, "control structure mismatch", "bytecode"},

	L0900: {L0900, LevelError, "internal invariant violated", "internal"},
}

// GetCodeInfo 获取诊断码信息
func GetCodeInfo(code string) (CodeInfo, bool) {
	info, ok := codeInfos[code]
	return info, ok
}

// IsBailout 诊断码是否表示回退
func IsBailout(code string) bool {
	info, ok := codeInfos[code]
	return ok && info.Category == "bailout"
}
