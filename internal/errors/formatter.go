package errors

import (
	"fmt"
	"strings"
)

// ============================================================================
// 诊断
// ============================================================================

// Diagnostic 一条诊断
type Diagnostic struct {
	Code    string // 诊断码
	Level   Level  // 级别
	Message string // 消息
	Func    string // 函数名
	Offset  int    // 字节码偏移，-1 表示未知
	Arch    string // 目标架构
}

func (d *Diagnostic) Error() string {
	var sb strings.Builder
	sb.WriteString(d.Code)
	if d.Func != "" {
		sb.WriteString(" [")
		sb.WriteString(d.Func)
		if d.Offset >= 0 {
			fmt.Fprintf(&sb, "@%d", d.Offset)
		}
		sb.WriteString("]")
	}
	sb.WriteString(": ")
	sb.WriteString(d.Message)
	return sb.String()
}

// ============================================================================
// 格式化器
// ============================================================================

// Formatter 诊断格式化器
type Formatter struct {
	useColors bool
}

// NewFormatter 创建格式化器
func NewFormatter() *Formatter {
	return &Formatter{useColors: ColorsEnabled()}
}

// SetColors 设置是否着色
func (f *Formatter) SetColors(enabled bool) {
	f.useColors = enabled
}

// Format 格式化单条诊断
//
//	warning[L0002]: value stack grows too large
//	  --> fib @ 0x0012 (amd64)
func (f *Formatter) Format(d *Diagnostic) string {
	var sb strings.Builder

	levelStr := d.Level.String()
	sb.WriteString(f.colorize(levelStr, f.levelColor(d.Level)))
	sb.WriteString(f.colorize("["+d.Code+"]", f.levelColor(d.Level)))
	sb.WriteString(": ")
	sb.WriteString(f.colorize(d.Message, ColorBoldWhite))
	sb.WriteString("\n")

	if d.Func != "" {
		sb.WriteString(f.colorize("  --> ", ColorBlue))
		sb.WriteString(d.Func)
		if d.Offset >= 0 {
			fmt.Fprintf(&sb, " @ 0x%04x", d.Offset)
		}
		if d.Arch != "" {
			fmt.Fprintf(&sb, " (%s)", d.Arch)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatAll 格式化多条诊断并附加汇总
func (f *Formatter) FormatAll(diags []*Diagnostic) string {
	var sb strings.Builder
	errs, warns := 0, 0
	for _, d := range diags {
		sb.WriteString(f.Format(d))
		switch d.Level {
		case LevelError:
			errs++
		case LevelWarning:
			warns++
		}
	}
	if errs+warns > 0 {
		summary := fmt.Sprintf("%d error(s), %d warning(s)", errs, warns)
		color := ColorBoldYellow
		if errs > 0 {
			color = ColorBoldRed
		}
		sb.WriteString(f.colorize(summary, color))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (f *Formatter) levelColor(level Level) Color {
	switch level {
	case LevelError:
		return ColorBoldRed
	case LevelWarning:
		return ColorBoldYellow
	default:
		return ColorBoldBlue
	}
}

func (f *Formatter) colorize(s string, color Color) string {
	if !f.useColors {
		return s
	}
	code, ok := ansiCodes[color]
	if !ok {
		return s
	}
	return code + s + ansiCodes[ColorReset]
}
