package errors

import (
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ============================================================================
// 诊断报告器
// ============================================================================

// Reporter 诊断报告器
//
// 多个函数可以在不同 goroutine 中并发编译并共用一个 Reporter，
// 每次编译通过 Func 取得带函数上下文的 FuncReporter。
type Reporter struct {
	mu        sync.Mutex
	logger    *zap.Logger
	formatter *Formatter
	diags     []*Diagnostic
}

// NewReporter 创建报告器，logger 为 nil 时不输出日志
func NewReporter(logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		logger:    logger,
		formatter: NewFormatter(),
	}
}

// SetFormatter 设置格式化器
func (r *Reporter) SetFormatter(f *Formatter) {
	r.formatter = f
}

// Func 返回绑定函数名与目标架构的报告器
func (r *Reporter) Func(name, arch string) *FuncReporter {
	return &FuncReporter{r: r, name: name, arch: arch}
}

// Report 以未知位置报告一条原因
func (r *Reporter) Report(reason string) {
	r.ReportDiagnostic(newDiagnostic(reason, "", "", -1))
}

// ReportDiagnostic 报告一条诊断
func (r *Reporter) ReportDiagnostic(d *Diagnostic) {
	r.mu.Lock()
	r.diags = append(r.diags, d)
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("code", d.Code),
		zap.String("func", d.Func),
		zap.String("reason", d.Message),
	}
	if d.Offset >= 0 {
		fields = append(fields, zap.Int("offset", d.Offset))
	}
	if d.Arch != "" {
		fields = append(fields, zap.String("arch", d.Arch))
	}
	switch d.Level {
	case LevelError:
		r.logger.Error("jit diagnostic", fields...)
	case LevelWarning:
		r.logger.Warn("jit bailout", fields...)
	default:
		r.logger.Debug("jit note", fields...)
	}
}

func newDiagnostic(reason, fn, arch string, offset int) *Diagnostic {
	code := inferCode(reason)
	level := LevelError
	if info, ok := GetCodeInfo(code); ok {
		level = info.Level
	}
	return &Diagnostic{
		Code:    code,
		Level:   level,
		Message: reason,
		Func:    fn,
		Offset:  offset,
		Arch:    arch,
	}
}

// inferCode 从原因文本推断诊断码
func inferCode(reason string) string {
	msg := strings.ToLower(reason)

	switch {
	case msg == "platform" || strings.Contains(msg, "unsupported platform"):
		return L0005
	case strings.Contains(msg, "stack") && (strings.Contains(msg, "large") || strings.Contains(msg, "deep")):
		return L0002
	case strings.Contains(msg, "register"):
		return L0003
	case strings.HasPrefix(msg, "non-i32"), strings.HasSuffix(msg, " constant"),
		strings.HasPrefix(msg, "multi-value"):
		return L0004
	case strings.Contains(msg, "invariant"):
		return L0900
	case strings.Contains(msg, "type mismatch"):
		return L0101
	case strings.Contains(msg, "control") || strings.Contains(msg, "depth"):
		if strings.HasPrefix(msg, "invalid") {
			return L0102
		}
	}
	if strings.HasPrefix(msg, "invalid") {
		return L0100
	}
	return L0001
}

// ============================================================================
// 状态查询
// ============================================================================

// Diagnostics 获取所有诊断
func (r *Reporter) Diagnostics() []*Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Diagnostic, len(r.diags))
	copy(out, r.diags)
	return out
}

// Count 诊断数量
func (r *Reporter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diags)
}

// HasErrors 是否有错误级别的诊断
func (r *Reporter) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.diags {
		if d.Level == LevelError {
			return true
		}
	}
	return false
}

// Err 合并所有诊断为一个 error，没有诊断时返回 nil
func (r *Reporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for _, d := range r.diags {
		err = multierr.Append(err, d)
	}
	return err
}

// Format 格式化所有诊断
func (r *Reporter) Format() string {
	return r.formatter.FormatAll(r.Diagnostics())
}

// Clear 清空诊断
func (r *Reporter) Clear() {
	r.mu.Lock()
	r.diags = nil
	r.mu.Unlock()
}

// ============================================================================
// 函数级报告器
// ============================================================================

// FuncReporter 绑定单个函数编译的报告器
type FuncReporter struct {
	r    *Reporter
	name string
	arch string
}

// Report 报告回退原因
func (f *FuncReporter) Report(reason string) {
	f.r.ReportDiagnostic(newDiagnostic(reason, f.name, f.arch, -1))
}

// ReportAt 报告带字节码偏移的回退原因
func (f *FuncReporter) ReportAt(offset int, reason string) {
	f.r.ReportDiagnostic(newDiagnostic(reason, f.name, f.arch, offset))
}
