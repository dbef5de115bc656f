package errors

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestInferCode 测试由原因推断诊断码
func TestInferCode(t *testing.T) {
	tests := []struct {
		reason string
		code   string
	}{
		{"i64 constant", L0004},
		{"non-i32 param/local", L0004},
		{"multi-value return", L0004},
		{"value stack grows too large", L0002},
		{"out of registers", L0003},
		{"platform", L0005},
		{"i32.div_s", L0001},
		{"call", L0001},
		{"invalid bytecode: unexpected end of code", L0100},
		{"invalid branch depth 4", L0102},
		{"cache state invariant violated", L0900},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.code, inferCode(tt.reason))
		})
	}
}

// TestReporter 测试诊断收集与合并
func TestReporter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := NewReporter(zap.New(core))

	r.Func("fib", "amd64").ReportAt(12, "value stack grows too large")
	r.Func("main", "arm64").Report("call")
	r.Report("invalid bytecode: truncated")

	require.Equal(t, 3, r.Count())
	assert.True(t, r.HasErrors())

	diags := r.Diagnostics()
	assert.Equal(t, L0002, diags[0].Code)
	assert.Equal(t, LevelWarning, diags[0].Level)
	assert.Equal(t, 12, diags[0].Offset)
	assert.Equal(t, -1, diags[1].Offset)
	assert.Equal(t, LevelError, diags[2].Level)

	assert.Len(t, multierr.Errors(r.Err()), 3)
	assert.Equal(t, "L0002 [fib@12]: value stack grows too large", diags[0].Error())

	assert.Equal(t, 2, logs.FilterMessage("jit bailout").Len())
	assert.Equal(t, 1, logs.FilterMessage("jit diagnostic").Len())

	r.Clear()
	assert.NoError(t, r.Err())
	assert.False(t, r.HasErrors())
}

// TestFormatter 测试诊断格式化
func TestFormatter(t *testing.T) {
	f := NewFormatter()
	f.SetColors(false)

	out := f.Format(&Diagnostic{Code: L0001, Level: LevelWarning, Message: "select", Func: "f", Offset: 3, Arch: "amd64"})
	assert.Equal(t, "warning[L0001]: select\n  --> f @ 0x0003 (amd64)\n", out)

	all := f.FormatAll([]*Diagnostic{
		{Code: L0001, Level: LevelWarning, Message: "a", Offset: -1},
		{Code: L0100, Level: LevelError, Message: "b", Offset: -1},
	})
	assert.True(t, strings.HasSuffix(all, "1 error(s), 1 warning(s)\n"))

	f.SetColors(true)
	colored := f.Format(&Diagnostic{Code: L0001, Level: LevelWarning, Message: "select", Offset: -1})
	assert.NotEqual(t, Strip(colored), colored)
	assert.Equal(t, "warning[L0001]: select\n", Strip(colored))
}
