package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tangzhangming/lift/internal/bytecode"
	diag "github.com/tangzhangming/lift/internal/errors"
	"github.com/tangzhangming/lift/internal/jit"
)

const sampleFile = "../../testdata/sample.lift"

func writeSource(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func newTestJIT() *jit.JIT {
	return jit.New(jit.Options{Arch: "amd64", Reporter: diag.NewReporter(zap.NewNop())})
}

// TestParseSource 测试源文件解析与未命名函数的命名
func TestParseSource(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		src   string
		names []string
	}{
		{"sample", "", "", []string{"add", "count", "div"}},
		{"unnamed", "anon.lift", "i32.const 1\ndrop\n", []string{"anon#0"}},
		{"unnamed first", "mixed.lift", "nop\n\nfunc g\nnop\n", []string{"mixed#0", "g"}},
		{"comments only", "empty.lift", "# nothing\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := sampleFile
			if tt.file != "" {
				path = writeSource(t, tt.file, tt.src)
			}
			bodies, err := parseSource(path)
			require.NoError(t, err)
			var names []string
			for _, b := range bodies {
				names = append(names, b.Name)
			}
			assert.Equal(t, tt.names, names)
		})
	}
}

// TestParseSourceErrors 错误信息带文件名与行号
func TestParseSourceErrors(t *testing.T) {
	path := writeSource(t, "bad.lift", "func a\nnop\nbogus\n")
	_, err := parseSource(path)
	var pe *bytecode.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Line)
	assert.Contains(t, err.Error(), path+":line 3")

	_, err = parseSource(filepath.Join(t.TempDir(), "missing.lift"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestCompileReport 测试 -json 报告的内容与字段名
func TestCompileReport(t *testing.T) {
	bodies, err := parseSource(sampleFile)
	require.NoError(t, err)

	j := newTestJIT()
	var shown []string
	report, out, failed := compileAll(j, bodies, func(body *bytecode.Body, _ *jit.Result, _ error) {
		shown = append(shown, body.Name)
	})
	require.False(t, failed)
	assert.Equal(t, []string{"add", "count", "div"}, shown)
	assert.Equal(t, "amd64", report.Arch)
	require.Len(t, report.Functions, 3)
	assert.Len(t, out.Functions, 3)
	assert.Equal(t, 2, out.Compiled())

	for _, fr := range report.Functions[:2] {
		assert.True(t, fr.OK, fr.Name)
		assert.Positive(t, fr.Bytes, fr.Name)
		assert.Empty(t, fr.Kind, fr.Name)
		assert.Nil(t, fr.Offset, fr.Name)
	}

	div := report.Functions[2]
	assert.False(t, div.OK)
	assert.Equal(t, "(i32, i32) -> (i32)", div.Sig)
	assert.Equal(t, jit.BailoutUnsupportedOp.String(), div.Kind)
	assert.Equal(t, "i32.div_s", div.Reason)
	require.NotNil(t, div.Offset)
	assert.Equal(t, 4, *div.Offset)
	assert.Equal(t, int64(2), report.Stats.Compiled)
	assert.Equal(t, int64(1), report.Stats.BailedOut)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"arch", "functions", "diagnostics", "stats"} {
		assert.Contains(t, doc, key)
	}

	fns, ok := doc["functions"].([]any)
	require.True(t, ok)
	add := fns[0].(map[string]any)
	assert.Equal(t, "add", add["name"])
	assert.Equal(t, true, add["ok"])
	assert.Contains(t, add, "bytes")
	assert.NotContains(t, add, "bailout_kind")
	assert.NotContains(t, add, "offset")

	bail := fns[2].(map[string]any)
	assert.Equal(t, "i32.div_s", bail["reason"])
	assert.Equal(t, float64(4), bail["offset"])
	assert.NotContains(t, bail, "bytes")
	assert.NotContains(t, bail, "error")
}

// TestPrintResult 测试文本输出
func TestPrintResult(t *testing.T) {
	bodies, err := parseSource(sampleFile)
	require.NoError(t, err)
	j := newTestJIT()

	tests := []struct {
		body    *bytecode.Body
		listing bool
		want    string
	}{
		{bodies[0], false, "compiled  "},
		{bodies[0], true, "compiled  "},
		{bodies[2], false, "bailout   i32.div_s (" + jit.BailoutUnsupportedOp.String() + ")"},
	}
	for _, tt := range tests {
		res, err := j.Compile(tt.body)
		require.NoError(t, err)

		var buf bytes.Buffer
		printResult(&buf, tt.body, res, nil, tt.listing)
		lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
		assert.True(t, strings.HasPrefix(lines[0], tt.body.Name), lines[0])
		assert.Contains(t, lines[0], tt.want)
		if tt.listing {
			require.Greater(t, len(lines), 1)
			for _, l := range lines[1:] {
				assert.True(t, strings.HasPrefix(l, "    "), l)
			}
		} else {
			assert.Len(t, lines, 1)
		}
	}

	var buf bytes.Buffer
	printResult(&buf, bodies[0], nil, assert.AnError, false)
	assert.Contains(t, buf.String(), "error     "+assert.AnError.Error())
}
