// Package jit 单遍基线 JIT 编译器
//
// Compile 把一个函数的字节码直接翻译为机器码：解码器按顺序推送事件，
// Compiler 对每个事件立即发出指令。遇到不支持的内容时回退，
// 由调用方改用解释器等其他执行策略。
//
// JIT 在 Compile 之上管理目标平台、诊断、统计与可执行代码缓存，
// 可以被多个 goroutine 同时使用。
package jit

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/lift/internal/bytecode"
	"github.com/tangzhangming/lift/internal/decoder"
	diag "github.com/tangzhangming/lift/internal/errors"
	"github.com/tangzhangming/lift/internal/jit/codecache"
	"github.com/tangzhangming/lift/internal/jit/platform"
	"github.com/tangzhangming/lift/internal/jit/types"
)

// ErrBailout 函数被回退，没有生成代码
var ErrBailout = errors.New("jit bailout")

// ============================================================================
// 编译结果
// ============================================================================

// Result 单个函数的编译结果
type Result struct {
	Name   string
	Arch   string
	Code   *types.Code // 仅 OK 时有效
	OK     bool
	Kind   BailoutKind
	Reason string
	Offset int // 回退发生处的字节码偏移，未知时为 -1

	Entry *codecache.Entry // 安装到代码缓存后的入口，同名函数重新安装后失效
}

// Err 回退时返回包装 ErrBailout 的错误
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	return fmt.Errorf("%s: %w: %s", r.Name, ErrBailout, r.Reason)
}

// Compile 编译一个函数
//
// 回退不是错误：返回 OK 为 false 的 Result 与 nil。
// 字节码无效、不变量被破坏或汇编失败时返回错误。
func Compile(body *bytecode.Body, cc types.CallingConvention, asm Assembler, sink DiagnosticsSink, cfg Config) (res *Result, err error) {
	c := NewCompiler(asm, cc, sink, cfg)
	res = &Result{Name: body.Name, Offset: -1}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		ie, ok := r.(*InvariantError)
		if !ok {
			panic(r)
		}
		c.abandon(ie.Msg)
		res.OK = false
		res.Code = nil
		res.Reason = ie.Error()
		err = fmt.Errorf("compile %s: %w", body.Name, ie)
	}()

	if derr := decoder.Decode(body, c); derr != nil {
		res.Reason = derr.Error()
		return res, fmt.Errorf("compile %s: %w", body.Name, derr)
	}
	if c.err != nil {
		res.Reason = c.Reason()
		return res, fmt.Errorf("compile %s: %w", body.Name, c.err)
	}

	switch c.Phase() {
	case PhaseFinished:
		res.OK = true
		res.Code = c.Code()
	case PhaseBailedOut:
		res.Kind = c.Kind()
		res.Reason = c.Reason()
		res.Offset = c.offset
	default:
		invariantf("compilation ended in phase %s", c.Phase())
	}
	return res, nil
}

// ============================================================================
// JIT
// ============================================================================

// Options JIT 选项
type Options struct {
	Arch     string // 空为当前进程的架构
	Config   Config
	Logger   *zap.Logger
	Reporter *diag.Reporter
	Cache    *codecache.CodeCache // 为 nil 时不安装代码
}

// JIT 编译入口
type JIT struct {
	arch     string
	cfg      Config
	logger   *zap.Logger
	reporter *diag.Reporter
	cache    *codecache.CodeCache
	stats    stats
}

// New 创建 JIT
func New(opts Options) *JIT {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	arch := opts.Arch
	if arch == "" {
		arch = platform.Host()
	}
	cfg := opts.Config
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	return &JIT{
		arch:     platform.Normalize(arch),
		cfg:      cfg,
		logger:   logger.With(zap.String("arch", platform.Normalize(arch))),
		reporter: opts.Reporter,
		cache:    opts.Cache,
	}
}

// Arch 目标架构
func (j *JIT) Arch() string { return j.arch }

// Reporter 诊断报告器，可能为 nil
func (j *JIT) Reporter() *diag.Reporter { return j.reporter }

// Compile 为目标架构编译函数，成功时按配置安装到代码缓存
func (j *JIT) Compile(body *bytecode.Body) (*Result, error) {
	start := time.Now()
	a, err := platform.New(j.arch)
	if err != nil {
		j.stats.failed.Inc()
		return nil, err
	}
	defer a.Release()

	var sink DiagnosticsSink
	var fr *diag.FuncReporter
	if j.reporter != nil {
		fr = j.reporter.Func(body.Name, j.arch)
		sink = fr
	}

	res, err := Compile(body, a.CallingConvention(body.Sig), a, sink, j.cfg)
	elapsed := time.Since(start)
	j.stats.compileNanos.Add(elapsed.Nanoseconds())
	if res != nil {
		res.Arch = j.arch
	}

	if err != nil {
		j.stats.failed.Inc()
		if fr != nil {
			fr.Report(res.Reason)
		}
		j.logger.Warn("jit compile failed", zap.String("func", body.Name), zap.Error(err))
		return res, err
	}
	if !res.OK {
		j.stats.bailedOut.Inc()
		j.logger.Debug("jit bailout",
			zap.String("func", body.Name),
			zap.Stringer("kind", res.Kind),
			zap.String("reason", res.Reason),
			zap.Int("offset", res.Offset))
		return res, nil
	}

	j.stats.compiled.Inc()
	j.stats.codeBytes.Add(int64(len(res.Code.Bytes)))
	if j.cache != nil {
		entry, err := j.cache.Install(body.Name, res.Code.Bytes)
		if err != nil {
			j.stats.failed.Inc()
			return res, fmt.Errorf("install %s: %w", body.Name, err)
		}
		res.Entry = entry
		j.stats.installed.Inc()
	}
	j.logger.Debug("jit compiled",
		zap.String("func", body.Name),
		zap.Int("bytes", len(res.Code.Bytes)),
		zap.Int("frame_slots", res.Code.FrameSlots),
		zap.Duration("elapsed", elapsed))
	return res, nil
}

// ============================================================================
// 统计
// ============================================================================

type stats struct {
	compiled     atomic.Int64
	bailedOut    atomic.Int64
	failed       atomic.Int64
	installed    atomic.Int64
	codeBytes    atomic.Int64
	compileNanos atomic.Int64
}

// Stats 统计快照
type Stats struct {
	Compiled    int64
	BailedOut   int64
	Failed      int64
	Installed   int64
	CodeBytes   int64
	CompileTime time.Duration
}

// Stats 返回统计快照
func (j *JIT) Stats() Stats {
	return Stats{
		Compiled:    j.stats.compiled.Load(),
		BailedOut:   j.stats.bailedOut.Load(),
		Failed:      j.stats.failed.Load(),
		Installed:   j.stats.installed.Load(),
		CodeBytes:   j.stats.codeBytes.Load(),
		CompileTime: time.Duration(j.stats.compileNanos.Load()),
	}
}

// ResetStats 清零统计
func (j *JIT) ResetStats() {
	j.stats.compiled.Store(0)
	j.stats.bailedOut.Store(0)
	j.stats.failed.Store(0)
	j.stats.installed.Store(0)
	j.stats.codeBytes.Store(0)
	j.stats.compileNanos.Store(0)
}
