package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/tangzhangming/lift/internal/bytecode"
	"github.com/tangzhangming/lift/internal/config"
	"github.com/tangzhangming/lift/internal/decoder"
	diag "github.com/tangzhangming/lift/internal/errors"
	"github.com/tangzhangming/lift/internal/jit"
	"github.com/tangzhangming/lift/internal/jit/artifact"
	"github.com/tangzhangming/lift/internal/jit/platform"
)

const (
	Version = "0.1.0"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	command := args[0]

	switch command {
	case "compile":
		cmdCompile(args[1:])
	case "check":
		cmdCheck(args[1:])
	case "dump":
		cmdDump(args[1:])
	case "init":
		cmdInit(args[1:])
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("liftc %s\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  liftc <command> [options] [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  compile <file>   compile every function in a bytecode text file")
	fmt.Println("  check <file>     validate bytecode without compiling")
	fmt.Println("  dump <file>      print a compiled artifact")
	fmt.Println("  init             write a default " + config.ConfigFileName)
	fmt.Println("  version          print version")
	fmt.Println("  help             print this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  liftc compile -S add.lift")
	fmt.Printf("  liftc compile -target arm64 -o add%s add.lift\n", artifact.FileExtension)
	fmt.Printf("  liftc dump add%s\n", artifact.FileExtension)
}

// usage 为子命令生成帮助
func usage(fs *flag.FlagSet, synopsis string) func() {
	return func() {
		fmt.Println("Usage: liftc " + synopsis)
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
}

// requireInput 检查并返回唯一的输入文件
func requireInput(fs *flag.FlagSet) string {
	if fs.NArg() < 1 {
		fs.Usage()
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "error: no input file")
		os.Exit(1)
	}
	return fs.Arg(0)
}

// readSource 读取并解析源文件，失败时退出
func readSource(filename string) []*bytecode.Body {
	bodies, err := parseSource(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return bodies
}

// parseSource 解析源文件，未命名的函数按文件名和序号命名
func parseSource(filename string) ([]*bytecode.Body, error) {
	source, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	bodies, err := bytecode.ParseAll(string(source))
	if err != nil {
		return nil, fmt.Errorf("%s:%w", filename, err)
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	for i, body := range bodies {
		if body.Name == "" {
			body.Name = fmt.Sprintf("%s#%d", base, i)
		}
	}
	return bodies, nil
}

// loadConfig 读取 -config 指定的文件，否则从输入文件所在目录向上查找
func loadConfig(explicit, input string) *config.Config {
	path := explicit
	if path == "" {
		path = config.FindConfigFile(input)
	}
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", path, err)
		os.Exit(1)
	}
	return cfg
}

// ============================================================================
// compile
// ============================================================================

// funcReport -json 输出中的单个函数
type funcReport struct {
	Name   string `json:"name"`
	Sig    string `json:"signature"`
	OK     bool   `json:"ok"`
	Bytes  int    `json:"bytes,omitempty"`
	Frame  int    `json:"frame_slots,omitempty"`
	Kind   string `json:"bailout_kind,omitempty"`
	Reason string `json:"reason,omitempty"`
	Offset *int   `json:"offset,omitempty"`
	Error  string `json:"error,omitempty"`
}

type diagReport struct {
	Code    string `json:"code"`
	Level   string `json:"level"`
	Func    string `json:"func"`
	Offset  int    `json:"offset"`
	Message string `json:"message"`
}

type compileReport struct {
	Arch        string       `json:"arch"`
	Functions   []funcReport `json:"functions"`
	Diagnostics []diagReport `json:"diagnostics"`
	Stats       jit.Stats    `json:"stats"`
}

// cmdCompile 编译源文件中的所有函数
func cmdCompile(args []string) {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (default: nearest "+config.ConfigFileName+")")
	target := fs.String("target", "", "target architecture: "+strings.Join(platform.Architectures(), ", "))
	listing := fs.Bool("S", false, "print assembly listing")
	output := fs.String("o", "", "write compiled artifact to file")
	asJSON := fs.Bool("json", false, "print a JSON report instead of text")
	trace := fs.Bool("trace", false, "log cache state after every instruction")
	fs.Usage = usage(fs, "compile [options] <file>")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	filename := requireInput(fs)

	cfg := loadConfig(*configPath, filename)
	if *target != "" {
		cfg.JIT.Target = *target
	}
	if *trace {
		cfg.JIT.Trace = true
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	bodies := readSource(filename)

	reporter := diag.NewReporter(logger)
	opts := cfg.Options(logger)
	opts.Reporter = reporter
	j := jit.New(opts)

	var show func(*bytecode.Body, *jit.Result, error)
	if !*asJSON {
		show = func(body *bytecode.Body, res *jit.Result, err error) {
			printResult(os.Stdout, body, res, err, *listing)
		}
	}
	report, out, failed := compileAll(j, bodies, show)

	if *output != "" {
		if err := artifact.WriteFile(*output, out); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		logger.Info("artifact written",
			zap.String("path", *output),
			zap.Int("functions", len(out.Functions)),
			zap.Int("compiled", out.Compiled()))
	}

	if *asJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
	} else {
		if reporter.Count() > 0 {
			fmt.Println()
			fmt.Print(reporter.Format())
		}
		st := report.Stats
		fmt.Printf("\n%s: %d compiled, %d bailed out, %d failed, %d bytes in %s\n",
			j.Arch(), st.Compiled, st.BailedOut, st.Failed, st.CodeBytes, st.CompileTime)
	}

	if failed {
		os.Exit(1)
	}
}

// compileAll 依次编译所有函数并汇总报告，show 非空时逐个回调结果
//
// failed 表示有函数编译出错，回退不算失败。
func compileAll(j *jit.JIT, bodies []*bytecode.Body, show func(*bytecode.Body, *jit.Result, error)) (*compileReport, *artifact.File, bool) {
	out := artifact.New(j.Arch())
	report := &compileReport{Arch: j.Arch()}
	failed := false

	for _, body := range bodies {
		fr := funcReport{Name: body.Name, Sig: body.Sig.String()}
		res, err := j.Compile(body)
		switch {
		case err != nil:
			failed = true
			fr.Error = err.Error()
		case res.OK:
			fr.OK = true
			fr.Bytes = len(res.Code.Bytes)
			fr.Frame = res.Code.FrameSlots
		default:
			fr.Kind = res.Kind.String()
			fr.Reason = res.Reason
			if res.Offset >= 0 {
				off := res.Offset
				fr.Offset = &off
			}
		}
		if err == nil {
			out.Add(body, res)
		}
		report.Functions = append(report.Functions, fr)

		if show != nil {
			show(body, res, err)
		}
	}
	report.Stats = j.Stats()

	if reporter := j.Reporter(); reporter != nil {
		for _, d := range reporter.Diagnostics() {
			report.Diagnostics = append(report.Diagnostics, diagReport{
				Code:    d.Code,
				Level:   d.Level.String(),
				Func:    d.Func,
				Offset:  d.Offset,
				Message: d.Message,
			})
		}
	}
	return report, out, failed
}

// printResult 打印单个函数的结果
func printResult(w io.Writer, body *bytecode.Body, res *jit.Result, err error, listing bool) {
	switch {
	case err != nil:
		fmt.Fprintf(w, "%-16s error     %v\n", body.Name, err)
	case res.OK:
		fmt.Fprintf(w, "%-16s compiled  %d bytes, %d frame slots\n",
			body.Name, len(res.Code.Bytes), res.Code.FrameSlots)
		if listing {
			for _, line := range res.Code.Listing {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	default:
		fmt.Fprintf(w, "%-16s bailout   %s (%s)\n", body.Name, res.Reason, res.Kind)
	}
}

// ============================================================================
// check / dump / version
// ============================================================================

// cmdCheck 校验字节码
func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	verbose := fs.Bool("v", false, "print disassembly of each function")
	fs.Usage = usage(fs, "check [options] <file>")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	filename := requireInput(fs)

	ok := true
	for _, body := range readSource(filename) {
		if err := decoder.Validate(body); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %v\n", filename, body.Name, err)
			ok = false
			continue
		}
		fmt.Printf("%s %s: ok\n", body.Name, body.Sig)
		if *verbose {
			text, err := bytecode.Disassemble(body)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", body.Name, err)
				ok = false
				continue
			}
			fmt.Println(text)
		}
	}
	if !ok {
		os.Exit(1)
	}
}

// cmdDump 打印编译产物
func cmdDump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	listing := fs.Bool("S", false, "print assembly listing")
	fs.Usage = usage(fs, "dump [options] <file"+artifact.FileExtension+">")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	filename := requireInput(fs)

	f, err := artifact.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("arch: %s, %d function(s), %d compiled\n", f.Arch, len(f.Functions), f.Compiled())
	for _, fn := range f.Functions {
		if !fn.OK {
			fmt.Printf("  %-16s %s  bailout: %s\n", fn.Name, fn.Sig, fn.Reason)
			continue
		}
		fmt.Printf("  %-16s %s  %d bytes, hash %x\n", fn.Name, fn.Sig, len(fn.Code), fn.SourceHash[:8])
		if *listing {
			for _, line := range fn.Listing {
				fmt.Printf("      %s\n", line)
			}
		}
	}
}

// cmdVersion 显示版本信息
func cmdVersion() {
	fmt.Printf("liftc %s\n", Version)
	fmt.Printf("targets: %s (host %s)\n", strings.Join(platform.Architectures(), ", "), platform.Host())
}
