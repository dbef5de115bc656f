package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tangzhangming/lift/internal/config"
	"github.com/tangzhangming/lift/internal/jit/platform"
)

// cmdInit 在当前目录生成默认配置
func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	target := fs.String("target", "", "target architecture to record (default: host)")
	force := fs.Bool("f", false, "overwrite an existing "+config.ConfigFileName)
	fs.Usage = usage(fs, "init [options]")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to get working directory: %v\n", err)
		os.Exit(1)
	}

	// 检查是否已存在配置文件
	configPath := filepath.Join(dir, config.ConfigFileName)
	if _, err := os.Stat(configPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "error: %s already exists (use -f to overwrite)\n", config.ConfigFileName)
		os.Exit(1)
	}

	cfg := config.Default()
	if *target != "" {
		if !platform.IsSupported(*target) {
			fmt.Fprintf(os.Stderr, "error: unsupported architecture %q\n", *target)
			os.Exit(1)
		}
		cfg.JIT.Target = platform.Normalize(*target)
	}

	fmt.Printf("creating %s\n", config.ConfigFileName)
	if err := cfg.Save(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
