// Package config 读取与生成 lift.toml
//
// 配置分为三节：[jit] 编译选项，[cache] 可执行代码缓存，[log] 日志。
// 文件中缺省的键保持 Default 的取值。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/lift/internal/jit"
	"github.com/tangzhangming/lift/internal/jit/codecache"
	"github.com/tangzhangming/lift/internal/jit/platform"
)

// 常量定义
const (
	ConfigFileName = "lift.toml" // 配置文件名

	DefaultCacheSize = 1 << 20
)

// Config 完整配置
type Config struct {
	JIT   JITConfig   `toml:"jit"`
	Cache CacheConfig `toml:"cache"`
	Log   LogConfig   `toml:"log"`
}

// JITConfig 编译选项
type JITConfig struct {
	// Target 目标架构，空为当前进程的架构
	Target string `toml:"target"`

	// VerifyState 每条指令处理后检查缓存状态
	VerifyState bool `toml:"verify_state"`

	// Trace 以 debug 级别记录每条指令后的缓存状态
	Trace bool `toml:"trace"`
}

// CacheConfig 代码缓存
type CacheConfig struct {
	Enabled bool `toml:"enabled"`
	MaxSize int  `toml:"max_size"` // 超过后整个缓存被清空
}

// LogConfig 日志
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		JIT:   JITConfig{VerifyState: true},
		Cache: CacheConfig{Enabled: true, MaxSize: DefaultCacheSize},
		Log:   LogConfig{Level: "info"},
	}
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 TOML 内容
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	if c.JIT.Target != "" && !platform.IsSupported(c.JIT.Target) {
		return fmt.Errorf("jit.target: unsupported architecture %q (want one of %s)",
			c.JIT.Target, strings.Join(platform.Architectures(), ", "))
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size: must be positive, got %d", c.Cache.MaxSize)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	content := generateConfigWithComments(c)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder

	sb.WriteString("[jit]\n")
	sb.WriteString("# 目标架构，留空为当前机器 (amd64 | arm64)\n")
	sb.WriteString(fmt.Sprintf("target = %q\n", c.JIT.Target))
	sb.WriteString("# 每条指令后检查寄存器使用计数\n")
	sb.WriteString(fmt.Sprintf("verify_state = %t\n", c.JIT.VerifyState))
	sb.WriteString("# 以 debug 级别输出每条指令后的缓存状态\n")
	sb.WriteString(fmt.Sprintf("trace = %t\n\n", c.JIT.Trace))

	sb.WriteString("[cache]\n")
	sb.WriteString(fmt.Sprintf("enabled = %t\n", c.Cache.Enabled))
	sb.WriteString("# 可执行内存上限（字节），超过后清空缓存\n")
	sb.WriteString(fmt.Sprintf("max_size = %d\n\n", c.Cache.MaxSize))

	sb.WriteString("[log]\n")
	sb.WriteString("# debug | info | warn | error\n")
	sb.WriteString(fmt.Sprintf("level = %q\n", c.Log.Level))
	sb.WriteString(fmt.Sprintf("development = %t\n", c.Log.Development))

	return sb.String()
}

// FindConfigFile 从指定路径向上查找配置文件
// 找不到时返回空字符串
func FindConfigFile(startPath string) string {
	info, err := os.Stat(startPath)
	if err != nil {
		return ""
	}
	dir := startPath
	if !info.IsDir() {
		dir = filepath.Dir(startPath)
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ============================================================================
// 转换
// ============================================================================

// JITOptions 转为编译器选项
func (c *Config) JITOptions(logger *zap.Logger) jit.Config {
	return jit.Config{
		VerifyState: c.JIT.VerifyState,
		Trace:       c.JIT.Trace,
		Logger:      logger,
	}
}

// Options 组装 JIT 选项，Reporter 由调用方填写
func (c *Config) Options(logger *zap.Logger) jit.Options {
	return jit.Options{
		Arch:   c.JIT.Target,
		Config: c.JITOptions(logger),
		Logger: logger,
		Cache:  c.NewCache(),
	}
}

// NewCache 按配置创建代码缓存，未启用时返回 nil
func (c *Config) NewCache() *codecache.CodeCache {
	if !c.Cache.Enabled || !codecache.Supported {
		return nil
	}
	return codecache.New(c.Cache.MaxSize)
}

// NewLogger 按 [log] 创建 zap 日志
func NewLogger(lc LogConfig) (*zap.Logger, error) {
	level, err := parseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = !lc.Development
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func parseLevel(s string) (zapcore.Level, error) {
	var level zapcore.Level
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, err
	}
	return level, nil
}
