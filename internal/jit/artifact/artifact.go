// Package artifact 编译产物文件
//
// 文件由 8 字节头部与规范 CBOR 负载组成：
//
//	magic "LIFT" (4) | major (1) | minor (1) | flags (2) | CBOR
//
// 每个函数记录源字节码的 blake2b 摘要，加载方据此判断产物是否过期。
package artifact

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/tangzhangming/lift/internal/bytecode"
	"github.com/tangzhangming/lift/internal/jit"
)

// ============================================================================
// 文件格式
// ============================================================================

const (
	// FileExtension 产物文件后缀
	FileExtension = ".liftc"

	// MagicNumber 文件魔数 "LIFT" in ASCII
	MagicNumber uint32 = 0x4C494654

	// 版本号
	MajorVersion uint8 = 1
	MinorVersion uint8 = 0

	// HeaderSize 头部大小
	HeaderSize = 8
)

var (
	// ErrBadMagic 不是产物文件
	ErrBadMagic = errors.New("artifact: bad magic number")
	// ErrVersion 主版本不兼容
	ErrVersion = errors.New("artifact: unsupported version")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("artifact: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ============================================================================
// 数据结构
// ============================================================================

// File 一个目标架构上的一组编译结果
type File struct {
	Arch      string     `cbor:"1,keyasint"`
	Functions []Function `cbor:"2,keyasint"`
}

// Function 单个函数的编译结果
type Function struct {
	Name       string `cbor:"1,keyasint"`
	Sig        string `cbor:"2,keyasint"`
	SourceHash []byte `cbor:"3,keyasint"`
	OK         bool   `cbor:"4,keyasint"`

	Code       []byte   `cbor:"5,keyasint,omitempty"`
	FrameSlots int      `cbor:"6,keyasint,omitempty"`
	Listing    []string `cbor:"7,keyasint,omitempty"`

	// 回退信息
	Kind   string `cbor:"8,keyasint,omitempty"`
	Reason string `cbor:"9,keyasint,omitempty"`
	Offset int    `cbor:"10,keyasint,omitempty"`
}

// New 创建空产物
func New(arch string) *File {
	return &File{Arch: arch}
}

// Add 记录一个函数的编译结果，同名函数被替换
func (f *File) Add(body *bytecode.Body, res *jit.Result) *Function {
	fn := Function{
		Name:       body.Name,
		Sig:        body.Sig.String(),
		SourceHash: Hash(body),
		OK:         res.OK,
	}
	if res.OK {
		fn.Code = res.Code.Bytes
		fn.FrameSlots = res.Code.FrameSlots
		fn.Listing = res.Code.Listing
	} else {
		fn.Kind = res.Kind.String()
		fn.Reason = res.Reason
		fn.Offset = res.Offset
	}

	for i := range f.Functions {
		if f.Functions[i].Name == fn.Name {
			f.Functions[i] = fn
			return &f.Functions[i]
		}
	}
	f.Functions = append(f.Functions, fn)
	return &f.Functions[len(f.Functions)-1]
}

// Lookup 按名称查找函数，找不到返回 nil
func (f *File) Lookup(name string) *Function {
	for i := range f.Functions {
		if f.Functions[i].Name == name {
			return &f.Functions[i]
		}
	}
	return nil
}

// Compiled 返回生成了代码的函数个数
func (f *File) Compiled() int {
	n := 0
	for _, fn := range f.Functions {
		if fn.OK {
			n++
		}
	}
	return n
}

// Matches 产物是否由 body 的当前内容编译而来
func (fn *Function) Matches(body *bytecode.Body) bool {
	return bytes.Equal(fn.SourceHash, Hash(body))
}

// Hash 计算函数签名与指令流的 blake2b-256 摘要
func Hash(body *bytecode.Body) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(body.Sig.String()))
	for _, d := range body.Locals {
		fmt.Fprintf(h, ";%d %s", d.Count, d.Type)
	}
	h.Write([]byte{0})
	h.Write(body.Code)
	return h.Sum(nil)
}

// ============================================================================
// 序列化
// ============================================================================

// Marshal 编码为带头部的字节序列
func Marshal(f *File) ([]byte, error) {
	payload, err := cborEncMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("artifact: marshal: %w", err)
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], MagicNumber)
	buf[4] = MajorVersion
	buf[5] = MinorVersion
	// buf[6:8] flags 保留
	return append(buf, payload...), nil
}

// Unmarshal 解码 Marshal 的输出
func Unmarshal(data []byte) (*File, error) {
	if err := ValidateHeader(data); err != nil {
		return nil, err
	}
	var f File
	if err := cbor.Unmarshal(data[HeaderSize:], &f); err != nil {
		return nil, fmt.Errorf("artifact: unmarshal: %w", err)
	}
	return &f, nil
}

// ValidateHeader 检查魔数与主版本
func ValidateHeader(data []byte) error {
	if len(data) < HeaderSize || binary.BigEndian.Uint32(data[0:4]) != MagicNumber {
		return ErrBadMagic
	}
	if data[4] != MajorVersion {
		return fmt.Errorf("%w: %d.%d", ErrVersion, data[4], data[5])
	}
	return nil
}

// WriteFile 写入产物文件
func WriteFile(path string, f *File) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// ReadFile 读取产物文件
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return Unmarshal(data)
}
