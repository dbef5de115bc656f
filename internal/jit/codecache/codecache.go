// Package codecache 把编译好的机器码安装到可执行内存
//
// 先以 RW 权限映射并写入代码，再改为 RX 权限，内存不会同时可写可执行。
package codecache

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/atomic"
)

// ErrTooLarge 单段代码超过缓存容量
var ErrTooLarge = errors.New("code larger than cache capacity")

// Entry 已安装的函数
//
// 同名函数再次 Install 或缓存被清空 (包括超出容量时的自动清空) 后，
// 映射被释放，Entry 随之失效：Valid 返回 false，Addr 返回 0，Code 返回 nil。
// 失效后不得再使用之前取得的地址或代码切片。
type Entry struct {
	Name     string
	Size     int    // 代码字节数
	mem      []byte // 按页对齐的映射
	released atomic.Bool
}

// Valid 映射是否仍然有效
func (e *Entry) Valid() bool {
	return len(e.mem) > 0 && !e.released.Load()
}

// Addr 入口地址，失效后为 0
func (e *Entry) Addr() uintptr {
	if !e.Valid() {
		return 0
	}
	return uintptr(unsafe.Pointer(&e.mem[0]))
}

// Code 已安装的代码字节 (只读)，失效后为 nil
func (e *Entry) Code() []byte {
	if !e.Valid() {
		return nil
	}
	return e.mem[:e.Size]
}

// release 标记失效并释放映射
func (e *Entry) release() {
	if e.released.Swap(true) {
		return
	}
	_ = unmap(e.mem)
}

// CodeCache 代码缓存
type CodeCache struct {
	mu       sync.Mutex
	maxSize  int               // 最大缓存大小
	usedSize int               // 已使用大小
	entries  map[string]*Entry // 函数名 -> 已安装代码
}

// New 创建代码缓存
func New(maxSize int) *CodeCache {
	return &CodeCache{
		maxSize: maxSize,
		entries: make(map[string]*Entry),
	}
}

// Get 获取已安装的函数
func (cc *CodeCache) Get(name string) *Entry {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.entries[name]
}

// Install 安装代码，同名函数会被替换
//
// 超过容量时清空整个缓存后再安装。被替换或清空的旧 Entry 失效。
func (cc *CodeCache) Install(name string, code []byte) (*Entry, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("install %s: empty code", name)
	}
	if len(code) > cc.maxSize {
		return nil, fmt.Errorf("install %s: %d bytes: %w", name, len(code), ErrTooLarge)
	}

	mem, err := mapExecutable(code)
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", name, err)
	}
	entry := &Entry{Name: name, Size: len(code), mem: mem}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if old, ok := cc.entries[name]; ok {
		cc.usedSize -= old.Size
		old.release()
	}
	if cc.usedSize+entry.Size > cc.maxSize {
		cc.clearLocked()
	}
	cc.entries[name] = entry
	cc.usedSize += entry.Size
	return entry, nil
}

// Len 已安装函数数
func (cc *CodeCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.entries)
}

// UsedSize 已使用字节数
func (cc *CodeCache) UsedSize() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.usedSize
}

// Clear 释放所有可执行内存，已返回的 Entry 全部失效
func (cc *CodeCache) Clear() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.clearLocked()
}

func (cc *CodeCache) clearLocked() {
	for _, e := range cc.entries {
		e.release()
	}
	cc.entries = make(map[string]*Entry)
	cc.usedSize = 0
}
