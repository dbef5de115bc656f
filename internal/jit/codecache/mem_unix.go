//go:build unix

// mem_unix.go - Unix 平台可执行内存
//
// 使用 mmap 分配 RW 内存，写入后 mprotect 为 RX

package codecache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Supported 当前平台是否能安装代码
const Supported = true

// mapExecutable 分配页对齐内存并写入代码，返回只读可执行的映射
func mapExecutable(code []byte) ([]byte, error) {
	pageSize := unix.Getpagesize()
	alignedSize := (len(code) + pageSize - 1) &^ (pageSize - 1)

	mem, err := unix.Mmap(-1, 0, alignedSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("mprotect failed: %w", err)
	}
	return mem, nil
}

// unmap 释放映射
func unmap(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}
