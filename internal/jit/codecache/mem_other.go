//go:build !unix

package codecache

import "errors"

// Supported 当前平台是否能安装代码
const Supported = false

var errUnsupported = errors.New("executable memory is not supported on this platform")

func mapExecutable(code []byte) ([]byte, error) {
	return nil, errUnsupported
}

func unmap(mem []byte) error {
	return nil
}
