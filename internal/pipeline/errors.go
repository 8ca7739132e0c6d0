package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind 为提交失败的分类，决定进程退出码。
type ErrorKind string

const (
	// KindValidation 本地校验失败，未发生任何网络调用。
	KindValidation ErrorKind = "validation"
	// KindBuild 签名或时钟问题，未发出请求。
	KindBuild ErrorKind = "build"
	// KindRejected 交易所明确拒绝。
	KindRejected ErrorKind = "rejected"
	// KindExhausted 暂时性故障重试耗尽。
	KindExhausted ErrorKind = "exhausted"
	// KindFatal 客户端缺陷或审计写入失败。
	KindFatal ErrorKind = "fatal"
)

// Error 包装底层错误并携带分类。
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline(%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode 将提交结果映射为进程退出码。
// {成功=0, 校验失败=2, 交易所拒绝=3, 重试耗尽=4, 致命=5}，其余错误为1。
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var pErr *Error
	if !errors.As(err, &pErr) {
		return 1
	}

	switch pErr.Kind {
	case KindValidation:
		return 2
	case KindRejected:
		return 3
	case KindExhausted:
		return 4
	case KindBuild, KindFatal:
		return 5
	default:
		return 1
	}
}
