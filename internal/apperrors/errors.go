package apperrors

import (
	"errors"
	"fmt"
)

// 进程退出码
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitMissingAuth = 2 // 未设置 DISCORD_TOKEN
	ExitBindFailure = 3 // socket 绑定失败
	ExitGateway     = 4 // Discord 网关连接/鉴权失败
)

// StartupError 启动阶段的致命错误
type StartupError struct {
	Code    int
	Message string
	Err     error
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Is 按退出码比较，便于 errors.Is(err, ErrBind)
func (e *StartupError) Is(target error) bool {
	t, ok := target.(*StartupError)
	return ok && t.Code == e.Code
}

// 预定义错误
var (
	ErrMissingToken = &StartupError{Code: ExitMissingAuth, Message: "DISCORD_TOKEN 必须设置为有效的 bot token"}
	ErrBind         = &StartupError{Code: ExitBindFailure, Message: "绑定 socket 失败"}
	ErrGateway      = &StartupError{Code: ExitGateway, Message: "连接 Discord 网关失败"}
)

// Wrap 在预定义错误上附加原因
func Wrap(base *StartupError, err error) error {
	return &StartupError{Code: base.Code, Message: base.Message, Err: err}
}

// ExitCode 错误对应的退出码
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var se *StartupError
	if errors.As(err, &se) {
		return se.Code
	}
	return ExitFailure
}
