package protocol

import "errors"

// 解码错误
var (
	ErrInvalidUTF8    = errors.New("frame is not valid UTF-8")
	ErrInvalidJSON    = errors.New("frame is not valid JSON")
	ErrUnknownVariant = errors.New("frame does not match any envelope variant")
)
