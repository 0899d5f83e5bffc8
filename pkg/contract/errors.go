package contract

import (
	"errors"
	"fmt"
)

// 最小错误分类（用于上层策略判定与日志分类）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// ResponseError: 收到了服务响应，但无法解码为要求的结构。
// Raw 保留原始文本用于事后排查；errors.Is(err, ErrResponseInvalid) 为 true。
type ResponseError struct {
	Raw    string
	Reason string
}

func (e *ResponseError) Error() string { return fmt.Sprintf("invalid response format: %s", e.Reason) }

func (e *ResponseError) Unwrap() error { return ErrResponseInvalid }
