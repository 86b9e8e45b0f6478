// Package apperr 定义聊天核心通用的错误分类，各层通过 errors.Is 判断类别。
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrAuth       = errors.New("unauthorized")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("invalid payload")
	ErrStorage    = errors.New("storage failure")
	ErrDelivery   = errors.New("delivery failed")
)

// Storage 把持久层错误包装为 ErrStorage，保留原始错误链。
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Invalid 返回带说明的校验错误。
func Invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrValidation, reason)
}

// Code 返回错误类别的短名，供 WebSocket error 事件与日志使用。
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrDelivery):
		return "delivery"
	default:
		return "storage"
	}
}
