package types

import (
	"errors"
	"fmt"
)

// ErrorCode 统一错误码，用于对齐可重试性与降级策略。
type ErrorCode string

const (
	// 所有检索信号全部失败（与"无结果"严格区分）
	ErrTotalRetrievalFailed ErrorCode = "TOTAL_RETRIEVAL_FAILED"
	// 生成模型调用失败
	ErrGenerationFailed ErrorCode = "GENERATION_FAILED"
	// 外部调用方取消（非失败）
	ErrCanceled ErrorCode = "CANCELED"
	// 每操作超时
	ErrTimeout ErrorCode = "TIMEOUT"
	// 状态机非法转换
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	// 索引/外部协作方不可用
	ErrIndexUnavailable ErrorCode = "INDEX_UNAVAILABLE"
	// 附件无法解析
	ErrAttachmentUnavailable ErrorCode = "ATTACHMENT_UNAVAILABLE"
)

// Error 带错误码与可重试标记的结构化错误
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层原因
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError 创建结构化错误
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause 附加底层原因
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable 标记是否可重试（transient vs structural）
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode 提取错误码；非结构化错误返回空串
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
