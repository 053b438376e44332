// Package apperr 定义搜索流程的错误分类
package apperr

import (
	"errors"
	"fmt"
)

// ErrNoResults 搜索成功但没有任何结果
var ErrNoResults = errors.New("no search results found")

// ValidationError 请求参数错误，不会触发任何上游调用
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidation 创建参数错误
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ProviderError 上游服务（搜索 / LLM）返回非成功状态
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s API error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s API error: %d - %s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PersistenceError 存储读写失败
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistence 包装存储错误
func NewPersistence(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation 判断是否为参数错误
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsProvider 判断是否为上游错误
func IsProvider(err error) bool {
	var p *ProviderError
	return errors.As(err, &p)
}

// IsPersistence 判断是否为存储错误
func IsPersistence(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p)
}
