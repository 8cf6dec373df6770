package registry

import (
	"errors"
)

// ErrRegistryUnreachable 注册中心刷新失败，调用方继续使用旧快照
var ErrRegistryUnreachable = errors.New("注册中心不可达")

// StorageError 定义存储操作可能返回的错误类型
type StorageError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *StorageError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrNotFound 资源不存在
	ErrNotFound = iota + 1
	// ErrAlreadyExists 资源已存在
	ErrAlreadyExists
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *StorageError {
	return &StorageError{Code: ErrNotFound, Message: message}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *StorageError {
	return &StorageError{Code: ErrInvalidArgument, Message: message}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *StorageError {
	return &StorageError{Code: ErrInternal, Message: message}
}

// ErrorCode 返回错误链中StorageError的代码，没有则返回ErrInternal
func ErrorCode(err error) int {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrInternal
}
