package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码或 socket 错误码。
var (
	ErrStorageFailure       = errors.New("storage failure")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidPreference    = errors.New("invalid notification preference")
)
