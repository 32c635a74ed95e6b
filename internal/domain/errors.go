package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind 稳定的错误类别字符串，API 与日志都以它为准
type ErrorKind string

const (
	KindDomainUnavailable ErrorKind = "domain_unavailable"
	KindAddressTaken      ErrorKind = "address_taken"
	KindAddressExhausted  ErrorKind = "address_exhausted"
	KindQuotaExceeded     ErrorKind = "quota_exceeded"
	KindMailboxExpired    ErrorKind = "mailbox_expired"
	KindRecipientUnknown  ErrorKind = "recipient_unknown"
	KindStoreUnavailable  ErrorKind = "store_unavailable"
	KindFilterRejected    ErrorKind = "filter_rejected"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidInput      ErrorKind = "invalid_input"
	KindForbidden         ErrorKind = "forbidden"
)

// Error 业务错误
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // 仅 quota_exceeded 使用
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按 Kind 比较，使 errors.Is(err, ErrNotFound) 对任意消息生效
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// NewError 创建业务错误
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError 创建带底层原因的业务错误
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// QuotaExceeded 创建带重试间隔的配额错误
func QuotaExceeded(retryAfter time.Duration) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: "quota exceeded", RetryAfter: retryAfter}
}

// 用于 errors.Is 判断的哨兵错误
var (
	ErrDomainUnavailable = NewError(KindDomainUnavailable, "domain unavailable")
	ErrAddressTaken      = NewError(KindAddressTaken, "address already taken")
	ErrAddressExhausted  = NewError(KindAddressExhausted, "no free address found")
	ErrQuotaExceeded     = NewError(KindQuotaExceeded, "quota exceeded")
	ErrMailboxExpired    = NewError(KindMailboxExpired, "mailbox expired")
	ErrRecipientUnknown  = NewError(KindRecipientUnknown, "recipient unknown")
	ErrStoreUnavailable  = NewError(KindStoreUnavailable, "store unavailable")
	ErrFilterRejected    = NewError(KindFilterRejected, "message rejected by filter")
	ErrNotFound          = NewError(KindNotFound, "not found")
	ErrInvalidInput      = NewError(KindInvalidInput, "invalid input")
	ErrForbidden         = NewError(KindForbidden, "forbidden")
)

// KindOf 返回错误链上第一个业务错误的类别
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RetryAfterOf 返回配额错误的重试间隔
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
