package rfsn

import (
	"errors"
	"fmt"
)

// FailureKind 对传输失败分类，Scheduler 据此决定是否重试。
type FailureKind string

const (
	KindTimeout           FailureKind = "timeout"
	KindConnectionError   FailureKind = "connection_error"
	KindMalformedResponse FailureKind = "malformed_response"
	KindServiceError      FailureKind = "service_error"
)

// Failure 是 Send 返回的传输失败。
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.Kind == KindServiceError {
		return fmt.Sprintf("rfsn %s (status %d): %v", f.Kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("rfsn %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable 报告该失败是否值得重试：超时、连接错误、5xx。
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case KindTimeout, KindConnectionError:
		return true
	case KindServiceError:
		return f.StatusCode >= 500
	default:
		return false
	}
}

// AsFailure 从错误链中取出 *Failure。
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
