package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 描述一个错误码的处理方式：变更流据 Retryable 决定重投还是死信，
// 计数更新器据 Alert 决定是否告警。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 基础设施层错误码。业务错误码由 records 包在 init 中注册。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	mu       sync.RWMutex
	registry = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
	}
)

// Register 注册或覆盖错误码的属性，应在包初始化阶段调用。
func Register(code Code, attr Attributes) {
	mu.Lock()
	registry[code] = attr
	mu.Unlock()
}

// AttributesOf 返回错误码的属性，未注册的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	mu.RLock()
	defer mu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是带错误码和附加信息的错误。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加一条键值信息，例如文档键或过滤条件。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New 创建错误。message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 为 cause 附加错误码。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较，records 中的哨兵错误依赖这一点。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// From 返回错误链上最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误码，普通 error 视为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断变更流是否应重投该错误对应的事件。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.code).Retryable
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.code).Alert
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	return AttributesOf(CodeOf(err)).Severity
}

// MetadataOf 返回错误链上最外层 *Error 的附加信息。
func MetadataOf(err error) map[string]string {
	if e, ok := From(err); ok {
		return e.Metadata()
	}
	return nil
}
