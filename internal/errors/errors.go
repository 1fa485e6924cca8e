package errors

import (
	stdErrors "errors"
	"fmt"
)

// Code 是路由引擎内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeConfigInvalid         Code = "CONFIG_INVALID"

	// 链上交互与事件解码。
	CodeChainFailure  Code = "CHAIN_FAILURE"
	CodeDecodeFailure Code = "DECODE_FAILURE"

	// 单跳处理。
	CodeOracleFailure    Code = "ORACLE_FAILURE"
	CodeLookupFailure    Code = "LOOKUP_FAILURE"
	CodeDirectoryFailure Code = "DIRECTORY_FAILURE"
	CodeHopLimitExceeded Code = "HOP_LIMIT_EXCEEDED"

	// 入口会话。
	CodeSessionTimeout  Code = "SESSION_TIMEOUT"
	CodeSessionConflict Code = "SESSION_CONFLICT"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// registry 在启动后只读。可重试的错误会中止当前轮询周期并保留游标。
var registry = map[Code]Attributes{
	CodeUnknown:               {"unknown error", SeverityCritical, false, true},
	CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false},
	CodeNotFound:              {"resource not found", SeverityInfo, false, false},
	CodeInitializationFailure: {"component not initialized", SeverityWarning, true, true},
	CodeStorageFailure:        {"storage failure", SeverityCritical, true, true},
	CodeConfigInvalid:         {"invalid configuration", SeverityCritical, false, false},

	CodeChainFailure:  {"ledger interaction failed", SeverityCritical, true, true},
	CodeDecodeFailure: {"ledger event could not be decoded", SeverityWarning, true, true},

	CodeOracleFailure:    {"routing decision failed", SeverityWarning, false, true},
	CodeLookupFailure:    {"place lookup failed", SeverityWarning, false, false},
	CodeDirectoryFailure: {"agent directory failure", SeverityWarning, false, true},
	CodeHopLimitExceeded: {"hop limit reached", SeverityInfo, false, false},

	CodeSessionTimeout:  {"session timed out", SeverityWarning, false, false},
	CodeSessionConflict: {"session already active", SeverityInfo, false, false},
}

func attributesOf(code Code) Attributes {
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、可选原因与元数据。retryable 为空时取错误码的默认值。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码的可重试属性，例如目录存储暂时不可用。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = attributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
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

// Is 让 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if e == nil || !ok || t == nil {
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

// Message 返回不含错误码的描述，用于会话的 error 消息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
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

func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return attributesOf(e.code).Retryable
}

func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	return attributesOf(e.code).Alert
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return attributesOf(e.code).Severity
}

// From 从错误链中取出 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 返回错误码，非统一错误返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断路由器是否应保留游标并在下个周期重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return attributesOf(CodeUnknown).Severity
}
