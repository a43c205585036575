package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound  = fmt.Errorf("upstream provider not found")
	ErrDialectNotFound   = fmt.Errorf("dialect not found")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrEncryption        = fmt.Errorf("encryption operation failed")
	ErrMissingCredential = fmt.Errorf("missing credential")

	// Stream translation errors.
	ErrProtocolViolation = fmt.Errorf("protocol violation")
	ErrMalformedPayload  = fmt.Errorf("malformed payload")

	// Upstream errors.
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrUpstreamFailure = fmt.Errorf("upstream server failure")
	ErrCircuitOpen     = fmt.Errorf("circuit open")

	// Relay errors.
	ErrRelayAuthFailed = fmt.Errorf("relay: %w", ErrAuthInvalid)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Dialect.Parse")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "dialect", "upstream"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RetryableError signals that the whole operation should be restarted.
// Dialect parsers return it only for upstream-reported transient overload,
// never for malformed payloads.
type RetryableError struct {
	Reason     string
	HTTPStatus int
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryable: %s: %v", e.Reason, e.Err)
	}
	return "retryable: " + e.Reason
}

func (e *RetryableError) Unwrap() error { return e.Err }

// NewRetryableError creates a RetryableError.
func NewRetryableError(reason string, httpStatus int, err error) *RetryableError {
	return &RetryableError{Reason: reason, HTTPStatus: httpStatus, Err: err}
}

// IsRetryableError reports whether err asks for an operation-level retry.
func IsRetryableError(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsTransientConnectError reports whether a connect failure may succeed when
// the same request is sent again. Cancellation and open circuits are final.
func IsTransientConnectError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeProviderNotFound  ErrorCode = "PROVIDER_NOT_FOUND"
	CodeDialectNotFound   ErrorCode = "DIALECT_NOT_FOUND"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeMissingCredential ErrorCode = "MISSING_CREDENTIAL"
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	CodeMalformedPayload  ErrorCode = "MALFORMED_PAYLOAD"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeContextOverflow   ErrorCode = "CONTEXT_OVERFLOW"
	CodeUpstreamFailure   ErrorCode = "UPSTREAM_FAILURE"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeRelayAuth         ErrorCode = "RELAY_AUTH"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeDialectPayload   ErrorCode = "DIALECT_INVALID_PAYLOAD"
	CodeDemuxPayload     ErrorCode = "DEMUX_INVALID_PAYLOAD"
	CodeUpstreamTimeout  ErrorCode = "UPSTREAM_TIMEOUT"
	CodeRelayBadRequest  ErrorCode = "RELAY_BAD_REQUEST"
	CodeUpstreamRejected ErrorCode = "UPSTREAM_REJECTED"

	// Category error codes, fallback when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrProviderNotFound:  CodeProviderNotFound,
	ErrDialectNotFound:   CodeDialectNotFound,
	ErrConfigLoad:        CodeConfigLoad,
	ErrDecryption:        CodeDecryption,
	ErrEncryption:        CodeEncryption,
	ErrMissingCredential: CodeMissingCredential,
	ErrProtocolViolation: CodeProtocolViolation,
	ErrMalformedPayload:  CodeMalformedPayload,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrContextOverflow:   CodeContextOverflow,
	ErrUpstreamFailure:   CodeUpstreamFailure,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrRelayAuthFailed:   CodeRelayAuth,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrInvalidInput: {
		"dialect": CodeDialectPayload,
		"demux":   CodeDemuxPayload,
		"relay":   CodeRelayBadRequest,
	},
	ErrTimeout: {
		"upstream": CodeUpstreamTimeout,
	},
	ErrProviderError: {
		"upstream": CodeUpstreamRejected,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Relay auth wraps ErrAuthInvalid, so check it before the generic walk.
	if errors.Is(err, ErrRelayAuthFailed) {
		return CodeRelayAuth
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
