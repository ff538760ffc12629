package rpc

import "encoding/json"

type ErrorCode string

const (
	ErrCodeNotFound             ErrorCode = "not_found"
	ErrCodeDuplicateParticipant ErrorCode = "duplicate_participant"
	ErrCodeCapabilityMismatch   ErrorCode = "capability_mismatch"
	ErrCodeCapacityExceeded     ErrorCode = "capacity_exceeded"
	ErrCodeReadinessTimeout     ErrorCode = "readiness_timeout"
	ErrCodeProcessFailure       ErrorCode = "process_failure"
	ErrCodeBadRequest           ErrorCode = "bad_request"
	ErrCodeInternal             ErrorCode = "internal"
)

type ErrorParams struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Method names the operation that failed, when known.
	Method Method `json:"method,omitempty"`
}

// ErrorRpc is delivered only to the connection whose operation failed.
type ErrorRpc struct {
	jsonRpcHead
	Params ErrorParams `json:"params"`
}

func NewErrorRpc(code ErrorCode, message string, method Method) *ErrorRpc {
	return &ErrorRpc{
		jsonRpcHead: newHead(ErrorMethod),
		Params:      ErrorParams{Code: code, Message: message, Method: method},
	}
}

func (r ErrorRpc) GetMethod() Method {
	return r.Method
}

func (r ErrorRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
