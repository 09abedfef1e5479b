package internal_type

import (
	"errors"
	"fmt"
)

// Code classifies session failures. Codes surface externally in error events
// and as the terminal status of a session summary.
type Code string

const (
	CodeBadRequest          Code = "bad_request"
	CodeAlreadyActive       Code = "already_active"
	CodeNotActive           Code = "not_active"
	CodeAudioFormat         Code = "audio_format"
	CodeBackpressure        Code = "backpressure"
	CodeIdleTimeout         Code = "idle_timeout"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeProviderAuth        Code = "provider_auth"
	CodeInternal            Code = "internal"
)

// Fatal reports whether a code terminates the session. Protocol-level codes
// are reported to the client without closing the socket.
func (c Code) Fatal() bool {
	switch c {
	case CodeBadRequest, CodeAlreadyActive, CodeNotActive:
		return false
	}
	return true
}

// Failure is an error carrying a taxonomy code. The session manager turns a
// Failure into the client-facing error event and the matching close behavior.
type Failure struct {
	Code    Code
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure builds a Failure with a formatted message.
func NewFailure(code Code, format string, args ...interface{}) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapFailure attaches a taxonomy code to an underlying error.
func WrapFailure(code Code, err error, format string, args ...interface{}) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, defaulting to internal.
func CodeOf(err error) Code {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}
