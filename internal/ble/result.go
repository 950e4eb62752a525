package ble

import "fmt"

// Failure codes reported in Error.Code.
const (
	CodeNotLocated = "not_located"
	CodeOpenFailed = "open_failed"
	CodeInitFailed = "init_failed"
	CodeSendFailed = "send_failed"
	CodeTimeout    = "timeout"
	CodeCanceled   = "canceled"
)

// Result is the aggregated response of a successful exchange. Raw and Text
// hold one entry per notification, in arrival order.
type Result struct {
	ID   string   `yaml:"id"`
	Raw  [][]byte `yaml:"raw"`
	Text []string `yaml:"text"`
}

// Error is a terminal exchange failure.
type Error struct {
	Code       string `yaml:"code"`
	Detail     string `yaml:"detail"`
	Underlying string `yaml:"underlying,omitempty"`

	cause error
}

func newError(code, detail string, cause error) *Error {
	e := &Error{Code: code, Detail: detail, cause: cause}
	if cause != nil {
		e.Underlying = cause.Error()
	}
	return e
}

func (e *Error) Error() string {
	if e.Underlying == "" {
		return fmt.Sprintf("ble: %s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("ble: %s: %s: %s", e.Code, e.Detail, e.Underlying)
}

func (e *Error) Unwrap() error { return e.cause }

// Outcome is the single report of an exchange. Exactly one field is set.
type Outcome struct {
	Result *Result
	Err    *Error
}
