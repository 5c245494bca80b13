package ows

import (
	"fmt"

	"github.com/pkg/errors"
)

// OWS exception codes.
const (
	MissingParameterValue    = "MissingParameterValue"
	InvalidParameterValue    = "InvalidParameterValue"
	OperationNotSupported    = "OperationNotSupported"
	VersionNegotiationFailed = "VersionNegotiationFailed"
	NoApplicableCode         = "NoApplicableCode"
)

// ServiceException is a protocol level error. It is always turned into a
// fault document by the dispatcher, never into a crashed call.
type ServiceException struct {
	Message string
	Code    string
	Locator string
	// ExceptionText holds additional lines reported after the message.
	ExceptionText []string
	Cause         error
}

func NewServiceException(message, code, locator string) *ServiceException {
	return &ServiceException{Message: message, Code: code, Locator: locator}
}

// WrapServiceException turns an arbitrary error into a ServiceException
// with no specific code.
func WrapServiceException(err error) *ServiceException {
	return &ServiceException{Message: err.Error(), Cause: err}
}

func (e *ServiceException) Error() string {
	if e.Locator != "" {
		return fmt.Sprintf("%s (code=%s, locator=%s)", e.Message, e.Code, e.Locator)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (code=%s)", e.Message, e.Code)
	}
	return e.Message
}

func (e *ServiceException) Unwrap() error {
	return e.Cause
}

// HTTPErrorCodeError asks the dispatcher to answer with a plain HTTP status
// instead of a fault document.
type HTTPErrorCodeError struct {
	StatusCode  int
	Message     string
	ContentType string
}

func NewHTTPErrorCodeError(status int, message string) *HTTPErrorCodeError {
	return &HTTPErrorCodeError{StatusCode: status, Message: message}
}

func (e *HTTPErrorCodeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// IsError reports whether the status signals a failed call.
func (e *HTTPErrorCodeError) IsError() bool {
	return e.StatusCode >= 400
}

// ClientStreamAbortedError signals a write or flush failure towards the
// client while streaming a response. No fault document is produced for it.
type ClientStreamAbortedError struct {
	Err error
}

func (e *ClientStreamAbortedError) Error() string {
	return fmt.Sprintf("client stream aborted: %v", e.Err)
}

func (e *ClientStreamAbortedError) Unwrap() error {
	return e.Err
}

// SecurityError tags authentication and authorisation failures. They pass
// through the dispatcher unmodified so an outer security layer can handle
// them.
type SecurityError struct {
	// StatusCode is the suggested HTTP status, 401 or 403.
	StatusCode int
	Err        error
}

func NewSecurityError(status int, err error) *SecurityError {
	return &SecurityError{StatusCode: status, Err: err}
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security: %v", e.Err)
}

func (e *SecurityError) Unwrap() error {
	return e.Err
}

// IsSecurityError is the default security predicate.
func IsSecurityError(err error) bool {
	_, ok := err.(*SecurityError)
	return ok
}

// ErrDuplicateRegistration is returned by NewRegistry when two extensions
// claim the same identity.
var ErrDuplicateRegistration = errors.New("duplicate registration")

// ErrAmbiguousResponse is returned when two equally specific response
// writers are eligible for a result.
var ErrAmbiguousResponse = errors.New("multiple responses")

// ErrNoResponse is returned when no response writer can encode a result
// and no output format was requested.
var ErrNoResponse = errors.New("no response")

// unwrapOne returns the next error of the chain, or nil.
func unwrapOne(err error) error {
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return u.Unwrap()
	}
	if c, ok := err.(interface{ Cause() error }); ok {
		return c.Cause()
	}
	return nil
}
