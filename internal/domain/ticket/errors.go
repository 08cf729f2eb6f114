package ticket

import (
	"errors"
	"fmt"
)

// Reason classifies why an admission was denied.
type Reason string

// Denial reasons
const (
	ReasonAuthentication      Reason = "AUTHENTICATION_FAILED"
	ReasonPairingIncomplete   Reason = "PAIRING_INCOMPLETE"
	ReasonValidation          Reason = "VALIDATION_FAILED"
	ReasonUpstreamUnavailable Reason = "UPSTREAM_UNAVAILABLE"
	ReasonNoTicketsRemaining  Reason = "NO_TICKETS_REMAINING"
	ReasonInternal            Reason = "INTERNAL_ERROR"
)

// AdmissionError is a typed denial.
// Message is safe to show to clients; Err carries internal detail for logs only.
type AdmissionError struct {
	Reason  Reason
	Message string
	Err     error
}

// Error implements the error interface
func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AdmissionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AdmissionError with the same reason.
func (e *AdmissionError) Is(target error) bool {
	t, ok := target.(*AdmissionError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// NewAdmissionError creates a denial with the given reason, safe message and cause.
func NewAdmissionError(reason Reason, message string, err error) *AdmissionError {
	return &AdmissionError{
		Reason:  reason,
		Message: message,
		Err:     err,
	}
}

// Client-facing messages
const (
	MessageAuthentication      = "인증이 필요합니다."
	MessagePairingIncomplete   = "아직 커플 매칭이 완료되지 않았습니다. regions/unlock 기능을 사용하려면 먼저 커플 매칭을 완료해주세요."
	MessageValidation          = "regions 정보가 없습니다."
	MessageUpstreamUnavailable = "티켓 정보를 확인할 수 없습니다. 잠시 후 다시 시도해주세요."
	MessageNoTicketsRemaining  = "티켓이 없습니다."
	MessageInternal            = "티켓 검증 중 오류가 발생했습니다."
)

// Sentinel denials, matched by reason through errors.Is
var (
	ErrAuthentication      = NewAdmissionError(ReasonAuthentication, MessageAuthentication, nil)
	ErrPairingIncomplete   = NewAdmissionError(ReasonPairingIncomplete, MessagePairingIncomplete, nil)
	ErrValidation          = NewAdmissionError(ReasonValidation, MessageValidation, nil)
	ErrUpstreamUnavailable = NewAdmissionError(ReasonUpstreamUnavailable, MessageUpstreamUnavailable, nil)
	ErrNoTicketsRemaining  = NewAdmissionError(ReasonNoTicketsRemaining, MessageNoTicketsRemaining, nil)
	ErrInternal            = NewAdmissionError(ReasonInternal, MessageInternal, nil)
)

// ErrBalanceNotFound is returned by a TicketStore when no balance is cached for a couple.
var ErrBalanceNotFound = errors.New("ticket balance not found")

// ErrMalformedBalance marks a stored or fetched payload that could not be coerced into a Balance.
var ErrMalformedBalance = errors.New("malformed ticket balance")

// AuthenticationError wraps err as an authentication denial.
func AuthenticationError(err error) *AdmissionError {
	return NewAdmissionError(ReasonAuthentication, MessageAuthentication, err)
}

// ValidationError wraps err as a payload validation denial.
func ValidationError(err error) *AdmissionError {
	return NewAdmissionError(ReasonValidation, MessageValidation, err)
}

// UpstreamUnavailableError wraps err as a balance fetch failure.
func UpstreamUnavailableError(err error) *AdmissionError {
	return NewAdmissionError(ReasonUpstreamUnavailable, MessageUpstreamUnavailable, err)
}

// InternalError wraps err as an unexpected fault.
func InternalError(err error) *AdmissionError {
	return NewAdmissionError(ReasonInternal, MessageInternal, err)
}

// ReasonOf extracts the denial reason from err.
// Errors that are not AdmissionErrors are reported as internal.
func ReasonOf(err error) Reason {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonInternal
}

// AsAdmissionError converts any error into an AdmissionError, treating unknown errors as internal.
func AsAdmissionError(err error) *AdmissionError {
	if err == nil {
		return nil
	}
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae
	}
	return InternalError(err)
}
