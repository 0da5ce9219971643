package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes used across the runtime. These mirror the service's error
// vocabulary: 4xxxx for request/auth problems, 5xxxx for server-side
// placement problems, 8xxxx for connection lifecycle, 9xxxx for channel
// lifecycle. The code travels with a conventional HTTP-like status so
// callers can branch on either.
const (
	CodeAuthFailed       = 40100 // credentials rejected, connection-fatal
	CodePermissionDenied = 40160 // channel operation denied, channel-fatal

	// Placement-constraint band: the server cannot serve this host right
	// now. Triggers fallback-host selection instead of a retry cycle.
	CodePlacementMin = 50000
	CodePlacementMax = 50500 // exclusive

	CodeConnectionFailed    = 80000
	CodeConnectionSuspended = 80002
	CodeDisconnected        = 80003 // transport break or idle timeout
	CodeConnectionTimeout   = 80014
	CodeConnectionClosed    = 80017 // user-initiated close
	CodeNotConnected        = 80019 // send refused, queueing disabled

	CodeChannelFailed = 90001
	CodeAttachTimeout = 90007
)

// ErrorInfo is the structured error that crosses the wire and is handed to
// callers. It satisfies the error interface so it can flow through normal
// Go error returns; check for it with errors.As.
type ErrorInfo struct {
	Code       int    `json:"code,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("ripple: %s (code=%d status=%d)", e.Message, e.Code, e.StatusCode)
}

// NewError builds an ErrorInfo with an explicit code and status.
func NewError(code, statusCode int, message string) *ErrorInfo {
	return &ErrorInfo{Code: code, StatusCode: statusCode, Message: message}
}

// NewTimeoutError builds the 408-class error used for connect, idle, and
// attach timeouts. The code distinguishes which deadline expired.
func NewTimeoutError(code int, message string) *ErrorInfo {
	return &ErrorInfo{Code: code, StatusCode: http.StatusRequestTimeout, Message: message}
}

// ErrorFrom coerces any error into an ErrorInfo. Errors that already are
// (or wrap) an ErrorInfo keep their code and status; everything else is
// classified as a transient transport failure.
func ErrorFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var ei *ErrorInfo
	if errors.As(err, &ei) {
		return ei
	}
	return &ErrorInfo{
		Code:       CodeConnectionFailed,
		StatusCode: http.StatusInternalServerError,
		Message:    err.Error(),
	}
}

// IsPlacementConstraint reports whether an error is the redirect-class
// server error that means "try a fallback host". It must be a 5xx status
// with a code inside the placement band.
func IsPlacementConstraint(e *ErrorInfo) bool {
	if e == nil {
		return false
	}
	return e.StatusCode >= 500 && e.StatusCode < 600 &&
		e.Code >= CodePlacementMin && e.Code < CodePlacementMax
}

// IsConnectionFatal reports whether an error must move the connection to
// failed rather than disconnected. Auth-class rejections are never worth
// retrying; the caller has to fix credentials and reconnect explicitly.
func IsConnectionFatal(e *ErrorInfo) bool {
	if e == nil {
		return false
	}
	return e.StatusCode == 401 || e.StatusCode == 403
}

// IsChannelFatal reports whether a channel-scoped error is terminal for
// the channel (→ failed) as opposed to transient (→ suspended with retry).
// Client-side rejections (4xx) cannot be fixed by retrying.
func IsChannelFatal(e *ErrorInfo) bool {
	if e == nil {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}
