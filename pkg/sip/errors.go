package sip

import (
	"errors"
	"fmt"
)

// Sentinel errors that can be checked with errors.Is().
var (
	// ErrProtocol is returned for malformed SIP input.
	ErrProtocol = errors.New("sip protocol error")

	// ErrOversize is returned when a message body exceeds the configured cap.
	ErrOversize = errors.New("sip message too large")
)

// AppErrorType classifies an application-level failure and selects the SIP
// status used when it is answered with a local reply.
type AppErrorType int

const (
	// AppProtocolError is a malformed or unparseable message.
	AppProtocolError AppErrorType = iota
	// AppOversize is a message body over the configured cap.
	AppOversize
	// AppRouteMissing is a request no route entry matched.
	AppRouteMissing
	// AppUnknownCluster is a route to a cluster the manager does not know.
	AppUnknownCluster
	// AppNoHealthyUpstream is a cluster with no selectable host.
	AppNoHealthyUpstream
	// AppMaintenanceMode is a cluster refusing traffic.
	AppMaintenanceMode
	// AppUpstreamConnectFailed is a failed upstream connect.
	AppUpstreamConnectFailed
	// AppUpstreamReset is an upstream connection reset mid-request.
	AppUpstreamReset
)

// StatusCode returns the SIP status answered for this error type.
func (t AppErrorType) StatusCode() int {
	switch t {
	case AppProtocolError:
		return 400
	case AppOversize:
		return 513
	case AppRouteMissing, AppUnknownCluster, AppNoHealthyUpstream,
		AppMaintenanceMode, AppUpstreamConnectFailed, AppUpstreamReset:
		return 503
	default:
		return 500
	}
}

// ReasonPhrase returns the reason phrase paired with StatusCode.
func (t AppErrorType) ReasonPhrase() string {
	switch t {
	case AppProtocolError:
		return "Bad Request"
	case AppOversize:
		return "Message Too Large"
	case AppRouteMissing, AppUnknownCluster, AppNoHealthyUpstream,
		AppMaintenanceMode, AppUpstreamConnectFailed, AppUpstreamReset:
		return "Service Unavailable"
	default:
		return "Server Internal Error"
	}
}

// AppError is an application-level failure carrying the SIP status to answer
// with.
type AppError struct {
	// Type classifies the failure.
	Type AppErrorType

	// Detail is a human-readable description.
	Detail string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("sip application error (%d %s): %s",
		e.Type.StatusCode(), e.Type.ReasonPhrase(), e.Detail)
}

// Is implements error matching for errors.Is().
func (e *AppError) Is(target error) bool {
	switch e.Type {
	case AppProtocolError:
		return target == ErrProtocol
	case AppOversize:
		return target == ErrOversize
	}
	return false
}

// NewAppError builds an AppError.
func NewAppError(t AppErrorType, detail string) *AppError {
	return &AppError{Type: t, Detail: detail}
}
