// Package apierr provides the typed error taxonomy the request router and
// its handlers use to classify failures before turning them into a
// Response's `error` field. It is modeled on the sentinel-plus-wrapped-type
// pattern used for error classification elsewhere in the retrieval pack
// (github.com/ehsaniara/joblet's pkg/errors), adapted to the six error
// classes spec.md §7 names: protocol, auth, validation, storage,
// launcher, and routing errors.
package apierr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conditions the router needs to recognize by kind.
var (
	ErrUnknownRequestType = errors.New("unknown request type")
	ErrMalformedFrame     = errors.New("malformed frame")

	ErrInvalidPassword = errors.New("invalid password")

	ErrInvalidTarget      = errors.New("invalid target")
	ErrTargetExists       = errors.New("target already exists")
	ErrEmptyTargets       = errors.New("targets list is empty")
	ErrInvalidConcurrency = errors.New("concurrency must be > 0")
	ErrReservedTarget     = errors.New("target name is reserved")

	ErrSocketClosed  = errors.New("socket closed")
	ErrRequestTimeout = errors.New("request timed out")
)

// ProtocolError wraps a malformed-frame or unknown-request-type failure.
// Fatal to the current request only.
type ProtocolError struct {
	Detail string
	Err    error
}

// Error renders Detail verbatim when set — spec.md §4.C mandates the
// exact string `unknown request type: '<type>'`, with no further
// wrapping of the underlying sentinel — falling back to Err otherwise.
func (e *ProtocolError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func NewUnknownRequestType(requestType string) error {
	return &ProtocolError{Detail: fmt.Sprintf("unknown request type: '%s'", requestType), Err: ErrUnknownRequestType}
}

// AuthError is fatal to the connection: the server closes it after
// sending the response.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

func NewAuthError() error {
	return &AuthError{Err: ErrInvalidPassword}
}

// ValidationError wraps a request-payload validation failure. Fatal to
// the current request only.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewInvalidTargetError renders without a Field prefix: spec.md §8
// scenario S3 requires the exact response `error="invalid target
// 'missing'"`, and ErrInvalidTarget's own text already supplies that.
func NewInvalidTargetError(target string) error {
	return &ValidationError{Err: fmt.Errorf("%w '%s'", ErrInvalidTarget, target)}
}

func NewReservedTargetError(target string) error {
	return &ValidationError{Field: "target", Err: fmt.Errorf("%w: '%s'", ErrReservedTarget, target)}
}

// StorageError wraps a query/connection failure from the storage adapter.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func WrapStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// LauncherError wraps a child-spawn failure or output-buffer overflow.
// Recorded against the job row, not surfaced to the original requester
// unless it's a run-manual waiter.
type LauncherError struct {
	JobID uint64
	Err   error
}

func (e *LauncherError) Error() string {
	return fmt.Sprintf("job %d: launcher: %v", e.JobID, e.Err)
}

func (e *LauncherError) Unwrap() error { return e.Err }

func NewLauncherError(jobID uint64, err error) error {
	return &LauncherError{JobID: jobID, Err: err}
}

// RoutingError wraps a Master-side failure to find a Worker serving a
// target, surfaced per-id under a run-manual response's `errors` map.
type RoutingError struct {
	Target string
	Err    error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("worker serving target '%s' not found", e.Target)
}

func (e *RoutingError) Unwrap() error { return e.Err }

func NewNoWorkerForTargetError(target string) error {
	return &RoutingError{Target: target, Err: errors.New("no worker registered")}
}

// Classification helpers, mirroring the As-based style used throughout
// the pack for error kind checks.

func IsProtocolError(err error) bool {
	var e *ProtocolError
	return errors.As(err, &e)
}

func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsStorageError(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

func IsLauncherError(err error) bool {
	var e *LauncherError
	return errors.As(err, &e)
}

func IsRoutingError(err error) bool {
	var e *RoutingError
	return errors.As(err, &e)
}
