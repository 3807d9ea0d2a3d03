package orch

import (
	"errors"
	"fmt"

	"github.com/dkeye/Stage/internal/domain"
)

var (
	// ErrAdmissionRejected is returned before any capture or transport call
	// when the stage already has the maximum number of live presenters.
	ErrAdmissionRejected = errors.New("presenter cap reached")
	// ErrIdentifierBusy is returned when the derived identifier is joining,
	// in use, or still quiescing after a teardown.
	ErrIdentifierBusy = errors.New("identifier busy")
	ErrInvalidState   = errors.New("invalid state for operation")
)

// CaptureError reports a failed capture acquisition. It wraps
// core.ErrCaptureDenied when the user or the OS refused.
type CaptureError struct {
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// TransportError reports a failed token, join, role or publish step.
type TransportError struct {
	Op         string
	Identifier domain.ParticipantID
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s as %d: %v", e.Op, e.Identifier, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
