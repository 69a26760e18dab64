package av

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidZone          = errors.New("invalid zone")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrConnectionLost       = errors.New("connection lost")
	ErrTimeout              = errors.New("timeout")
	ErrBusy                 = errors.New("device busy")
	ErrProtocol             = errors.New("protocol error")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrNotLearned           = errors.New("not learned")
	ErrDuplicateButton      = errors.New("duplicate button")
	ErrAlreadyLearning      = errors.New("already learning")
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
)

// ProtocolError reports bytes received from a device that could not be
// interpreted. Raw holds the offending frame or line.
type ProtocolError struct {
	Reason string
	Raw    []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (raw %X)", e.Reason, e.Raw)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// NewProtocolError copies raw so the caller may reuse its buffer.
func NewProtocolError(reason string, raw []byte) *ProtocolError {
	return &ProtocolError{Reason: reason, Raw: append([]byte(nil), raw...)}
}

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidZone, "InvalidZone"},
	{ErrInvalidParameter, "InvalidParameter"},
	{ErrConnectionLost, "ConnectionLost"},
	{ErrTimeout, "Timeout"},
	{ErrBusy, "Busy"},
	{ErrProtocol, "ProtocolError"},
	{ErrUnsupportedOperation, "UnsupportedOperation"},
	{ErrNotLearned, "NotLearned"},
	{ErrDuplicateButton, "DuplicateButton"},
	{ErrAlreadyLearning, "AlreadyLearning"},
	{ErrNotFound, "NotFound"},
	{ErrInvalidState, "InvalidState"},
}

// KindOf returns the taxonomy name of err, "Canceled" for context
// cancellation and "Internal" for anything else. It returns "" for nil.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Canceled"
	}
	return "Internal"
}

// Transient reports whether retrying the same operation later may succeed.
func Transient(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrBusy)
}
