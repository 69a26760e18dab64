//go:build no_macro

// Package macro is compiled out; every run reports the operation as unsupported.
package macro

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

var errDisabled = fmt.Errorf("macros disabled: %w", av.ErrUnsupportedOperation)

// Manager is a no-op stub when macros are disabled.
type Manager struct{}

// NewManager returns a nil manager when macros are disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

// Runner is a no-op stub when macros are disabled.
type Runner struct{}

// NewRunner returns a no-op runner when macros are disabled.
func NewRunner(_ any, _ *Manager, _ time.Duration, _ *slog.Logger) *Runner { return &Runner{} }

// List returns nothing.
func (r *Runner) List() ([]string, error) { return nil, nil }

// Run always fails.
func (r *Runner) Run(_ context.Context, _ string) error { return errDisabled }
