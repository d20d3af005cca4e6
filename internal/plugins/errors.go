package plugins

import (
	"errors"
	"fmt"

	"braindrive/internal/versions"
	"braindrive/pkg/types"
)

// Result codes.
const (
	CodeNotInstalled     = "not_installed"
	CodeAlreadyInstalled = "already_installed"
	CodeIncompatible     = "incompatible"
	CodeInvalid          = "invalid"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

// opError is a failure tagged with its result code.
type opError struct {
	code string
	err  error
}

func (e opError) Error() string { return e.err.Error() }
func (e opError) Unwrap() error { return e.err }

func failf(code, format string, args ...any) error {
	return opError{code: code, err: fmt.Errorf(format, args...)}
}

func codeOf(err error) string {
	var oe opError
	if errors.As(err, &oe) {
		return oe.code
	}
	if versions.IsIncompatible(err) {
		return CodeIncompatible
	}
	return CodeInternal
}

// IsNotInstalled reports whether r failed because the plugin is not installed.
func IsNotInstalled(r types.Result) bool { return !r.Success && r.Code == CodeNotInstalled }

// IsConflict reports whether r failed because the plugin is already installed.
func IsConflict(r types.Result) bool { return !r.Success && r.Code == CodeAlreadyInstalled }

// IsIncompatible reports whether r failed a compatibility check.
func IsIncompatible(r types.Result) bool { return !r.Success && r.Code == CodeIncompatible }

func succeed(data any) types.Result { return types.Result{Success: true, Data: data} }

func fail(err error) types.Result {
	return types.Result{Success: false, Error: err.Error(), Code: codeOf(err)}
}
