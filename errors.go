package hgsm

import "github.com/pkg/errors"

// ErrNoMemory is returned when the command heap has no free block large enough
// for a requested allocation. The heap never grows its backing region, so callers
// should surface this to their own callers rather than retry blindly.
var ErrNoMemory error = errors.New("no free block large enough in the command heap")

// ErrInvalidParameter is returned when an offset does not identify a live heap
// buffer, or when a caller-supplied size fails a declared limit.
var ErrInvalidParameter error = errors.New("invalid parameter")

// ErrNotImplemented is returned when the device reports that it does not support
// a requested capability. It is only meaningful for capability-negotiation commands.
var ErrNotImplemented error = errors.New("not supported by the device")

// ErrInternal is returned when the configuration self-test produced an
// unexpected value.
var ErrInternal error = errors.New("internal error")
