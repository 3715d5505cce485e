package hgsm

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
)

// Result is the signed 32-bit status code embedded in command buffers. The device
// overwrites the rc field of a buffer with one of these before the submission
// notification returns. Zero and positive values indicate success. The numeric
// values of the failure codes are part of the wire protocol and must not change.
type Result int32

const (
	Success               Result = 0
	ErrorInvalidParameter Result = -2
	ErrorNoMemory         Result = -8
	ErrorNotImplemented   Result = -12
	ErrorInternal         Result = -225
)

var resultMapping = map[Result]string{
	Success:               "Success",
	ErrorInvalidParameter: "ErrorInvalidParameter",
	ErrorNoMemory:         "ErrorNoMemory",
	ErrorNotImplemented:   "ErrorNotImplemented",
	ErrorInternal:         "ErrorInternal",
}

func (r Result) String() string {
	str, ok := resultMapping[r]
	if !ok {
		return fmt.Sprintf("Result(%d)", int32(r))
	}
	return str
}

// IsSuccess returns true for zero and positive status codes.
func (r Result) IsSuccess() bool {
	return r >= 0
}

// Err maps a device-written status code onto this package's sentinel errors.
// Success codes map to nil. Codes outside the known set map to a generic error
// carrying the raw value.
func (r Result) Err() error {
	if r.IsSuccess() {
		return nil
	}

	switch r {
	case ErrorInvalidParameter:
		return errors.WithStack(ErrInvalidParameter)
	case ErrorNoMemory:
		return errors.WithStack(ErrNoMemory)
	case ErrorNotImplemented:
		return errors.WithStack(ErrNotImplemented)
	case ErrorInternal:
		return errors.WithStack(ErrInternal)
	}

	return cerrors.Newf("device returned status %s", r)
}

// ResultOf is the inverse of Result.Err: it maps an error produced by this
// module back onto the wire status code that describes it. It is used where a
// status must be reported in-band, such as the raw-submit request.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidParameter):
		return ErrorInvalidParameter
	case errors.Is(err, ErrNoMemory):
		return ErrorNoMemory
	case errors.Is(err, ErrNotImplemented):
		return ErrorNotImplemented
	}

	return ErrorInternal
}
