package commands

import (
	"errors"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/schema"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
)

// Command-level rejections. Each name is the reason string sent in acks.
var (
	ErrMalformedFrame  = errors.New("MalformedFrame")
	ErrUnknownCommand  = errors.New("UnknownCommand")
	ErrSchemaViolation = schema.ErrSchemaViolation
	ErrOutOfSequence   = errors.New("OutOfSequence")
)

// ErrInternal is reported for handler failures outside the taxonomy. The
// hardware handlers never produce one.
var ErrInternal = errors.New("InternalError")

var reasons = []error{
	ErrMalformedFrame,
	ErrUnknownCommand,
	ErrSchemaViolation,
	ErrOutOfSequence,
	state.ErrInvalidTransition,
	state.ErrOutOfRange,
	state.ErrInterlockViolation,
}

// Reason maps an error to its ack reason string.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r) {
			return r.Error()
		}
	}
	return ErrInternal.Error()
}
