package state

import (
	"errors"
	"fmt"
)

// Model rejections. The error text is the reason reported to the client.
var (
	ErrInvalidTransition  = errors.New("InvalidTransition")
	ErrOutOfRange         = errors.New("OutOfRange")
	ErrInterlockViolation = errors.New("InterlockViolation")
)

// ActuatorError wraps a model rejection with the actuator it concerns
type ActuatorError struct {
	Actuator string
	Code     error
	Detail   string
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("%v: %s %s", e.Code, e.Actuator, e.Detail)
}

func (e *ActuatorError) Unwrap() error {
	return e.Code
}

func rejectf(code error, actuator, format string, args ...interface{}) error {
	return &ActuatorError{Actuator: actuator, Code: code, Detail: fmt.Sprintf(format, args...)}
}
