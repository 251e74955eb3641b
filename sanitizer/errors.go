package sanitizer

import (
	"errors"
	"fmt"
)

// A ConfigError reports options that cannot be run. It is
// detected before any test starts.
type ConfigError struct {
	Msg string
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

func (c *ConfigError) Error() string {
	return "invalid configuration: " + c.Msg
}

// IsConfigError checks if err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// A ProtocolViolation is the panic value raised when the
// progress engine sees a slot in a state it can never be
// in. It indicates a bug, not a network failure.
type ProtocolViolation struct {
	Slot  int
	State SlotState
	Msg   string
}

func (p *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation on slot %d (%v): %s", p.Slot, p.State, p.Msg)
}
