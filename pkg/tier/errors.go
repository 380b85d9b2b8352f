package tier

import (
	"errors"
	"fmt"
)

// ErrRegistryDefect matches every ConfigurationError.
var ErrRegistryDefect = errors.New("tier registry defect")

// ErrNoLowerTier is returned by SelectBelow when the chain is exhausted. It is
// an ordinary runtime condition, not a registry defect.
var ErrNoLowerTier = errors.New("no lower tier available")

// ConfigurationError means a chain could not produce any tier at all. With a
// working universal tier this cannot happen, so it indicates a build or
// configuration defect rather than an execution failure.
type ConfigurationError struct {
	Subsystem string
	Reason    string
	Cause     error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("tier registry defect in %s: %s", e.Subsystem, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrRegistryDefect) hold.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrRegistryDefect
}

// IsConfigurationError reports whether err is a registry defect.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrRegistryDefect)
}
