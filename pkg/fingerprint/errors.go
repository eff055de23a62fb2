package fingerprint

import (
	"errors"
	"fmt"
)

// ErrUnsupportedDialect is returned when no normalizer is registered for a dialect.
var ErrUnsupportedDialect = errors.New("unsupported dialect")

// NormalizationError reports a query that a normalizer could not process.
type NormalizationError struct {
	Query  string
	Reason string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("normalizing query: %s: %v", e.Reason, e.Err)
	}
	return "normalizing query: " + e.Reason
}

func (e *NormalizationError) Unwrap() error {
	return e.Err
}

func unsupported(d Dialect) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedDialect, d)
}
