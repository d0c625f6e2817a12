package model

import (
	"errors"
	"fmt"
)

// ErrOracle is matched by errors.Is for every OracleError.
var ErrOracle = errors.New("oracle failure")

// OracleError reports a failed oracle invocation. Oracle failures are fatal to
// the run that issued them.
type OracleError struct {
	// Provider identifies the backing provider when known (e.g. "openai").
	Provider string
	// Operation names the failed call ("complete", "stream", "decode").
	Operation string
	// Err is the underlying error.
	Err error
}

// NewOracleError wraps err unless it already is an OracleError.
func NewOracleError(provider, operation string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OracleError
	if errors.As(err, &oe) {
		return err
	}
	return &OracleError{Provider: provider, Operation: operation, Err: err}
}

func (e *OracleError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	if e.Provider == "" {
		return fmt.Sprintf("oracle %s: %v", op, e.Err)
	}
	return fmt.Sprintf("oracle %s %s: %v", e.Provider, op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OracleError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrOracle) match.
func (e *OracleError) Is(target error) bool { return target == ErrOracle }
