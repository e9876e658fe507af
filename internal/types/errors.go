// ABOUTME: Error taxonomy for the enrichment pipeline.
// ABOUTME: Separates caller errors, configuration errors and transient source failures.

package types

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrInvalidCVE is returned for empty or malformed CVE identifiers
var ErrInvalidCVE = xerrors.New("invalid CVE id")

// ErrorKind classifies a source failure
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindTransient  ErrorKind = "transient"
	KindInternal   ErrorKind = "internal"
)

// AuthError means a source rejected our credentials. There is no degraded
// behaviour for it: the configuration has to be fixed.
type AuthError struct {
	Source     string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed (HTTP %d)", e.Source, e.StatusCode)
}

// SourceError records the failure of one source for one finding
type SourceError struct {
	Source string
	Kind   ErrorKind
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Classify wraps err from source into a SourceError with the matching kind
func Classify(source string, err error) *SourceError {
	if err == nil {
		return nil
	}

	var se *SourceError
	if xerrors.As(err, &se) {
		return se
	}

	kind := KindTransient
	var authErr *AuthError
	switch {
	case xerrors.Is(err, ErrInvalidCVE):
		kind = KindValidation
	case xerrors.As(err, &authErr):
		kind = KindAuth
	}

	return &SourceError{Source: source, Kind: kind, Err: err}
}
