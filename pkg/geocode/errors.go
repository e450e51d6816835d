package geocode

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a geocoding failure.
type ErrorKind string

// Error kinds.
const (
	KindTimeout     ErrorKind = "timeout"
	KindTransport   ErrorKind = "transport"
	KindStatus      ErrorKind = "status"
	KindMalformed   ErrorKind = "malformed"
	KindNotFound    ErrorKind = "not_found"
	KindMismatch    ErrorKind = "mismatch"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindCanceled    ErrorKind = "canceled"
)

// GeocodingError is returned for any provider failure. Callers always
// recover from it by falling back to heuristic distance.
type GeocodingError struct {
	Kind       ErrorKind
	Provider   string
	PostalCode string
	StatusCode int
	Err        error
}

func (e *GeocodingError) Error() string {
	msg := fmt.Sprintf("geocode: %s %s", e.Provider, e.Kind)
	if e.PostalCode != "" {
		msg += fmt.Sprintf(" for %q", e.PostalCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GeocodingError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a GeocodingError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var ge *GeocodingError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// IsNotFound reports whether err means the provider had no acceptable result
// for the postal code, as opposed to the provider failing.
func IsNotFound(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindMismatch:
		return true
	}
	return false
}

// tripsBreaker reports whether err indicates an unhealthy provider.
func tripsBreaker(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindMismatch, KindCanceled:
		return false
	}
	return err != nil
}
