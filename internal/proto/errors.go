package proto

import (
	"errors"
	"fmt"
)

// Client-input errors. They are reported to the offending connection and
// never close it.
var (
	ErrMalformedFrame         = errors.New("malformed frame")
	ErrMissingField           = errors.New("missing field")
	ErrPayloadTooLarge        = errors.New("payload too large")
	ErrStaleOrFutureTimestamp = errors.New("stale or future timestamp")
)

// ValidationError records which check failed and on which field.
type ValidationError struct {
	Kind  error
	Field string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Field)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// KindName maps an error onto the name carried in the ack "error" field.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingField):
		return "MissingField"
	case errors.Is(err, ErrPayloadTooLarge):
		return "PayloadTooLarge"
	case errors.Is(err, ErrStaleOrFutureTimestamp):
		return "StaleOrFutureTimestamp"
	default:
		return "MalformedFrame"
	}
}
