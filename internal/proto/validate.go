package proto

import (
	"time"
)

const (
	DefaultMaxPayloadSize = 1 << 20
	DefaultMaxClockSkew   = 24 * time.Hour
)

// Layouts accepted for message timestamps. Zone-less forms are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Validator runs the stateless checks on an inbound message.
type Validator struct {
	MaxPayloadSize int
	MaxClockSkew   time.Duration
}

func NewValidator(maxPayload int, maxSkew time.Duration) Validator {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxClockSkew
	}
	return Validator{MaxPayloadSize: maxPayload, MaxClockSkew: maxSkew}
}

// Validate returns nil or a *ValidationError. now is the reference wall clock.
func (v Validator) Validate(m *Message, now time.Time) error {
	switch {
	case m.ID == "":
		return &ValidationError{Kind: ErrMissingField, Field: "id"}
	case m.Topic == "":
		return &ValidationError{Kind: ErrMissingField, Field: "topic"}
	case len(m.Payload) == 0:
		return &ValidationError{Kind: ErrMissingField, Field: "content"}
	case m.Timestamp == "":
		return &ValidationError{Kind: ErrMissingField, Field: "timestamp"}
	}
	if len(m.Payload) > v.MaxPayloadSize {
		return &ValidationError{Kind: ErrPayloadTooLarge, Field: "content"}
	}
	ts, ok := ParseTimestamp(m.Timestamp)
	if !ok {
		return &ValidationError{Kind: ErrMalformedFrame, Field: "timestamp"}
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxClockSkew {
		return &ValidationError{Kind: ErrStaleOrFutureTimestamp, Field: "timestamp"}
	}
	return nil
}

// ParseTimestamp reads an ISO-8601 timestamp.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
