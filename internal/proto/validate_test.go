package proto

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validMessage(now time.Time) *Message {
	return &Message{
		ID:        "m1",
		Topic:     "global",
		Payload:   json.RawMessage(`"hi"`),
		Timestamp: Timestamp(now),
	}
}

func TestValidateAcceptsFreshMessage(t *testing.T) {
	now := time.Now()
	v := NewValidator(0, 0)
	require.NoError(t, v.Validate(validMessage(now), now))
}

func TestValidateMissingFields(t *testing.T) {
	now := time.Now()
	v := NewValidator(0, 0)
	cases := map[string]func(m *Message){
		"id":        func(m *Message) { m.ID = "" },
		"topic":     func(m *Message) { m.Topic = "" },
		"content":   func(m *Message) { m.Payload = nil },
		"timestamp": func(m *Message) { m.Timestamp = "" },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			m := validMessage(now)
			mutate(m)
			err := v.Validate(m, now)
			require.ErrorIs(t, err, ErrMissingField)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, field, verr.Field)
			require.Equal(t, "MissingField", KindName(err))
		})
	}
}

func TestValidatePayloadTooLarge(t *testing.T) {
	now := time.Now()
	v := NewValidator(16, 0)
	m := validMessage(now)
	m.Payload = json.RawMessage(`"` + strings.Repeat("x", 32) + `"`)
	err := v.Validate(m, now)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	require.Equal(t, "PayloadTooLarge", KindName(err))
}

func TestValidateTimestampWindow(t *testing.T) {
	now := time.Now()
	v := NewValidator(0, 0)

	stale := validMessage(now)
	stale.Timestamp = Timestamp(now.Add(-25 * time.Hour))
	require.ErrorIs(t, v.Validate(stale, now), ErrStaleOrFutureTimestamp)

	future := validMessage(now)
	future.Timestamp = Timestamp(now.Add(25 * time.Hour))
	require.ErrorIs(t, v.Validate(future, now), ErrStaleOrFutureTimestamp)

	edge := validMessage(now)
	edge.Timestamp = Timestamp(now.Add(-23 * time.Hour))
	require.NoError(t, v.Validate(edge, now))
}

func TestValidateZonelessTimestamp(t *testing.T) {
	now := time.Now().UTC()
	m := validMessage(now)
	m.Timestamp = now.Format("2006-01-02T15:04:05.999999")
	require.NoError(t, NewValidator(0, 0).Validate(m, now))

	m.Timestamp = "yesterday"
	err := NewValidator(0, 0).Validate(m, now)
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodePublish(t *testing.T) {
	raw := []byte(`{"type":"publish","id":"m1","topic":"global","content":{"text":"hi"}}`)
	m, err := DecodePublish(raw)
	require.NoError(t, err)
	require.Equal(t, "m1", m.ID)
	require.Equal(t, "global", m.Topic)
	require.JSONEq(t, `{"text":"hi"}`, string(m.Payload))
	require.Equal(t, raw, m.Raw)

	m, err = DecodePublish([]byte(`{"type":"publish","topic":"t","content":null}`))
	require.NoError(t, err)
	require.Empty(t, m.Payload)

	_, err = DecodePublish([]byte(`{"type":"publish","id":7}`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestWithIDInjectsID(t *testing.T) {
	out, err := WithID([]byte(`{"type":"publish","topic":"t","content":"x"}`), "gen-1")
	require.NoError(t, err)
	m, err := DecodePublish(out)
	require.NoError(t, err)
	require.Equal(t, "gen-1", m.ID)
	require.Equal(t, "t", m.Topic)
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, TypePing, typ)

	_, err = PeekType([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}
