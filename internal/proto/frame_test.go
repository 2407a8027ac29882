package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":"ping"}`)))
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":"health"}`)))

	first, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, `{"type":"ping"}`, string(first))
	second, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.Equal(t, `{"type":"health"}`, string(second))
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte("a"), 64)))
	_, err := ReadFrame(&buf, 32)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
