package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"module":"system","function":"ping"}`)

	require.NoError(t, Encode(&buf, payload))

	got, err := Decode(bufio.NewReader(&buf), DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, make([]byte, 1024)))

	_, err := Decode(bufio.NewReader(&buf), 100)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsMalformedLength(t *testing.T) {
	r := bufio.NewReader(bytes.NewBufferString("not-a-number\n{}"))
	_, err := Decode(r, DefaultMaxFrameSize)
	require.Error(t, err)
}

func TestMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []byte(`{"a":1}`)))
	require.NoError(t, Encode(&buf, []byte(`{"b":2}`)))

	r := bufio.NewReader(&buf)
	first, err := Decode(r, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(first))

	second, err := Decode(r, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.Equal(t, `{"b":2}`, string(second))
}
