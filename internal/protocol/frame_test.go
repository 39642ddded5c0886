package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"type":"LOGIN_TOKEN","payload":{"t":"abc"},"visibility":"none"}`),
		[]byte(""),
		bytes.Repeat([]byte("x"), MaxFrameSize),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, bytes.Repeat([]byte("x"), MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameSkipsPing(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(FramePing)))
	want := []byte(`{"type":"SEND_CHAT"}`)
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadFrameEndClosesConnection(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(FrameEnd)))

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReadFrameShortHeaderIsFatal(t *testing.T) {
	r := strings.NewReader("\x01")
	_, err := ReadFrame(r)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrConnectionClosed))
}
