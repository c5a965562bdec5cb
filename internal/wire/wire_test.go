package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePacket_RoundTrip(t *testing.T) {
	cases := []Packet{
		NewNotification(SrcClient|DestServer, "Setup", []byte{0x80}),
		NewReply(42, SrcServer|DestClient, "PlayCard", []byte{0xa0}),
		NewRequest(7, SrcServer|DestClient, "AskForCardShow", []byte{0x01}, 15, 1700000000000),
	}

	for _, want := range cases {
		body, err := EncodePacket(want)
		require.NoError(t, err)

		got, err := DecodePacket(body)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		// P1: decode(encode(decode(B))) == decode(B) byte-for-byte.
		again, err := EncodePacket(got)
		require.NoError(t, err)
		assert.Equal(t, body, again, "re-encoding a decoded packet must be byte-identical")
	}
}

func TestDecodePacket_RejectsWrongArity(t *testing.T) {
	body, err := EncodeValue([]any{1, 2, 3})
	require.NoError(t, err)

	_, err = DecodePacket(body)
	assert.Error(t, err)
}

func TestFrameReader_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := NewNotification(SrcClient|DestServer, "Chat", []byte{0x61, 0x61})
	require.NoError(t, WriteFrame(&buf, want))

	fr := NewFrameReader(&buf)
	got, err := fr.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFrameReader_ClosesAfterThreeBadFrames(t *testing.T) {
	var buf bytes.Buffer
	// Three frames whose body doesn't decode as a valid packet array.
	for i := 0; i < 3; i++ {
		body, err := EncodeValue("not a packet array")
		require.NoError(t, err)
		var header [4]byte
		writeHeader(&buf, header[:], len(body))
		buf.Write(body)
	}

	fr := NewFrameReader(&buf)
	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = fr.ReadPacket()
	}
	assert.ErrorIs(t, lastErr, ErrTooManyBadFrames)
}

func writeHeader(buf *bytes.Buffer, scratch []byte, size int) {
	scratch[0] = byte(size >> 24)
	scratch[1] = byte(size >> 16)
	scratch[2] = byte(size >> 8)
	scratch[3] = byte(size)
	buf.Write(scratch)
}
