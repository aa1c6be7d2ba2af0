package rtpcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		pt   byte
		seq  uint16
		ts   uint32
		ssrc uint32
	}{
		{96, 0, 0, 0},
		{97, 65535, 4294967295, 0xdeadbeef},
		{98, 1, 3000, 42},
	}

	for _, c := range cases {
		buf := make([]byte, HeaderSize)
		require.NoError(t, InitForSend(buf, c.pt))
		require.NoError(t, WriteFlowFields(buf, c.seq, c.ts, c.ssrc))

		hdr, err := ReadFlowFields(buf)
		require.NoError(t, err)

		assert.Equal(t, c.pt, hdr.PayloadType)
		assert.Equal(t, c.seq, hdr.Sequence)
		assert.Equal(t, c.ts, hdr.Timestamp)
		assert.Equal(t, c.ssrc, hdr.SSRC)
	}
}

func TestInitForSendStampsConstantFields(t *testing.T) {
	buf := make([]byte, HeaderSize)
	require.NoError(t, InitForSend(buf, 97))

	// version=2, padding=0, extension=0, csrc_count=0
	assert.Equal(t, byte(0x80), buf[0])
	// marker=0, payload type=97
	assert.Equal(t, byte(97), buf[1])
}

func TestShortPacketRejected(t *testing.T) {
	buf := make([]byte, HeaderSize-1)
	assert.ErrorIs(t, InitForSend(buf, 97), ErrShortPacket)
	assert.ErrorIs(t, WriteFlowFields(buf, 0, 0, 0), ErrShortPacket)

	_, err := ReadFlowFields(buf)
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestVersionMismatchRejected(t *testing.T) {
	buf := make([]byte, HeaderSize)
	require.NoError(t, InitForSend(buf, 97))
	// Corrupt the version field to 1.
	buf[0] = 1 << 6

	_, err := ReadFlowFields(buf)
	assert.ErrorIs(t, err, ErrVersion)
}

func TestSequenceWraps(t *testing.T) {
	buf := make([]byte, HeaderSize)
	require.NoError(t, InitForSend(buf, 97))

	var seq uint16 = 65535
	require.NoError(t, WriteFlowFields(buf, seq, 0, 0))
	hdr, err := ReadFlowFields(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), hdr.Sequence)

	seq++ // wraps to 0
	require.NoError(t, WriteFlowFields(buf, seq, 0, 0))
	hdr, err = ReadFlowFields(buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), hdr.Sequence)
}
