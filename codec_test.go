package wlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCommandRoundTrip(t *testing.T) {
	w := EncodeCommand(OpSendData, 3)
	op, count, ok := DecodeResponse(w | 0x80)
	require.True(t, ok)
	assert.Equal(t, OpSendData, op)
	assert.Equal(t, uint8(3), count)
}

func TestDecodeResponseRejectsBadMagic(t *testing.T) {
	_, _, ok := DecodeResponse(0x12340000)
	assert.False(t, ok)
}

func TestDecodeResponseRejectsUnacknowledgedOpcode(t *testing.T) {
	w := EncodeCommand(OpHello, 0) // low byte has no +0x80 ack bit set
	_, _, ok := DecodeResponse(w)
	assert.False(t, ok)
}

func TestAckByteMatchesExpectedDecode(t *testing.T) {
	w := uint32(commandMagic)<<16 | uint32(2)<<8 | uint32(ackByte(OpReceiveData))
	op, count, ok := DecodeResponse(w)
	require.True(t, ok)
	assert.Equal(t, OpReceiveData, op)
	assert.Equal(t, uint8(2), count)
}
