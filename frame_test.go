package wlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameBuilderSendsSyntheticPingWhenQueueEmpty(t *testing.T) {
	cfg := NewConfig(WithRetransmission(false))
	s := newSessionState(cfg.maxPlayers)
	b := NewFrameBuilder(s, cfg, 1, false)

	words := b.Build()
	require.Len(t, words, 2) // header + ping header + 0 data words
	// client id 1 shifts the byte count left by 3 + 1*5
	assert.Equal(t, (uint32(len(words)-1)*4)<<(3+1*5), words[0])
}

func TestFrameBuilderDrainsQueuedMessages(t *testing.T) {
	cfg := NewConfig(WithRetransmission(false))
	s := newSessionState(cfg.maxPlayers)
	s.beginAddingMessage()
	s.internal.outgoing = append(s.internal.outgoing,
		Message{PlayerId: 0, Data: []uint32{1, 2}, PacketId: s.nextPacketId()},
		Message{PlayerId: 0, Data: []uint32{3}, PacketId: s.nextPacketId()},
	)
	s.endAddingMessage()

	b := NewFrameBuilder(s, cfg, 0, true)
	words := b.Build()

	assert.Empty(t, s.internal.outgoing)
	assert.Equal(t, uint32(len(words)-1)*4, words[0])
}

func TestFrameBuilderAppendsConfirmationHeaderWhenRetransmitting(t *testing.T) {
	cfg := NewConfig(WithRetransmission(true), WithMaxPlayers(5))
	s := newSessionState(cfg.maxPlayers)
	b := NewFrameBuilder(s, cfg, 0, true)

	words := b.Build()
	confirmHeader := DecodeHeader(words[1])
	assert.Equal(t, uint32(confirmationMarker), confirmHeader.PacketId)
	assert.Equal(t, uint8(cfg.maxPlayers-1), confirmHeader.Size)
}

func TestFrameBuilderRespectsHostFrameWordLimit(t *testing.T) {
	cfg := NewConfig(WithRetransmission(false))
	s := newSessionState(cfg.maxPlayers)
	s.beginAddingMessage()
	for i := 0; i < 10; i++ {
		s.internal.outgoing = append(s.internal.outgoing,
			Message{PlayerId: 0, Data: []uint32{1, 2, 3}, PacketId: s.nextPacketId()})
	}
	s.endAddingMessage()

	b := NewFrameBuilder(s, cfg, 0, true)
	words := b.Build()
	assert.LessOrEqual(t, len(words), hostFrameWordLimit)
	assert.NotEmpty(t, s.internal.outgoing, "messages that don't fit must remain queued")
}

func TestFrameBuilderStopsAtFirstMessageThatDoesNotFit(t *testing.T) {
	cfg := NewConfig(WithRetransmission(false))
	s := newSessionState(cfg.maxPlayers)
	s.beginAddingMessage()
	big := Message{PlayerId: 0, Data: make([]uint32, hostFrameWordLimit), PacketId: s.nextPacketId()}
	small := Message{PlayerId: 0, Data: []uint32{1}, PacketId: s.nextPacketId()}
	s.internal.outgoing = append(s.internal.outgoing, big, small)
	s.endAddingMessage()

	b := NewFrameBuilder(s, cfg, 0, true)
	words := b.Build()

	require.LessOrEqual(t, len(words), hostFrameWordLimit)
	require.Len(t, s.internal.outgoing, 2, "the oversized message and everything behind it must stay queued in order")
	assert.Equal(t, big.PacketId, s.internal.outgoing[0].PacketId)
	assert.Equal(t, small.PacketId, s.internal.outgoing[1].PacketId)
}

func TestFrameBuilderRespectsClientFrameWordLimit(t *testing.T) {
	cfg := NewConfig(WithRetransmission(false))
	s := newSessionState(cfg.maxPlayers)
	s.beginAddingMessage()
	s.internal.outgoing = append(s.internal.outgoing,
		Message{PlayerId: 1, Data: []uint32{1, 2, 3}, PacketId: s.nextPacketId()})
	s.endAddingMessage()

	b := NewFrameBuilder(s, cfg, 1, false)
	words := b.Build()
	assert.LessOrEqual(t, len(words), clientFrameWordLimit)
}

func TestFrameParserRejectsTruncatedFrame(t *testing.T) {
	cfg := NewConfig()
	s := newSessionState(cfg.maxPlayers)
	p := NewFrameParser(s, cfg, 0, false)

	hdr := EncodeHeader(MessageHeader{PacketId: 1, Size: 5, PlayerId: 1})
	_, err := p.Parse([]uint32{hdr, 0x1})
	assert.ErrorIs(t, err, ErrBadMessage)
}

func TestFrameParserSkipsSelfEchoedMessages(t *testing.T) {
	cfg := NewConfig()
	s := newSessionState(cfg.maxPlayers)
	p := NewFrameParser(s, cfg, 3, false)

	hdr := EncodeHeader(MessageHeader{PacketId: 1, Size: 1, PlayerId: 3, ClientCount: 1})
	words := []uint32{hdr, 0xABCD}

	_, err := p.Parse(words)
	require.NoError(t, err)
	assert.Empty(t, s.back.Incoming)
}

func TestFrameParserAppendsMessagesFromOtherPlayers(t *testing.T) {
	cfg := NewConfig()
	s := newSessionState(cfg.maxPlayers)
	p := NewFrameParser(s, cfg, 3, false)

	hdr := EncodeHeader(MessageHeader{PacketId: 1, Size: 1, PlayerId: 2, ClientCount: 1})
	words := []uint32{hdr, 0xABCD}

	fresh, err := p.Parse(words)
	require.NoError(t, err)
	require.Len(t, s.back.Incoming, 1)
	assert.Equal(t, uint8(2), s.back.Incoming[0].PlayerId)
	assert.Equal(t, []uint32{0xABCD}, s.back.Incoming[0].Data)
	assert.Len(t, fresh, 1)
}

func TestFrameParserDropsSequenceGap(t *testing.T) {
	cfg := NewConfig(WithRetransmission(true))
	s := newSessionState(cfg.maxPlayers)
	p := NewFrameParser(s, cfg, 0, false) // client, sender is "the server"

	first := EncodeHeader(MessageHeader{PacketId: 5, Size: 0, PlayerId: 0})
	_, err := p.Parse([]uint32{first})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), s.internal.lastPacketIdFromServer)

	gapped := EncodeHeader(MessageHeader{PacketId: 7, Size: 0, PlayerId: 0})
	_, err = p.Parse([]uint32{gapped})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), s.internal.lastPacketIdFromServer, "out-of-order packet must be discarded")
}

func TestFrameParserSetsPlayerCountFromClientCountWhenClient(t *testing.T) {
	cfg := NewConfig()
	s := newSessionState(cfg.maxPlayers)
	p := NewFrameParser(s, cfg, 1, false)

	hdr := EncodeHeader(MessageHeader{PacketId: 1, Size: 0, PlayerId: 0, ClientCount: 2})
	_, err := p.Parse([]uint32{hdr})
	require.NoError(t, err)
	assert.Equal(t, uint8(4), s.playerCount)
}

func TestFrameParserServerConfirmationPrunesAcrossClients(t *testing.T) {
	cfg := NewConfig(WithRetransmission(true), WithMaxPlayers(5))
	s := newSessionState(cfg.maxPlayers)
	s.state = Serving
	s.internal.outgoing = []Message{
		{PlayerId: 0, PacketId: 1},
		{PlayerId: 0, PacketId: 2},
		{PlayerId: 0, PacketId: 3},
	}
	p := NewFrameParser(s, cfg, 0, true)

	hdr1 := EncodeHeader(MessageHeader{PacketId: confirmationMarker, Size: 1, PlayerId: 1})
	_, err := p.Parse([]uint32{hdr1, 2})
	require.NoError(t, err)
	assert.Len(t, s.internal.outgoing, 1, "clients that have not confirmed yet are skipped, so ids <= 2 are pruned")

	hdr2 := EncodeHeader(MessageHeader{PacketId: confirmationMarker, Size: 1, PlayerId: 2})
	_, err = p.Parse([]uint32{hdr2, 1})
	require.NoError(t, err)
	assert.Len(t, s.internal.outgoing, 1, "min(confirmations) drops to 1; nothing further is pruned")
}

func TestFrameParserClientConfirmationExtractsOwnSlot(t *testing.T) {
	cfg := NewConfig(WithRetransmission(true), WithMaxPlayers(5))
	s := newSessionState(cfg.maxPlayers)
	s.state = Connected
	s.internal.outgoing = []Message{{PlayerId: 2, PacketId: 1}, {PlayerId: 2, PacketId: 2}}
	p := NewFrameParser(s, cfg, 2, false) // we are client id 2

	hdr := EncodeHeader(MessageHeader{PacketId: confirmationMarker, Size: cfg.maxPlayers - 1, PlayerId: 0})
	data := []uint32{0, 1, 0, 0} // slot index selfId-1 == 1 -> confirmation=1
	words := append([]uint32{hdr}, data...)

	_, err := p.Parse(words)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s.internal.lastConfirmationFromServer)
	assert.Len(t, s.internal.outgoing, 1)
}

func TestFrameParserRejectsConfirmationWithWrongSize(t *testing.T) {
	cfg := NewConfig(WithRetransmission(true), WithMaxPlayers(5))
	s := newSessionState(cfg.maxPlayers)
	s.state = Connected
	p := NewFrameParser(s, cfg, 1, false)

	hdr := EncodeHeader(MessageHeader{PacketId: confirmationMarker, Size: 1, PlayerId: 0})
	_, err := p.Parse([]uint32{hdr, 9})
	assert.ErrorIs(t, err, ErrBadConfirmation)
}

func TestFrameParserRejectsClientConfirmationWhileNotConnected(t *testing.T) {
	cfg := NewConfig(WithRetransmission(true), WithMaxPlayers(5))
	s := newSessionState(cfg.maxPlayers)
	s.state = Connecting
	p := NewFrameParser(s, cfg, 1, false)

	hdr := EncodeHeader(MessageHeader{PacketId: confirmationMarker, Size: cfg.maxPlayers - 1, PlayerId: 0})
	words := append([]uint32{hdr}, make([]uint32, cfg.maxPlayers-1)...)
	_, err := p.Parse(words)
	assert.ErrorIs(t, err, ErrBadConfirmation)
}
