package wlink

// Per-role adapter frame limits, in 32-bit words, including the wireless header word
// (spec §4.8 step 4 / §8 invariant 6): a host's constructed outgoing frame never
// exceeds 20 words, a client's never exceeds 4.
const (
	hostFrameWordLimit   = 20
	clientFrameWordLimit = 4
)

// Per-role payload limits for a single queued Message (spec §3 invariants), tighter
// still when retransmission reserves room for the confirmation header and data.
const (
	hostSendLimit           = 19
	hostSendLimitRetransmit = 14
	clientSendLimit         = 3
	clientSendLimitRetransmit = 1
)

// confirmationMarker is the packet id used by a confirmation header: packet id 0 never
// occurs for a real message, so it doubles as the "this is a confirmation, not data"
// marker.
const confirmationMarker = 0

// FrameBuilder assembles one outgoing frame's word stream from session state, grounded
// on the teacher's pdo.go bit-packed mapping build pattern (reserve a header slot, walk
// a fixed-capacity buffer of mapped values, size the header once the payload is known).
type FrameBuilder struct {
	s        *sessionState
	cfg      Config
	selfId   uint8
	isServer bool
}

func NewFrameBuilder(s *sessionState, cfg Config, selfId uint8, isServer bool) *FrameBuilder {
	return &FrameBuilder{s: s, cfg: cfg, selfId: selfId, isServer: isServer}
}

func (b *FrameBuilder) frameWordLimit() int {
	if b.isServer {
		return hostFrameWordLimit
	}
	return clientFrameWordLimit
}

// maxSendWords is the largest payload (in data words, excluding the message header) a
// single queued Message may carry for this role and retransmission setting.
func (b *FrameBuilder) maxSendWords() int {
	if b.isServer {
		if b.cfg.retransmission {
			return hostSendLimitRetransmit
		}
		return hostSendLimit
	}
	if b.cfg.retransmission {
		return clientSendLimitRetransmit
	}
	return clientSendLimit
}

// Build produces the next outgoing frame's words, packing queued messages in order until
// the next one would not fit the role's word limit. Under retransmission it never
// removes a message from the queue just because it was sent: a message is only dropped
// once the peer confirms it (handleConfirmation), so unconfirmed messages are packed
// again in later rounds. Without retransmission the packed messages leave the queue
// here, and the caller clears whatever is still queued once SEND_DATA completes (spec
// §4.7).
func (b *FrameBuilder) Build() []uint32 {
	limit := b.frameWordLimit()
	words := make([]uint32, 1, limit)

	if b.cfg.retransmission {
		size := uint8(1)
		if b.isServer {
			size = b.cfg.maxPlayers - 1
		}
		words = append(words, EncodeHeader(MessageHeader{
			PacketId: confirmationMarker,
			Size:     size,
			PlayerId: b.selfId,
		}))
		if b.isServer {
			for i := uint8(1); i < b.cfg.maxPlayers; i++ {
				words = append(words, b.s.internal.lastPacketIdFromClients[i])
			}
		} else {
			words = append(words, b.s.internal.lastPacketIdFromServer)
		}
	} else if len(b.s.internal.outgoing) == 0 {
		b.s.internal.outgoing = append(b.s.internal.outgoing, Message{
			PlayerId: b.selfId,
			PacketId: b.s.nextPacketId(),
		})
	}

	clientCount := clientCountFor(b.s.playerCount)
	packed := 0
	for _, m := range b.s.internal.outgoing {
		need := 1 + len(m.Data)
		if len(words)+need > limit {
			// Stop here: packing a later, smaller message ahead of this one would let it
			// jump the queue, and the receiver's strict packetId == last+1 sequencing
			// would then strand this one forever once it falls behind.
			break
		}
		hdr := MessageHeader{
			PacketId:    m.PacketId,
			Size:        uint8(len(m.Data)),
			PlayerId:    m.PlayerId,
			ClientCount: clientCount,
		}
		words = append(words, EncodeHeader(hdr))
		words = append(words, m.Data...)
		packed++
	}
	if !b.cfg.retransmission {
		b.s.internal.outgoing = b.s.internal.outgoing[packed:]
	}

	bytes := uint32(len(words)-1) * 4
	if b.selfId == 0 {
		words[0] = bytes
	} else {
		words[0] = bytes << (3 + uint32(b.selfId)*5)
	}
	return words
}

// clientCountFor derives the wire-level client_count field: client_count = player_count
// - 2, floored at 0 (the field is meaningless before a second peer has joined).
func clientCountFor(playerCount uint8) uint8 {
	if playerCount < 2 {
		return 0
	}
	return playerCount - 2
}

// FrameParser consumes one incoming frame's words (the RECEIVE_DATA response with its
// adapter-added wireless header word already stripped by the caller) and updates
// session state: liveness, packet-id sequencing, the inbound batch, and confirmation
// bookkeeping.
type FrameParser struct {
	s        *sessionState
	cfg      Config
	selfId   uint8
	isServer bool
}

func NewFrameParser(s *sessionState, cfg Config, selfId uint8, isServer bool) *FrameParser {
	return &FrameParser{s: s, cfg: cfg, selfId: selfId, isServer: isServer}
}

// Parse walks the frame's message stream. It returns the freshly accepted messages (for
// the caller to forward, per spec §4.8's host-forwarding step) separately from the
// mutation it makes directly to s.back.Incoming, since forwarding is a caller-visible
// decision (config.forwarding, player_count > 2) that the parser itself doesn't own.
func (p *FrameParser) Parse(words []uint32) ([]Message, error) {
	var fresh []Message
	i := 0
	for i < len(words) {
		hdr := DecodeHeader(words[i])
		if i+1+int(hdr.Size) > len(words) {
			return nil, ErrBadMessage
		}
		data := words[i+1 : i+1+int(hdr.Size)]
		i += 1 + int(hdr.Size)

		p.s.internal.timeouts[0] = 0
		if int(hdr.PlayerId) < maxPeers {
			p.s.internal.timeouts[hdr.PlayerId] = 0
		}

		if hdr.PacketId == confirmationMarker {
			if err := p.handleConfirmation(hdr, data); err != nil {
				return nil, err
			}
			continue
		}

		if p.cfg.retransmission && hdr.PacketId != 0 {
			last := p.lastFrom(hdr.PlayerId)
			if last != 0 && hdr.PacketId != last+1 {
				continue // sequence gap: discard, don't advance bookkeeping
			}
		}
		p.recordLastFrom(hdr.PlayerId, hdr.PacketId)

		if !p.isServer {
			p.s.playerCount = hdr.ClientCount + 2
		}

		if hdr.PlayerId == p.selfId {
			continue // host echoes our own forwarded traffic back to us
		}

		if hdr.Size == 0 {
			continue
		}
		msg := Message{
			PlayerId: hdr.PlayerId,
			Data:     append([]uint32(nil), data...),
			PacketId: hdr.PacketId,
		}
		p.s.back.Incoming = append(p.s.back.Incoming, msg)
		fresh = append(fresh, msg)
	}
	return fresh, nil
}

func (p *FrameParser) lastFrom(playerId uint8) uint32 {
	if p.isServer {
		if int(playerId) >= maxPeers {
			return 0
		}
		return p.s.internal.lastPacketIdFromClients[playerId]
	}
	return p.s.internal.lastPacketIdFromServer
}

func (p *FrameParser) recordLastFrom(playerId uint8, packetId uint32) {
	if p.isServer {
		if int(playerId) < maxPeers {
			p.s.internal.lastPacketIdFromClients[playerId] = packetId
		}
		return
	}
	p.s.internal.lastPacketIdFromServer = packetId
}

// handleConfirmation validates and applies one confirmation header: a server confirms
// to each client individually, a client confirms once to the server. Malformed shape or
// an out-of-state confirmation is a protocol error (spec §4.9).
func (p *FrameParser) handleConfirmation(hdr MessageHeader, data []uint32) error {
	if p.isServer {
		if p.s.state != Serving {
			return ErrBadConfirmation
		}
		if hdr.Size != 1 || len(data) != 1 {
			return ErrBadConfirmation
		}
		clientId := hdr.PlayerId
		if clientId == 0 || int(clientId) >= maxPeers {
			return ErrBadConfirmation
		}
		p.s.internal.lastConfirmationFromClients[clientId] = data[0]
		p.pruneConfirmedFromClients()
		return nil
	}

	if p.s.state != Connected {
		return ErrBadConfirmation
	}
	expectedSize := p.cfg.maxPlayers - 1
	if hdr.Size != expectedSize || len(data) != int(expectedSize) {
		return ErrBadConfirmation
	}
	idx := int(p.selfId) - 1
	if idx < 0 || idx >= len(data) {
		return ErrBadConfirmation
	}
	confirmation := data[idx]
	p.s.internal.lastConfirmationFromServer = confirmation
	pruneBelow(&p.s.internal.outgoing, confirmation)
	return nil
}

// pruneConfirmedFromClients drops outgoing messages the slowest confirming client has
// already acknowledged, skipping clients that haven't confirmed anything yet.
func (p *FrameParser) pruneConfirmedFromClients() {
	var min uint32
	have := false
	for i := 1; i < maxPeers; i++ {
		v := p.s.internal.lastConfirmationFromClients[i]
		if v == 0 {
			continue
		}
		if !have || v < min {
			min = v
			have = true
		}
	}
	if !have {
		return
	}
	pruneBelow(&p.s.internal.outgoing, min)
}

// pruneBelow drops every message whose packet id has been confirmed (<= confirmation).
func pruneBelow(outgoing *[]Message, confirmation uint32) {
	kept := (*outgoing)[:0]
	for _, m := range *outgoing {
		if m.PacketId > confirmation {
			kept = append(kept, m)
		}
	}
	*outgoing = kept
}
