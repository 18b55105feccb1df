package wlink

import "sync"

// State is the session's top-level lifecycle state machine.
type State uint8

const (
	Disconnected State = iota
	NeedsReset
	Authenticated
	Serving
	Searching
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case NeedsReset:
		return "needs_reset"
	case Authenticated:
		return "authenticated"
	case Serving:
		return "serving"
	case Searching:
		return "searching"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const maxPeers = 5

// Session is the double-buffered, application-visible slice of session state. The
// "ISR" (here, SessionEngine's On* methods) writes into the back copy; the foreground
// Receive() reads a stable front copy. A real embedded core would swap the two under a
// memory-barrier pattern from interrupt context; in this hosted port the swap happens
// under sessionState.mu instead.
type Session struct {
	Incoming        []Message
	PlayerCount     uint8
	CurrentPlayerId uint8
}

// internal holds the bookkeeping that is never exposed directly to the application.
type internal struct {
	outgoing []Message

	timeouts                    [maxPeers]uint32
	lastPacketId                uint32
	lastPacketIdFromServer      uint32
	lastConfirmationFromServer  uint32
	lastPacketIdFromClients     [maxPeers]uint32
	lastConfirmationFromClients [maxPeers]uint32

	recvTimeout    uint32
	frameRecvCount uint32
	acceptCalled   bool
}

// sessionState owns both the internal bookkeeping and the double-buffered external
// snapshot, plus a mutation interlock: the foreground thread (Send) sets isAddingMessage
// before touching the outgoing queue and clears it after; the periodic tick defers
// frame-building to the next round if it's set. isResetting records that a reset happened
// mid-mutation so the foreground clears the now-stale queue itself. isAddingMessage and
// every other field below (bar mu, which only guards the front/back publish swap) are
// read and written exclusively by callers holding SessionEngine.mu -- the Driver's own
// mutex, shared down into the engine so async-completion callbacks serialize against it
// too -- so a plain bool suffices here without sync/atomic.
type sessionState struct {
	mu sync.Mutex

	state State
	back  Session // written by the engine
	front Session // read by the application
	ready bool
	// consumed is set by Receive() after it has copied front.Incoming out; it is
	// informational only and does not gate future swaps, since the producer never
	// waits on the consumer.
	consumed bool

	internal internal

	isAddingMessage bool
	isResetting     bool

	currentPlayerId uint8
	playerCount     uint8
	maxPlayers      uint8

	lastErr error
}

func newSessionState(maxPlayers uint8) *sessionState {
	return &sessionState{state: Disconnected, maxPlayers: maxPlayers, playerCount: 1}
}

// beginAddingMessage / endAddingMessage bracket a foreground mutation of the outgoing
// queue.
func (s *sessionState) beginAddingMessage() {
	s.isAddingMessage = true
}

func (s *sessionState) endAddingMessage() {
	s.isAddingMessage = false
	if s.isResetting {
		s.internal.outgoing = nil
		s.isResetting = false
	}
}

// reset clears session state after a protocol or liveness error. If a foreground
// mutation is in progress, the queue clear is deferred via isResetting so the foreground
// thread (not the engine) performs the final clear.
func (s *sessionState) reset(err error) {
	s.state = NeedsReset
	s.lastErr = err
	s.currentPlayerId = 0
	s.playerCount = 1
	s.internal.timeouts = [maxPeers]uint32{}
	s.internal.lastPacketId = 0
	s.internal.lastPacketIdFromServer = 0
	s.internal.lastConfirmationFromServer = 0
	s.internal.lastPacketIdFromClients = [maxPeers]uint32{}
	s.internal.lastConfirmationFromClients = [maxPeers]uint32{}
	s.internal.recvTimeout = 0
	s.internal.frameRecvCount = 0
	s.internal.acceptCalled = false

	if s.isAddingMessage {
		s.isResetting = true
	} else {
		s.internal.outgoing = nil
	}

	s.back = Session{}
	s.front = Session{}
	s.ready = false
}

// nextPacketId returns a fresh, strictly increasing packet id; 0 is reserved as the
// confirmation-header marker.
func (s *sessionState) nextPacketId() uint32 {
	s.internal.lastPacketId = (s.internal.lastPacketId + 1) & 0x3FFFFF
	if s.internal.lastPacketId == 0 {
		s.internal.lastPacketId = 1
	}
	return s.internal.lastPacketId
}

// publish moves the engine's back buffer into the front buffer under the session lock.
// Inbound messages are appended to any the application has not yet drained with
// Receive, so none are lost between two Receive calls.
func (s *sessionState) publish() {
	s.back.PlayerCount = s.playerCount
	s.back.CurrentPlayerId = s.currentPlayerId
	incoming := append(s.front.Incoming, s.back.Incoming...)
	s.front = s.back
	s.front.Incoming = incoming
	s.back = Session{}
	s.ready = true
	s.consumed = false
}
