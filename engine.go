package wlink

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SessionEngine drives one session's protocol cycle: it owns the transaction engine,
// the frame builder/parser, and the liveness bookkeeping, and exposes the three IRQ-style
// entry points the host environment calls (OnVBlank for the periodic liveness tick,
// OnSerial for a completed word transfer, OnTimer for the send/receive round), modeled
// on the teacher's Node.Process(timeDifference) cyclic drive combined with its heartbeat
// consumer's timeout accounting.
type SessionEngine struct {
	bus  SerialBus
	gpio GPIO
	time Timebase

	// mu is the Driver's own mutex, shared rather than duplicated: every foreground
	// Driver method already holds it for the duration of its call into the engine, but
	// an async command (Start) completes later, on the bus's own goroutine, after the
	// Driver call that started it has already returned and released the lock. The
	// on*Complete handlers below are the only entry points that run outside that
	// borrowed critical section, so they take mu themselves before touching session
	// state (spec §6's single-lock model).
	mu *sync.Mutex

	cfg      Config
	selfId   uint8
	isServer bool

	session *sessionState
	builder *FrameBuilder
	parser  *FrameParser
	async   *AsyncTransaction
	auth    *Authenticator

	metrics   *Metrics
	sessionID string

	// timeoutTicks / remoteTimeoutTicks convert cfg.timeout / cfg.remoteTimeout from
	// wall-clock durations into round counts, the unit both are expressed in per spec
	// §5: recv_timeout counts OnVBlank ticks without a payload, remote_timeout counts
	// SEND_DATA/RECEIVE_DATA rounds without hearing from a given peer.
	timeoutTicks       uint32
	remoteTimeoutTicks uint32
}

func NewSessionEngine(bus SerialBus, gpio GPIO, tb Timebase, cfg Config, selfId uint8, isServer bool, metrics *Metrics, mu *sync.Mutex) *SessionEngine {
	s := newSessionState(cfg.maxPlayers)
	e := &SessionEngine{
		bus:                bus,
		gpio:               gpio,
		time:               tb,
		mu:                 mu,
		cfg:                cfg,
		selfId:             selfId,
		isServer:           isServer,
		session:            s,
		metrics:            metrics,
		timeoutTicks:       ticksFor(cfg.timeout, cfg.interval),
		remoteTimeoutTicks: ticksFor(cfg.remoteTimeout, cfg.interval),
	}
	e.builder = NewFrameBuilder(s, cfg, selfId, isServer)
	e.parser = NewFrameParser(s, cfg, selfId, isServer)
	e.async = NewAsyncTransaction(bus, gpio, tb)
	e.auth = NewAuthenticator(bus, gpio, tb)
	return e
}

// ticksFor converts a wall-clock budget into a round count against the engine's own
// tick interval, flooring at 1 so a zero or sub-interval budget still times out
// eventually rather than never.
func ticksFor(d, interval time.Duration) uint32 {
	if interval <= 0 {
		return 1
	}
	n := d / interval
	if n < 1 {
		n = 1
	}
	return uint32(n)
}

// Activate runs the login handshake and moves the session to Authenticated, ready for
// Serve/Connect.
func (e *SessionEngine) Activate() error {
	e.sessionID = newSessionID()
	if err := e.auth.Run(e.sessionID); err != nil {
		e.session.reset(err)
		if e.metrics != nil {
			e.metrics.reset("auth_failed")
		}
		return err
	}
	e.session.state = Authenticated
	return nil
}

func (e *SessionEngine) State() State {
	return e.session.state
}

// Send enqueues one outgoing message, to be picked up by the next OnTimer's frame
// build. Only legal once a session is established (Serving/Connected).
func (e *SessionEngine) Send(data []uint32, author int8) error {
	if e.session.state != Serving && e.session.state != Connected {
		return ErrWrongState
	}
	if len(data) > e.builder.maxSendWords() {
		return ErrInvalidSendSize
	}
	playerId := e.selfId
	if author >= 0 {
		if !e.isServer || e.session.state != Serving {
			return ErrWeirdPlayerId
		}
		playerId = uint8(author)
	}

	e.session.beginAddingMessage()
	defer e.session.endAddingMessage()
	if len(e.session.internal.outgoing) >= e.cfg.bufferSize {
		if e.metrics != nil {
			e.metrics.retransmitDropped()
		}
		return ErrBufferIsFull
	}
	e.session.internal.outgoing = append(e.session.internal.outgoing, Message{
		PlayerId: playerId,
		Data:     append([]uint32(nil), data...),
		PacketId: e.session.nextPacketId(),
	})
	return nil
}

// Receive drains and returns the messages accumulated since the last call.
func (e *SessionEngine) Receive() []Message {
	e.session.mu.Lock()
	defer e.session.mu.Unlock()
	msgs := e.session.front.Incoming
	e.session.front.Incoming = nil
	e.session.consumed = true
	return msgs
}

// established reports whether the session is in a state that runs the steady-state
// accept/send/receive cycle.
func (e *SessionEngine) established() bool {
	return e.session.state == Serving || e.session.state == Connected
}

// OnVBlank is the periodic liveness tick: it bumps recv_timeout when no payload arrived
// this tick, resets the per-tick bookkeeping, and publishes a fresh external snapshot
// (spec §4.7 on_vblank).
func (e *SessionEngine) OnVBlank() {
	if e.established() {
		if e.session.internal.frameRecvCount == 0 {
			e.session.internal.recvTimeout++
		}
		e.session.internal.frameRecvCount = 0
		e.session.internal.acceptCalled = false
	}
	e.session.mu.Lock()
	e.session.publish()
	e.session.mu.Unlock()
}

// OnTimer is the periodic send/receive driver: it resets the session on a liveness
// timeout, otherwise kicks off the next async command round if none is in flight (spec
// §4.7 on_timer).
func (e *SessionEngine) OnTimer() {
	if !e.established() {
		return
	}
	if e.session.internal.recvTimeout >= e.timeoutTicks {
		e.failRound(ErrTimeout)
		return
	}
	if e.async.ActiveCommand() == nil {
		e.acceptOrSend()
	}
}

// OnSerial exists for symmetry with a real interrupt-driven SerialBus backend; the
// in-process implementations in this module complete transfers synchronously (or via
// their own goroutine), so there is nothing additional to pump here.
func (e *SessionEngine) OnSerial() {}

// acceptOrSend implements spec §4.7's accept_or_send: a hosting session that still has
// room accepts new connections; otherwise, once there is at least one other peer, it
// runs a SEND_DATA/RECEIVE_DATA round.
func (e *SessionEngine) acceptOrSend() {
	if e.isServer && !e.session.internal.acceptCalled && e.session.playerCount < e.cfg.maxPlayers {
		e.session.internal.acceptCalled = true
		e.async.Start(OpAcceptConnections, nil, e.onAcceptComplete)
		return
	}
	if e.session.playerCount > 1 {
		if e.session.isAddingMessage {
			// Send() is mid-mutation of the outgoing queue; build next round instead of
			// racing it (spec §5's isAddingMessage interlock).
			return
		}
		for i := 0; i < int(e.session.playerCount); i++ {
			e.session.internal.timeouts[i]++
		}
		words := e.builder.Build()
		e.async.Start(OpSendData, words, e.onSendComplete)
	}
}

// onAcceptComplete, onSendComplete and onReceiveComplete are registered with
// AsyncTransaction.Start and fire from the bus's own completion goroutine (see
// LoopbackBus.StartAsync / hwserial.Port.StartAsync), not from whatever goroutine called
// OnTimer. They take e.mu themselves so their session-state mutation can't interleave
// with a concurrently-running Driver method.
func (e *SessionEngine) onAcceptComplete(cmd *AsyncCommand, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failRound(ErrCommandFailed)
		return
	}
	e.session.playerCount = 1 + uint8(len(cmd.Result.Responses))
	if e.metrics != nil {
		e.metrics.setPlayerCount(e.session.playerCount)
	}
}

func (e *SessionEngine) onSendComplete(cmd *AsyncCommand, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failRound(ErrSendDataFailed)
		return
	}
	if e.metrics != nil {
		e.metrics.frameSent()
	}
	if !e.cfg.retransmission {
		e.session.internal.outgoing = nil
	}
	e.async.Start(OpReceiveData, nil, e.onReceiveComplete)
}

func (e *SessionEngine) onReceiveComplete(cmd *AsyncCommand, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failRound(ErrReceiveDataFailed)
		return
	}
	resp := cmd.Result.Responses
	if len(resp) == 0 {
		return
	}
	if e.metrics != nil {
		e.metrics.frameReceived()
	}

	e.session.internal.frameRecvCount++
	e.session.internal.recvTimeout = 0

	payload := resp[1:] // drop the adapter-added wireless header word
	fresh, err := e.parser.Parse(payload)
	if err != nil {
		e.failRound(err)
		return
	}
	e.forwardFresh(fresh)
	e.checkRemoteTimeouts()
}

// forwardFresh re-enqueues every freshly parsed message on behalf of its original
// sender when hosting with forwarding enabled and more than one client is present
// (spec §4.8's host-forwarding step). Forwarded copies get a new, locally assigned
// packet id; the original sender is preserved in PlayerId.
func (e *SessionEngine) forwardFresh(fresh []Message) {
	if !e.isServer || !e.cfg.forwarding || e.session.playerCount <= 2 {
		return
	}
	if len(fresh) == 0 {
		return
	}
	e.session.beginAddingMessage()
	for _, m := range fresh {
		e.session.internal.outgoing = append(e.session.internal.outgoing, Message{
			PlayerId: m.PlayerId,
			Data:     m.Data,
			PacketId: e.session.nextPacketId(),
		})
	}
	e.session.endAddingMessage()
}

// checkRemoteTimeouts implements spec §4.7's check_remote_timeouts: a host watches every
// currently connected client slot (not every configured slot up to maxPlayers — a slot
// nobody has joined yet must never time out), a client watches only the server's slot
// (index 0).
func (e *SessionEngine) checkRemoteTimeouts() {
	if e.isServer {
		for i := 1; i < int(e.session.playerCount); i++ {
			if e.session.internal.timeouts[i] > e.remoteTimeoutTicks {
				e.failRound(ErrRemoteTimeout)
				return
			}
		}
		return
	}
	if e.session.internal.timeouts[0] > e.remoteTimeoutTicks {
		e.failRound(ErrRemoteTimeout)
	}
}

func (e *SessionEngine) failRound(err error) {
	log.WithField("session", e.sessionID).Warnf("round failed: %v", err)
	e.session.reset(err)
	if e.metrics != nil {
		e.metrics.reset(reasonFor(err))
	}
}

func reasonFor(err error) string {
	switch err {
	case ErrAcknowledgeFailed:
		return "ack_failed"
	case ErrBadMessage:
		return "bad_message"
	case ErrBadConfirmation:
		return "bad_confirmation"
	case ErrRemoteTimeout:
		return "remote_timeout"
	case ErrTimeout:
		return "timeout"
	case ErrSendDataFailed:
		return "send_data_failed"
	case ErrReceiveDataFailed:
		return "receive_data_failed"
	case ErrCommandFailed:
		return "command_failed"
	default:
		return "other"
	}
}
