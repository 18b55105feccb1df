package wlink

import (
	"sync"
	"sync/atomic"
)

// Driver is the public entry point an application embeds: one Driver owns one physical
// adapter link and at most one active session (hosting or connected).
type Driver struct {
	mu sync.Mutex

	bus  SerialBus
	gpio GPIO
	time Timebase

	cfg     Config
	metrics *Metrics

	engine *SessionEngine
}

// NewDriver wires a Driver to a concrete bus/gpio/timebase triple. metrics may be nil to
// skip Prometheus instrumentation entirely.
func NewDriver(bus SerialBus, gpio GPIO, tb Timebase, metrics *Metrics) *Driver {
	return &Driver{bus: bus, gpio: gpio, time: tb, metrics: metrics}
}

// Activate runs the login handshake and prepares the driver to Serve or GetServers. An
// empty Config uses NewConfig()'s defaults.
func (d *Driver) Activate(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg == (Config{}) {
		cfg = NewConfig()
	}
	d.cfg = cfg
	d.engine = NewSessionEngine(d.bus, d.gpio, d.time, cfg, 0, false, d.metrics, &d.mu)
	return d.engine.Activate()
}

// Deactivate tears the session down unconditionally; the driver may be Activate'd again
// afterwards.
func (d *Driver) Deactivate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine != nil {
		d.engine.session.reset(nil)
	}
	d.engine = nil
}

// Serve begins hosting a session: advertises game/user names over BROADCAST, then
// issues START_HOST. ACCEPT_CONNECTIONS is not run here; the steady-state engine issues
// it from OnTimer/acceptOrSend once player_count has room (spec §4.6/§4.7).
func (d *Driver) Serve(game, user string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil || d.engine.State() != Authenticated {
		return ErrWrongState
	}
	if len(game) > 14 {
		return ErrGameNameTooLong
	}
	if len(user) > 8 {
		return ErrUserNameTooLong
	}
	words := packBroadcastWords(game, user)
	tx := NewSyncTransaction(d.bus, d.gpio, d.time)
	if _, err := tx.Run(OpBroadcast, words[:]); err != nil {
		return err
	}
	if _, err := tx.Run(OpStartHost, nil); err != nil {
		return err
	}
	d.engine.isServer = true
	d.engine.builder.isServer = true
	d.engine.parser.isServer = true
	d.engine.session.currentPlayerId = 0
	d.engine.session.state = Serving
	return nil
}

// GetServers runs the synchronous broadcast-read cycle (spec §4.6 get_servers): start,
// invoke onWait 60 times (once per simulated vertical refresh, so the caller can
// interleave other work or do the actual waiting), poll once, and end. GetServers does
// not wait on its own: with a nil onWait the poll follows the start immediately. The poll
// response length must be a multiple of 7 words (id + 6 broadcast words); each group
// decodes to one Server.
func (d *Driver) GetServers(onWait func()) ([]Server, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil || d.engine.State() != Authenticated {
		return nil, ErrWrongState
	}
	tx := NewSyncTransaction(d.bus, d.gpio, d.time)
	if _, err := tx.Run(OpBroadcastReadStart, nil); err != nil {
		return nil, err
	}
	d.engine.session.state = Searching

	const waitRefreshes = 60
	for i := 0; i < waitRefreshes; i++ {
		if onWait != nil {
			onWait()
		}
	}

	resp, err := tx.Run(OpBroadcastReadPoll, nil)
	if err != nil {
		return nil, err
	}
	if len(resp)%7 != 0 {
		return nil, ErrBadMessage
	}
	var servers []Server
	for i := 0; i+7 <= len(resp); i += 7 {
		var words [6]uint32
		copy(words[:], resp[i+1:i+7])
		game, user := unpackBroadcastWords(words)
		servers = append(servers, Server{Id: uint16(resp[i]), GameName: game, UserName: user})
	}
	if _, err := tx.Run(OpBroadcastReadEnd, nil); err != nil {
		return nil, err
	}
	d.engine.session.state = Authenticated
	return servers, nil
}

// Connect begins connecting to the server identified by id.
func (d *Driver) Connect(id uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil || d.engine.State() != Authenticated {
		return ErrWrongState
	}
	tx := NewSyncTransaction(d.bus, d.gpio, d.time)
	if _, err := tx.Run(OpConnect, []uint32{uint32(id)}); err != nil {
		return err
	}
	d.engine.session.state = Connecting
	return nil
}

// connectStillPending is the IS_FINISHED_CONNECT sentinel meaning "keep polling".
const connectStillPending = 0x01000000

// KeepConnecting polls the connect handshake to completion (spec §4.6 keep_connecting);
// callers loop this until it returns true (or an error). A response other than the
// pending sentinel carries the assigned player id in its upper 16 bits.
func (d *Driver) KeepConnecting() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil || d.engine.State() != Connecting {
		return false, ErrWrongState
	}
	tx := NewSyncTransaction(d.bus, d.gpio, d.time)
	resp, err := tx.Run(OpIsFinishedConnect, nil)
	if err != nil {
		return false, err
	}
	if len(resp) == 0 {
		return false, ErrCommandFailed
	}
	if resp[0] == connectStillPending {
		return false, nil
	}

	assigned := uint8(1 + resp[0]>>16)
	if uint16(assigned) >= uint16(d.cfg.maxPlayers) {
		d.engine.session.reset(ErrWeirdPlayerId)
		return false, ErrWeirdPlayerId
	}

	finResp, err := tx.Run(OpFinishConnection, nil)
	if err != nil {
		return false, err
	}
	if len(finResp) == 0 || uint16(finResp[0]) != uint16(assigned) {
		d.engine.session.reset(ErrCommandFailed)
		return false, ErrCommandFailed
	}

	d.engine.selfId = assigned
	d.engine.builder.selfId = assigned
	d.engine.parser.selfId = assigned
	d.engine.session.currentPlayerId = assigned
	d.engine.session.state = Connected
	return true, nil
}

// Send enqueues an outgoing message. author is a client-override id used by a hosting
// server to relay a message on another client's behalf; pass -1 otherwise.
func (d *Driver) Send(data []uint32, author int8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		return ErrWrongState
	}
	return d.engine.Send(data, author)
}

// Receive drains every message accumulated since the last call.
func (d *Driver) Receive() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		return nil
	}
	return d.engine.Receive()
}

// OnVBlank, OnSerial and OnTimer are the three periodic hooks the embedding application
// must call (from its own tick source): OnVBlank advances liveness bookkeeping and
// publishes the external snapshot, OnTimer drives the send/receive round. OnSerial
// exists for symmetry with a real interrupt-driven backend; the in-process SerialBus
// implementations complete transfers synchronously (or via their own goroutine), so it
// is a no-op here.
func (d *Driver) OnVBlank() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine != nil {
		d.engine.OnVBlank()
	}
}

func (d *Driver) OnTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine != nil {
		d.engine.OnTimer()
	}
}

func (d *Driver) OnSerial() {}

func (d *Driver) GetState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		return Disconnected
	}
	return d.engine.State()
}

func (d *Driver) IsConnected() bool {
	s := d.GetState()
	return s == Connected || s == Serving
}

func (d *Driver) PlayerCount() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		return 0
	}
	return d.engine.session.playerCount
}

func (d *Driver) CurrentPlayerId() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		return 0
	}
	return d.engine.session.currentPlayerId
}

func (d *Driver) CanSend() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		return false
	}
	return len(d.engine.session.internal.outgoing) < d.cfg.bufferSize
}

func (d *Driver) GetPendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		return 0
	}
	return len(d.engine.session.internal.outgoing)
}

// GetLastError returns the sticky error latched by the most recent reset, if any, and
// clears it: a one-shot read per spec §7.
func (d *Driver) GetLastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.engine == nil {
		return nil
	}
	err := d.engine.session.lastErr
	d.engine.session.lastErr = nil
	return err
}

// Stats returns a point-in-time snapshot of the session's Prometheus counters for
// callers that aren't scraping Prometheus directly (nil metrics leaves the counter fields
// zero; SessionID and PlayerCount are still filled from the active session).
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	var st Stats
	if d.engine != nil {
		st.SessionID = d.engine.sessionID
		st.PlayerCount = d.engine.session.playerCount
	}
	if d.metrics != nil {
		st.FramesSent = atomic.LoadUint64(&d.metrics.framesSentCount)
		st.FramesReceived = atomic.LoadUint64(&d.metrics.framesReceivedCount)
		st.Resets = atomic.LoadUint64(&d.metrics.resetsCount)
		st.RetransmitDrops = atomic.LoadUint64(&d.metrics.retransmitDropsCount)
	}
	return st
}
