package wlink

import (
	"errors"
	"sync"
)

// BusSpeed selects one of the adapter's serial operating modes.
type BusSpeed uint8

const (
	BusSpeedMaster256k BusSpeed = iota
	BusSpeedMaster2M
	BusSpeedSlave
)

// SerialBus is the borrowed 32-bit synchronous exchange primitive. The driver treats it
// purely as a contract; the hardware backend (GPIO-driven SPI-like bus, vertical-refresh
// timer, wake-up pin) lives entirely outside this module. transfer32 shifts bytes
// most-significant-byte first on the wire; a real implementation is responsible for any
// byte-swap needed around its native word order.
type SerialBus interface {
	// Activate configures master/slave role and bit rate. Called by the authenticator
	// during the handshake and once more to switch to the steady-state speed.
	Activate(speed BusSpeed) error

	// Transfer32 performs one blocking 32-bit exchange, returning the word shifted back
	// from the peer while w was shifted out.
	Transfer32(w uint32) (uint32, error)

	// StartAsync begins a 32-bit exchange without blocking; the result is delivered to
	// the registered completion callback from serial-IRQ context (modeled here as a
	// synchronous callback invoked by the fake/real bus's own goroutine or ISR
	// trampoline -- see AsyncTransaction).
	StartAsync(w uint32) error

	// SetAsyncHandler installs the callback invoked once per completed StartAsync.
	SetAsyncHandler(func(r uint32))
}

// GPIO is the wake-up-ping primitive: force the SD/SO pins high or low.
type GPIO interface {
	SetSD(high bool)
	SetSO(high bool)
	SI() bool
}

// Timebase is the borrowed monotonic "lines" counter. All timeouts in this package are
// expressed in units of this counter; the caller is responsible for incrementing it from
// its real vertical-refresh/scanline source.
type Timebase interface {
	Lines() uint32
}

var ErrBusTimeout = errors.New("wlink: serial bus timeout")

// LoopbackBus pairs two in-process SerialBus endpoints together for tests and the demo
// command. It is word-synchronous: every Transfer32 on one end blocks until the peer end
// also calls Transfer32 (or StartAsync) to hand back its own outgoing word, modeling the
// real adapter's half-duplex request/reply wire.
type LoopbackBus struct {
	name string
	peer *LoopbackBus

	mu      sync.Mutex
	toPeer  chan uint32
	fromPeer chan uint32

	asyncHandler func(r uint32)
	speed        BusSpeed
}

// NewLoopbackPair builds two LoopbackBus endpoints wired to each other.
func NewLoopbackPair() (a, b *LoopbackBus) {
	ab := make(chan uint32, 1)
	ba := make(chan uint32, 1)
	a = &LoopbackBus{name: "a", toPeer: ab, fromPeer: ba}
	b = &LoopbackBus{name: "b", toPeer: ba, fromPeer: ab}
	a.peer, b.peer = b, a
	return a, b
}

func (l *LoopbackBus) Activate(speed BusSpeed) error {
	l.mu.Lock()
	l.speed = speed
	l.mu.Unlock()
	return nil
}

func (l *LoopbackBus) Transfer32(w uint32) (uint32, error) {
	l.toPeer <- w
	r := <-l.fromPeer
	return r, nil
}

func (l *LoopbackBus) StartAsync(w uint32) error {
	go func() {
		r, _ := l.Transfer32(w)
		l.mu.Lock()
		handler := l.asyncHandler
		l.mu.Unlock()
		if handler != nil {
			handler(r)
		}
	}()
	return nil
}

func (l *LoopbackBus) SetAsyncHandler(f func(r uint32)) {
	l.mu.Lock()
	l.asyncHandler = f
	l.mu.Unlock()
}

// FakeGPIO is an in-memory GPIO used by tests and cmd/wlinkdemo.
type FakeGPIO struct {
	mu      sync.Mutex
	sd, so  bool
	siValue bool
}

func NewFakeGPIO() *FakeGPIO { return &FakeGPIO{} }

func (g *FakeGPIO) SetSD(high bool) { g.mu.Lock(); g.sd = high; g.mu.Unlock() }
func (g *FakeGPIO) SetSO(high bool) { g.mu.Lock(); g.so = high; g.mu.Unlock() }
func (g *FakeGPIO) SI() bool        { g.mu.Lock(); defer g.mu.Unlock(); return g.siValue }
func (g *FakeGPIO) SetSI(high bool) { g.mu.Lock(); g.siValue = high; g.mu.Unlock() }

// FakeTimebase is a manually-advanced Timebase used by tests.
type FakeTimebase struct {
	mu    sync.Mutex
	lines uint32
}

func NewFakeTimebase() *FakeTimebase { return &FakeTimebase{} }

func (t *FakeTimebase) Lines() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lines
}

func (t *FakeTimebase) Advance(n uint32) {
	t.mu.Lock()
	t.lines += n
	t.mu.Unlock()
}
