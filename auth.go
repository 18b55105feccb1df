package wlink

import (
	log "github.com/sirupsen/logrus"
)

// loginParts is the fixed 10-step login payload sequence. Step 9 reuses index 8.
var loginParts = [9]uint32{0x494e, 0x494e, 0x544e, 0x544e, 0x4e45, 0x4e45, 0x4f44, 0x4f44, 0x8001}

func loginPartFor(step int) uint32 {
	if step >= len(loginParts) {
		return loginParts[len(loginParts)-1]
	}
	return loginParts[step]
}

// Authenticator runs the fixed login handshake and initial setup: a sequence of fallible
// steps logged at Info/Warn, any failure aborting the whole sequence.
type Authenticator struct {
	Bus  SerialBus
	GPIO GPIO
	Time Timebase

	WakeLines uint32 // lines to hold SD high during the wake-up ping, default 50
}

func NewAuthenticator(bus SerialBus, gpio GPIO, tb Timebase) *Authenticator {
	return &Authenticator{Bus: bus, GPIO: gpio, Time: tb, WakeLines: 50}
}

// Run performs the full handshake. On any mismatch it returns ErrCommandFailed and the
// caller must treat the session as NeedsReset.
func (a *Authenticator) Run(sessionID string) error {
	logger := log.WithField("session", sessionID)

	a.wake()

	if err := a.Bus.Activate(BusSpeedMaster256k); err != nil {
		logger.Warnf("failed to activate bus at 256kbps: %v", err)
		return ErrCommandFailed
	}

	prevAdapter := uint32(0)
	for step := 0; step < 10; step++ {
		part := loginPartFor(step)
		out := (^prevAdapter<<16)&0xFFFF0000 | part
		in, err := a.Bus.Transfer32(out)
		if err != nil {
			logger.Warnf("login step %d: transfer failed: %v", step, err)
			return ErrCommandFailed
		}
		var expected uint32
		if step == 0 {
			expected = 0
		} else {
			expected = part
		}
		gotHigh := (in >> 16) & 0xFFFF
		if gotHigh != expected {
			logger.Warnf("login step %d: expected high word x%x, got x%x", step, expected, gotHigh)
			return ErrCommandFailed
		}
		// Low 16 bits of the adapter's reply seed the next step's (~prev_adapter_data)
		// term; the adapter's own internal derivation of that value is not otherwise
		// independently verifiable from this side of the link.
		prevAdapter = in & 0xFFFF
	}

	tx := NewSyncTransaction(a.Bus, a.GPIO, a.Time)
	if _, err := tx.Run(OpHello, nil); err != nil {
		logger.Warnf("HELLO failed: %v", err)
		return ErrCommandFailed
	}
	if _, err := tx.Run(OpSetup, []uint32{setupParam}); err != nil {
		logger.Warnf("SETUP failed: %v", err)
		return ErrCommandFailed
	}

	if err := a.Bus.Activate(BusSpeedMaster2M); err != nil {
		logger.Warnf("failed to switch to 2Mbps: %v", err)
		return ErrCommandFailed
	}

	logger.Info("authenticated")
	return nil
}

func (a *Authenticator) wake() {
	a.GPIO.SetSD(true)
	for i := uint32(0); i < a.WakeLines; i++ {
		_ = a.Time.Lines()
	}
	a.GPIO.SetSD(false)
}
