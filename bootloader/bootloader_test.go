package bootloader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wlinkdrv/wlink"
)

// fakePeer plays the ROM-resident bootloader's half of the wire protocol against an
// Uploader driving the other end of a LoopbackBus. Transfer32 is a single synchronous
// swap, so each step below makes exactly one call: the argument is what the peer sends
// back for that step, the return value is whatever the Uploader sent as its request.
type fakePeer struct {
	bus           *wlink.LoopbackBus
	crcARaw       byte
	crcB          byte
	remoteCRC     uint16
	wordsExpected int
	rejectWordIdx int // -1 disables
	badAckByte    bool
}

func newFakePeer(bus *wlink.LoopbackBus, wordsExpected int) *fakePeer {
	return &fakePeer{
		bus:           bus,
		crcARaw:       0x10,
		crcB:          0x20,
		remoteCRC:     0xBEEF,
		wordsExpected: wordsExpected,
		rejectWordIdx: -1,
	}
}

func (p *fakePeer) step(t *testing.T, reply uint32) uint32 {
	t.Helper()
	w, err := p.bus.Transfer32(reply)
	require.NoError(t, err)
	return w
}

func (p *fakePeer) run(t *testing.T) {
	t.Helper()

	p.step(t, uint32(pollReadyHigh)<<16) // wake poll
	p.step(t, 0)                         // upload start

	for i := 0; i < headerBytes/2; i++ {
		p.step(t, 0)
	}

	p.step(t, 0) // stage1
	p.step(t, 0) // poll (send only)
	p.step(t, 0) // handshake (send only)

	ackHi := uint32(handshakeAckHi)
	if p.badAckByte {
		ackHi = 0
	}
	p.step(t, ackHi<<24|uint32(p.crcARaw)<<16) // handshake transfer

	p.step(t, uint32(p.crcB)<<16) // crcA word, reply discarded by Upload
	p.step(t, uint32(p.crcB)<<16) // fsize word, carries crcB

	for i := 0; i < p.wordsExpected; i++ {
		echoed := uint32(i)
		if i == p.rejectWordIdx {
			echoed = uint32(i + 1000)
		}
		if p.step(t, echoed<<16); i == p.rejectWordIdx {
			return // Upload aborts on the mismatch; nothing more will arrive
		}
	}

	p.step(t, uint32(finishPollAckHi)<<16) // finish poll, ack on first try
	p.step(t, 0)                           // finish report
	p.step(t, uint32(p.remoteCRC)<<16)     // final CRC exchange
}

func testUploader(bus wlink.SerialBus) *Uploader {
	u := NewUploader(bus)
	u.PollInterval = time.Millisecond
	u.WordDelay = 0
	u.MaxPollAttempts = 5
	return u
}

func dataWordCount(romLen int) int {
	fsize := uint32((romLen + 0xF) &^ 0xF)
	return int((fsize - headerBytes) / 4)
}

func TestUploadSucceedsAgainstWellBehavedPeer(t *testing.T) {
	rom := make([]byte, headerBytes+64)
	for i := range rom {
		rom[i] = byte(i)
	}

	local, remote := wlink.NewLoopbackPair()
	peer := newFakePeer(remote, dataWordCount(len(rom)))

	done := make(chan struct{})
	go func() {
		peer.run(t)
		close(done)
	}()

	u := testUploader(local)
	result, err := u.Upload(rom)
	<-done

	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.NotZero(t, result.LocalCRC)
	assert.Equal(t, uint32(0xBEEF), result.RemoteCRC)
}

func TestUploadIsDeterministicAcrossRuns(t *testing.T) {
	rom := make([]byte, headerBytes+32)
	for i := range rom {
		rom[i] = byte(i * 3)
	}

	runOnce := func() uint32 {
		local, remote := wlink.NewLoopbackPair()
		peer := newFakePeer(remote, dataWordCount(len(rom)))
		done := make(chan struct{})
		go func() {
			peer.run(t)
			close(done)
		}()
		u := testUploader(local)
		result, err := u.Upload(rom)
		<-done
		require.NoError(t, err)
		return result.LocalCRC
	}

	first := runOnce()
	second := runOnce()
	assert.Equal(t, first, second, "identical image and handshake bytes must fold to the same CRC")
}

func TestUploadSkipsWhenPeerAlreadyRunning(t *testing.T) {
	local, remote := wlink.NewLoopbackPair()
	done := make(chan struct{})
	go func() {
		_, err := remote.Transfer32(uint32(pollAlreadyRunning))
		require.NoError(t, err)
		close(done)
	}()

	u := testUploader(local)
	result, err := u.Upload(make([]byte, headerBytes))
	<-done

	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestUploadFailsOnBadHandshakeAck(t *testing.T) {
	rom := make([]byte, headerBytes+16)

	local, remote := wlink.NewLoopbackPair()
	peer := newFakePeer(remote, dataWordCount(len(rom)))
	peer.badAckByte = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer.step(t, uint32(pollReadyHigh)<<16)
		peer.step(t, 0)
		for i := 0; i < headerBytes/2; i++ {
			peer.step(t, 0)
		}
		peer.step(t, 0)
		peer.step(t, 0)
		peer.step(t, 0)
		peer.step(t, 0<<24|uint32(peer.crcARaw)<<16) // wrong ack byte
	}()

	u := testUploader(local)
	_, err := u.Upload(rom)
	<-done
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestUploadFailsWhenPeerRejectsAWord(t *testing.T) {
	rom := make([]byte, headerBytes+32)

	local, remote := wlink.NewLoopbackPair()
	peer := newFakePeer(remote, dataWordCount(len(rom)))
	peer.rejectWordIdx = 0

	done := make(chan struct{})
	go func() {
		peer.run(t)
		close(done)
	}()

	u := testUploader(local)
	_, err := u.Upload(rom)
	<-done
	assert.ErrorIs(t, err, ErrWordRejected)
}

func TestUploadTimesOutWhenPeerNeverPolls(t *testing.T) {
	local, remote := wlink.NewLoopbackPair()
	done := make(chan struct{})
	go func() {
		defer close(done)
		remote.Transfer32(0) // answers the one poll attempt MaxPollAttempts allows through
	}()

	u := testUploader(local)
	u.MaxPollAttempts = 1
	_, err := u.Upload(make([]byte, headerBytes))
	<-done
	assert.ErrorIs(t, err, ErrPollTimeout)
}
