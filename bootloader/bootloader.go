package bootloader

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wlinkdrv/wlink"
)

// Wire constants for the upload handshake (spec §4.10). Bit-exact: these are part of
// the contract with the peer's ROM bootloader, not tunable.
const (
	cmdPoll            = 0x6202
	pollReadyHigh      = 0x7202
	pollAlreadyRunning = 1 << 9

	cmdUploadStart = 0x6102
	headerBytes    = 0xC0

	cmdStage1      = 0x6200
	cmdHandshake   = 0x63D1
	handshakeAckHi = 0x73

	crcSeedBase = 0xFFFF00D1

	cmdFinishPoll   = 0x0065
	finishPollAckHi = 0x0075
	cmdFinishReport = 0x0066

	crcCSeed = 0xC387

	cipherMul   = 0x6F646573
	cipherXor   = 0x43202F2F
	cipherIBase = 0xFE000000
)

var (
	// ErrHandshakeFailed means the peer's reply to the post-upload handshake word
	// didn't carry the expected acknowledge byte.
	ErrHandshakeFailed = errors.New("bootloader: handshake acknowledge mismatch")
	// ErrWordRejected means the peer echoed back a word index that didn't match what
	// was just sent, aborting the transfer mid-stream.
	ErrWordRejected = errors.New("bootloader: peer rejected an image word")
	// ErrPollTimeout means the peer never answered the wake poll.
	ErrPollTimeout = errors.New("bootloader: poll handshake timed out")
)

// Result reports how Upload concluded.
type Result struct {
	// Skipped is true when the peer was already running an application and only L
	// was pressed; the spec defines this as a no-op, not a failure.
	Skipped bool
	// LocalCRC is the checksum this side computed over the streamed image.
	LocalCRC uint32
	// RemoteCRC is the peer's own checksum, reported back purely as a diagnostic
	// (the protocol does not abort on mismatch, per spec §4.10 step 6).
	RemoteCRC uint32
}

// Uploader streams a firmware image to a peer's recovery bootloader over a 32-bit
// serial primitive identical in shape to the main link's SerialBus, so a
// wlink.LoopbackBus works for tests too. The bootloader owns the bus for the duration
// of Upload; no other SerialBus use may overlap it (spec §4.10, §5).
type Uploader struct {
	Bus wlink.SerialBus

	// PollInterval is the delay between poll retries (spec: 10ms). Tests shrink it.
	PollInterval time.Duration
	// WordDelay is the inter-word delay during the main transfer (spec: 3ms).
	WordDelay time.Duration
	// MaxPollAttempts bounds the wake-poll and the post-transfer finish-poll loops;
	// the spec's embedded original spins forever, but a hosted port caps it so a
	// dead peer doesn't hang the caller indefinitely.
	MaxPollAttempts int
}

func NewUploader(bus wlink.SerialBus) *Uploader {
	return &Uploader{
		Bus:             bus,
		PollInterval:    10 * time.Millisecond,
		WordDelay:       3 * time.Millisecond,
		MaxPollAttempts: 2000,
	}
}

// Upload streams rom (an executable image, at least headerBytes long) to the peer.
func (u *Uploader) Upload(rom []byte) (Result, error) {
	skipped, err := u.pollHandshake()
	if err != nil {
		return Result{}, err
	}
	if skipped {
		log.Info("bootloader: peer already running, skipping upload")
		return Result{Skipped: true}, nil
	}

	if err := u.send(cmdUploadStart); err != nil {
		return Result{}, err
	}
	header := rom
	if len(header) > headerBytes {
		header = header[:headerBytes]
	}
	for i := 0; i < len(header); i += 2 {
		hw := uint32(header[i])
		if i+1 < len(header) {
			hw |= uint32(header[i+1]) << 8
		}
		if err := u.send(hw); err != nil {
			return Result{}, err
		}
	}

	if err := u.send(cmdStage1); err != nil {
		return Result{}, err
	}
	if err := u.send(cmdPoll); err != nil {
		return Result{}, err
	}
	if err := u.send(cmdHandshake); err != nil {
		return Result{}, err
	}
	reply, err := u.transfer(cmdHandshake)
	if err != nil {
		return Result{}, err
	}
	if byte(reply>>24) != handshakeAckHi {
		log.Warnf("bootloader: handshake ack byte x%x, want x%x", byte(reply>>24), handshakeAckHi)
		return Result{}, ErrHandshakeFailed
	}

	crcARaw := byte(reply >> 16)
	seed := uint32(crcSeedBase) | uint32(crcARaw)<<8
	crcA := (crcARaw + 0xF) & 0xFF
	if _, err := u.transfer(0x6400 | uint32(crcA)); err != nil {
		return Result{}, err
	}

	fsize := (uint32(len(rom)) + 0xF) &^ 0xF
	reply, err = u.transfer((fsize - 0x190) / 4)
	if err != nil {
		return Result{}, err
	}
	crcB := byte(reply >> 16)

	var crc CRC
	crc.SetSeed(crcCSeed)

	i := uint32(0)
	for off := uint32(headerBytes); off < fsize; off += 4 {
		word := wordAt(rom, off)
		crc.Update(word)
		seed = seed*cipherMul + 1
		enc := seed ^ word ^ (cipherIBase - i) ^ cipherXor
		reply, err := u.transfer(enc)
		if err != nil {
			return Result{}, err
		}
		if reply>>16 != i&0xFFFF {
			log.Warnf("bootloader: word %d rejected, peer echoed x%x", i, reply>>16)
			return Result{}, ErrWordRejected
		}
		i++
		if u.WordDelay > 0 {
			time.Sleep(u.WordDelay)
		}
	}

	tail := uint32(0xFFFF0000) | uint32(crcB)<<8 | uint32(crcA)
	crc.Update(tail)

	if err := u.finishPoll(); err != nil {
		return Result{}, err
	}
	if err := u.send(cmdFinishReport); err != nil {
		return Result{}, err
	}
	reply, err = u.transfer(crc.Value() & 0xFFFF)
	if err != nil {
		return Result{}, err
	}

	return Result{LocalCRC: crc.Value() & 0xFFFF, RemoteCRC: reply >> 16}, nil
}

// pollHandshake repeats the wake word until the peer replies with its ready marker, or
// reports it is already running with only L pressed (in which case Upload is a no-op).
func (u *Uploader) pollHandshake() (skipped bool, err error) {
	for attempt := 0; attempt < u.attempts(); attempt++ {
		r, err := u.transfer(cmdPoll)
		if err != nil {
			return false, err
		}
		if r == pollAlreadyRunning {
			return true, nil
		}
		if r>>16 == pollReadyHigh {
			return false, nil
		}
		if u.PollInterval > 0 {
			time.Sleep(u.PollInterval)
		}
	}
	return false, ErrPollTimeout
}

// finishPoll repeats the finish-ack word until the peer signals it has applied the CRC
// byte it was just sent.
func (u *Uploader) finishPoll() error {
	for attempt := 0; attempt < u.attempts(); attempt++ {
		reply, err := u.transfer(cmdFinishPoll)
		if err != nil {
			return err
		}
		if reply>>16 == finishPollAckHi {
			return nil
		}
		if u.PollInterval > 0 {
			time.Sleep(u.PollInterval)
		}
	}
	return ErrPollTimeout
}

func (u *Uploader) attempts() int {
	if u.MaxPollAttempts <= 0 {
		return 2000
	}
	return u.MaxPollAttempts
}

func (u *Uploader) send(w uint32) error {
	_, err := u.transfer(w)
	return err
}

func (u *Uploader) transfer(w uint32) (uint32, error) {
	return u.Bus.Transfer32(w)
}

// wordAt reads a little-endian 32-bit word from rom at byte offset off, treating any
// bytes past the end of rom as zero (the padding implied by rounding fsize up to a
// 16-byte boundary).
func wordAt(rom []byte, off uint32) uint32 {
	var b [4]byte
	for k := 0; k < 4; k++ {
		idx := int(off) + k
		if idx < len(rom) {
			b[k] = rom[idx]
		}
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
