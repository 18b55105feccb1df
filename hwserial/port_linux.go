// Package hwserial implements wlink.SerialBus against a real Linux TTY, for adapters
// wired to an actual UART rather than exercised through a LoopbackBus in tests.
package hwserial

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/wlinkdrv/wlink"
)

// Port is a wlink.SerialBus backed by an opened TTY device node. Baud rates are set via
// TCSETS2/BOTHER so arbitrary (non-POSIX-standard) bit rates like the adapter's 256k and
// 2M master speeds can be requested directly, rather than mapped onto the nearest Bxxx
// constant.
type Port struct {
	f    *os.File
	fd   int
	name string

	asyncHandler func(uint32)
}

// Open opens the TTY at path and puts it into raw mode.
func Open(path string) (*Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("hwserial: open %s: %w", path, err)
	}
	p := &Port{f: f, fd: int(f.Fd()), name: path}
	if err := p.setRaw(); err != nil {
		f.Close()
		return nil, err
	}
	return p, nil
}

func (p *Port) setRaw() error {
	t, err := unix.IoctlGetTermios2(p.fd, unix.TCGETS2)
	if err != nil {
		return fmt.Errorf("hwserial: get termios2: %w", err)
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios2(p.fd, unix.TCSETS2, t)
}

// Activate reconfigures the TTY's baud rate for the given link speed via BOTHER, the
// only way to request the adapter's non-standard bit rates.
func (p *Port) Activate(speed wlink.BusSpeed) error {
	t, err := unix.IoctlGetTermios2(p.fd, unix.TCGETS2)
	if err != nil {
		return fmt.Errorf("hwserial: get termios2: %w", err)
	}
	rate := baudFor(speed)
	t.Cflag &^= unix.CBAUD
	t.Cflag |= unix.BOTHER
	t.Ispeed = rate
	t.Ospeed = rate
	return unix.IoctlSetTermios2(p.fd, unix.TCSETS2, t)
}

func baudFor(speed wlink.BusSpeed) uint32 {
	switch speed {
	case wlink.BusSpeedMaster2M:
		return 2_000_000
	case wlink.BusSpeedSlave:
		return 256_000
	default:
		return 256_000
	}
}

// Transfer32 writes one big-endian 32-bit word and blocks for the reply word.
func (p *Port) Transfer32(w uint32) (uint32, error) {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], w)
	if _, err := p.f.Write(out[:]); err != nil {
		return 0, fmt.Errorf("hwserial: write: %w", err)
	}
	var in [4]byte
	if _, err := readFull(p.f, in[:]); err != nil {
		return 0, fmt.Errorf("hwserial: read: %w", err)
	}
	return binary.BigEndian.Uint32(in[:]), nil
}

// StartAsync writes w and spawns a goroutine to block on the reply, delivering it to the
// registered async handler; this mirrors LoopbackBus's StartAsync so engine code is
// agnostic to which SerialBus backs it.
func (p *Port) StartAsync(w uint32) error {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], w)
	if _, err := p.f.Write(out[:]); err != nil {
		return fmt.Errorf("hwserial: write: %w", err)
	}
	go func() {
		var in [4]byte
		if _, err := readFull(p.f, in[:]); err != nil {
			return
		}
		if p.asyncHandler != nil {
			p.asyncHandler(binary.BigEndian.Uint32(in[:]))
		}
	}()
	return nil
}

func (p *Port) SetAsyncHandler(h func(uint32)) { p.asyncHandler = h }

func (p *Port) Close() error { return p.f.Close() }

func readFull(f *os.File, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		got, err := f.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += got
	}
	return n, nil
}
