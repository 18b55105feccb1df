package hwserial

import (
	"fmt"
	"os"
)

// SysfsGPIO implements wlink.GPIO over the legacy /sys/class/gpio sysfs interface: three
// lines (SD, SO, SI) exported ahead of time by the caller (or a udev rule), written and
// read as plain "0"/"1" files.
type SysfsGPIO struct {
	sd, so, si *os.File
}

func OpenSysfsGPIO(sdPath, soPath, siPath string) (*SysfsGPIO, error) {
	sd, err := os.OpenFile(sdPath, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("hwserial: open SD gpio: %w", err)
	}
	so, err := os.OpenFile(soPath, os.O_WRONLY, 0)
	if err != nil {
		sd.Close()
		return nil, fmt.Errorf("hwserial: open SO gpio: %w", err)
	}
	si, err := os.OpenFile(siPath, os.O_RDONLY, 0)
	if err != nil {
		sd.Close()
		so.Close()
		return nil, fmt.Errorf("hwserial: open SI gpio: %w", err)
	}
	return &SysfsGPIO{sd: sd, so: so, si: si}, nil
}

func (g *SysfsGPIO) SetSD(high bool) { writeLevel(g.sd, high) }
func (g *SysfsGPIO) SetSO(high bool) { writeLevel(g.so, high) }

func (g *SysfsGPIO) SI() bool {
	buf := make([]byte, 1)
	if _, err := g.si.ReadAt(buf, 0); err != nil {
		return false
	}
	return buf[0] == '1'
}

func (g *SysfsGPIO) Close() error {
	g.sd.Close()
	g.so.Close()
	return g.si.Close()
}

func writeLevel(f *os.File, high bool) {
	v := "0"
	if high {
		v = "1"
	}
	f.WriteAt([]byte(v), 0)
}
