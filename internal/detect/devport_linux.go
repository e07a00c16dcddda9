//go:build linux

package detect

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DevPort reads x86 I/O ports through /dev/port. Requires CAP_SYS_RAWIO.
type DevPort struct {
	fd int
}

// OpenDevPort opens the port device read-only; the probe never writes.
func OpenDevPort() (*DevPort, error) {
	fd, err := unix.Open("/dev/port", unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("detect: open /dev/port: %w", err)
	}
	return &DevPort{fd: fd}, nil
}

func (p *DevPort) ReadPortWord(port uint16) (uint16, error) {
	var buf [2]byte
	n, err := unix.Pread(p.fd, buf[:], int64(port))
	if err != nil {
		return 0, fmt.Errorf("detect: read port %#x: %w", port, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("detect: short read at port %#x", port)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (p *DevPort) Close() error {
	return unix.Close(p.fd)
}

var _ PortReader = (*DevPort)(nil)
