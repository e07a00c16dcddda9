//go:build linux

package pcibus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// SysfsBus accesses PCI configuration space through the kernel's sysfs
// per-device config files. Only domain 0 is enumerated; this loader core
// predates multi-domain hosts.
type SysfsBus struct {
	root string
}

// NewSysfsBus returns a bus rooted at /sys/bus/pci/devices.
func NewSysfsBus() *SysfsBus {
	return &SysfsBus{root: "/sys/bus/pci/devices"}
}

// Devices implements Bus.
func (b *SysfsBus) Devices() ([]Addr, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", b.root, err)
	}
	var addrs []Addr
	for _, entry := range entries {
		var domain uint32
		var bus, dev, fn uint8
		if _, err := fmt.Sscanf(entry.Name(), "%04x:%02x:%02x.%x", &domain, &bus, &dev, &fn); err != nil {
			continue
		}
		if domain != 0 {
			continue
		}
		addrs = append(addrs, Addr{Bus: bus, Device: dev, Function: fn})
	}
	sort.Slice(addrs, func(i, j int) bool {
		a, b := addrs[i], addrs[j]
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Function < b.Function
	})
	return addrs, nil
}

// Function implements Bus. The returned ConfigSpace also implements
// io.Closer; callers should close it when finished with the device.
func (b *SysfsBus) Function(addr Addr) (ConfigSpace, error) {
	path := filepath.Join(b.root, fmt.Sprintf("0000:%02x:%02x.%x", addr.Bus, addr.Device, addr.Function), "config")
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoDevice
		}
		// Config writes need CAP_SYS_ADMIN; fall back to read-only access
		// so detection can still identify the device.
		fd, err = unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return &sysfsFunction{fd: fd, path: path, readOnly: true}, nil
	}
	return &sysfsFunction{fd: fd, path: path}, nil
}

type sysfsFunction struct {
	fd       int
	path     string
	readOnly bool
}

func (f *sysfsFunction) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkAccess(offset, size); err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	n, err := unix.Pread(f.fd, buf, int64(offset))
	if err != nil {
		return 0, fmt.Errorf("pread %s at %#x: %w", f.path, offset, err)
	}
	if n != int(size) {
		return 0, fmt.Errorf("pread %s at %#x: short read (%d of %d)", f.path, offset, n, size)
	}
	var value uint32
	for i := int(size) - 1; i >= 0; i-- {
		value = value<<8 | uint32(buf[i])
	}
	return value, nil
}

func (f *sysfsFunction) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkAccess(offset, size); err != nil {
		return err
	}
	if f.readOnly {
		return fmt.Errorf("write %s at %#x: config space opened read-only", f.path, offset)
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(value >> (8 * i))
	}
	n, err := unix.Pwrite(f.fd, buf, int64(offset))
	if err != nil {
		return fmt.Errorf("pwrite %s at %#x: %w", f.path, offset, err)
	}
	if n != int(size) {
		return fmt.Errorf("pwrite %s at %#x: short write (%d of %d)", f.path, offset, n, size)
	}
	return nil
}

// Close releases the config file descriptor.
func (f *sysfsFunction) Close() error {
	return unix.Close(f.fd)
}

func checkAccess(offset uint16, size uint8) error {
	switch size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("config access size %d", size)
	}
	if offset%uint16(size) != 0 {
		return fmt.Errorf("config access at %#x misaligned for size %d", offset, size)
	}
	if int(offset)+int(size) > 4096 {
		return fmt.Errorf("config access at %#x past extended space", offset)
	}
	return nil
}

var _ Bus = (*SysfsBus)(nil)
var _ ConfigSpace = (*sysfsFunction)(nil)
