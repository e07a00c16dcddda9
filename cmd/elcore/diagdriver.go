package main

import (
	"fmt"
	"sync"

	"github.com/etherlink/elcore/internal/driver"
)

// diagDriver is a software stand-in for a chip driver: it accepts the
// attach handshake, loops sent frames back to the receive queue, and
// keeps honest counters. It lets the loader exercise the whole claim,
// version-check, and dispatch path on machines without the real data
// path.
type diagDriver struct {
	mu       sync.Mutex
	attached bool
	cfg      driver.HardwareConfig
	queue    [][]byte
	stats    driver.Statistics
}

func newDiagDriver() *diagDriver {
	return &diagDriver{}
}

func (d *diagDriver) Attach(cfg *driver.HardwareConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attached {
		return fmt.Errorf("diag: already attached")
	}
	d.cfg = *cfg
	d.attached = true
	return nil
}

func (d *diagDriver) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attached = false
	d.queue = nil
	return nil
}

func (d *diagDriver) Send(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.attached {
		return fmt.Errorf("diag: not attached")
	}
	if len(frame) == 0 {
		d.stats.TxErrors++
		return fmt.Errorf("diag: empty frame")
	}
	d.queue = append(d.queue, append([]byte(nil), frame...))
	d.stats.TxPackets++
	return nil
}

func (d *diagDriver) Receive(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return 0, nil
	}
	frame := d.queue[0]
	d.queue = d.queue[1:]
	n := copy(buf, frame)
	d.stats.RxPackets++
	return n, nil
}

func (d *diagDriver) HandleInterrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Interrupts++
}

func (d *diagDriver) Statistics() driver.Statistics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *diagDriver) MAC() [6]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.MAC
}

var _ driver.Operations = (*diagDriver)(nil)
