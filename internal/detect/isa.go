package detect

import "fmt"

// EtherLink III register offsets used by the probe. Only the status
// register is touched; the activation/ID sequence writes to the card and
// is deliberately avoided.
const (
	regStatus = 0x0E

	statusCmdInProgress = 0x1000
	statusWindowMask    = 0xE000
)

// probeStatus decides whether an adapter responds at base using reads
// only. A floating ISA bus reads all-ones; a live adapter returns a
// stable status word with the command-in-progress bit idle.
func probeStatus(ports PortReader, base uint16) (bool, error) {
	first, err := ports.ReadPortWord(base + regStatus)
	if err != nil {
		return false, fmt.Errorf("read status at %#x: %w", base+regStatus, err)
	}
	second, err := ports.ReadPortWord(base + regStatus)
	if err != nil {
		return false, fmt.Errorf("read status at %#x: %w", base+regStatus, err)
	}
	if first == 0xFFFF || second == 0xFFFF {
		return false, nil
	}
	if first != second {
		// Unstable reads on an idle card mean nothing is decoding
		// the address.
		return false, nil
	}
	if first&statusCmdInProgress != 0 {
		return false, nil
	}
	return true, nil
}
