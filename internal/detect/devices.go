package detect

// VendorID3Com is the PCI vendor identifier all supported adapters share.
const VendorID3Com = 0x10B7

// Generation orders the EtherLink chip families by capability: the ISA
// EtherLink III parts are PIO only, Vortex is the first PCI family,
// Boomerang adds descriptor bus mastering, Cyclone adds hardware
// checksums, and Tornado integrates the transceiver.
type Generation uint8

const (
	GenUnknown Generation = iota
	GenEtherLinkIII
	GenVortex
	GenBoomerang
	GenCyclone
	GenTornado
)

func (g Generation) String() string {
	switch g {
	case GenEtherLinkIII:
		return "EtherLink III"
	case GenVortex:
		return "Vortex"
	case GenBoomerang:
		return "Boomerang"
	case GenCyclone:
		return "Cyclone"
	case GenTornado:
		return "Tornado"
	default:
		return "unknown"
	}
}

// BusMaster reports whether the generation supports descriptor DMA.
func (g Generation) BusMaster() bool {
	return g >= GenBoomerang
}

// Per-device capability quirks carried into the registry entry.
const (
	CapMII           = 0x0001
	CapNWay          = 0x0002
	CapHWCsum        = 0x0004
	CapEEPROMReset   = 0x0008
	CapEEPROM8Bit    = 0x0010
	CapEEPROMOffset  = 0x0020
	CapExtraPreamble = 0x0040
	CapCardBusFns    = 0x0080
	CapInvertMIIPwr  = 0x0100
	CapInvertLEDPwr  = 0x0200
	CapNoXcvrPwr     = 0x0400
)

// DeviceInfo is one row of the supported-adapter database.
type DeviceInfo struct {
	DeviceID   uint16
	Name       string
	Generation Generation
	Caps       uint16
	IOSize     uint16 // decoded I/O window, bytes
}

// deviceTable maps 3Com PCI device IDs to their chip generation and
// quirks. ISA parts are absent; they are identified by probe address,
// not config space.
var deviceTable = []DeviceInfo{
	{0x5900, "3c590 Vortex 10Mbps", GenVortex, 0, 32},
	{0x5920, "3c592 EISA 10Mbps Demon/Vortex", GenVortex, 0, 32},
	{0x5950, "3c595 Vortex 100baseTx", GenVortex, 0, 32},
	{0x5951, "3c595 Vortex 100baseT4", GenVortex, 0, 32},
	{0x5952, "3c595 Vortex 100base-MII", GenVortex, CapMII, 32},

	{0x9000, "3c900 Boomerang 10baseT", GenBoomerang, CapEEPROMReset, 64},
	{0x9001, "3c900 Boomerang 10Mbps Combo", GenBoomerang, CapEEPROMReset, 64},
	{0x9050, "3c905 Boomerang 100baseTx", GenBoomerang, CapMII | CapEEPROMReset, 64},
	{0x9051, "3c905 Boomerang 100baseT4", GenBoomerang, CapMII | CapEEPROMReset, 64},

	{0x9004, "3c900 Cyclone 10Mbps TPO", GenCyclone, CapHWCsum, 128},
	{0x9005, "3c900 Cyclone 10Mbps Combo", GenCyclone, CapHWCsum, 128},
	{0x9006, "3c900 Cyclone 10Mbps TPC", GenCyclone, CapHWCsum, 128},
	{0x900A, "3c900B-FL Cyclone 10base-FL", GenCyclone, CapHWCsum, 128},
	{0x9055, "3c905B Cyclone 100baseTx", GenCyclone, CapNWay | CapHWCsum | CapExtraPreamble, 128},
	{0x9056, "3c905B Cyclone 10/100/BNC", GenCyclone, CapNWay | CapHWCsum, 128},
	{0x9058, "3c905B Cyclone 10/100/Combo", GenCyclone, CapNWay | CapHWCsum, 128},
	{0x905A, "3c905B-FX Cyclone 100baseFx", GenCyclone, CapHWCsum, 128},
	{0x9800, "3c980 Cyclone", GenCyclone, CapHWCsum | CapExtraPreamble, 128},

	{0x9200, "3c905C Tornado", GenTornado, CapNWay | CapHWCsum | CapExtraPreamble, 128},
	{0x9210, "3c920B-EMB-WNM Tornado", GenTornado, CapMII | CapHWCsum, 128},
	{0x9805, "3c982 Dual Port Tornado", GenTornado, CapNWay | CapHWCsum, 128},
	{0x4500, "3c450 HomePNA Tornado", GenTornado, CapNWay | CapHWCsum, 128},
	{0x7646, "3cSOHO100-TX Hurricane", GenCyclone, CapNWay | CapHWCsum | CapExtraPreamble, 128},
	{0x5055, "3c555 Laptop Hurricane", GenCyclone, CapEEPROM8Bit | CapHWCsum, 128},
	{0x6055, "3c556 Laptop Tornado", GenTornado, CapNWay | CapEEPROM8Bit | CapCardBusFns | CapInvertMIIPwr | CapHWCsum, 128},
	{0x6056, "3c556B CardBus", GenTornado, CapNWay | CapEEPROMOffset | CapCardBusFns | CapInvertMIIPwr | CapNoXcvrPwr | CapHWCsum, 128},

	{0x5057, "3c575 Boomerang CardBus", GenBoomerang, CapMII | CapEEPROM8Bit, 128},
	{0x5157, "3c575 Boomerang CardBus", GenBoomerang, CapMII | CapEEPROM8Bit, 128},
	{0x5B57, "3c575 CardBus", GenBoomerang, CapMII | CapEEPROM8Bit, 128},
	{0x6560, "3c656 CardBus", GenCyclone, CapNWay | CapCardBusFns | CapEEPROM8Bit | CapInvertMIIPwr | CapInvertLEDPwr | CapHWCsum, 128},
	{0x6562, "3c656B CardBus", GenCyclone, CapNWay | CapCardBusFns | CapEEPROM8Bit | CapInvertMIIPwr | CapInvertLEDPwr | CapHWCsum, 128},
	{0x6563, "3c656C CardBus", GenCyclone, CapNWay | CapCardBusFns | CapEEPROM8Bit | CapInvertMIIPwr | CapInvertLEDPwr | CapHWCsum, 128},
	{0x6564, "3CCFE656 CardBus", GenCyclone, CapNWay | CapCardBusFns | CapEEPROM8Bit | CapInvertMIIPwr | CapInvertLEDPwr | CapHWCsum, 128},

	{0x8811, "3c980C Python-T", GenCyclone, CapNWay | CapHWCsum, 128},
}

// ISA device IDs synthesized for probe-discovered adapters, matching
// the IDs the ISA parts report through their EEPROM.
const (
	DeviceID3C509B = 0x5090
	DeviceID3C515  = 0x5150
)

// LookupDevice resolves a 3Com PCI device ID against the database.
func LookupDevice(deviceID uint16) (DeviceInfo, bool) {
	for _, d := range deviceTable {
		if d.DeviceID == deviceID {
			return d, true
		}
	}
	return DeviceInfo{}, false
}

// DeviceKind is what a module asks the detector for: a class of
// hardware its driver knows how to program.
type DeviceKind uint8

// Kinds: KindEtherLinkIII is the ISA 3C509B family, KindCorkscrew the
// ISA 3C515 bus-master part, KindVortexPIO the PCI Vortex family, and
// KindBoomerangDMA any PCI bus-master generation.
const (
	KindAny DeviceKind = iota
	KindEtherLinkIII
	KindCorkscrew
	KindVortexPIO
	KindBoomerangDMA
)

func (k DeviceKind) String() string {
	switch k {
	case KindAny:
		return "any"
	case KindEtherLinkIII:
		return "etherlink3"
	case KindCorkscrew:
		return "corkscrew"
	case KindVortexPIO:
		return "vortex"
	case KindBoomerangDMA:
		return "boomerang"
	default:
		return "unknown"
	}
}

// matches reports whether a detected adapter satisfies the kind.
func (k DeviceKind) matches(n *NIC) bool {
	switch k {
	case KindAny:
		return true
	case KindEtherLinkIII:
		return n.DeviceID == DeviceID3C509B || n.DeviceID == 0x5091 || n.DeviceID == 0x5092
	case KindCorkscrew:
		return n.DeviceID == DeviceID3C515
	case KindVortexPIO:
		return n.Generation == GenVortex
	case KindBoomerangDMA:
		return n.Generation.BusMaster()
	default:
		return false
	}
}
