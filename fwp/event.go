package fwp

// EventCode identifies an asynchronous firmware event. The firmware packs
// the code into the low half of the 32-bit cause word; the upper half
// carries the virtual interface the event belongs to.
type EventCode uint16

const (
	EvDummyHostWakeup  EventCode = 0x0001
	EvLinkLost         EventCode = 0x0003
	EvLinkSensed       EventCode = 0x0004
	EvMibChanged       EventCode = 0x0006
	EvInitDone         EventCode = 0x0007
	EvDeauthenticated  EventCode = 0x0008
	EvDisassociated    EventCode = 0x000b
	EvPsAwake          EventCode = 0x000a
	EvPsSleep          EventCode = 0x000e
	EvMicErrMultWe     EventCode = 0x000d
	EvMicErrUniWe      EventCode = 0x000f
	EvWmmStatusChange  EventCode = 0x0017
	EvBgScanReport     EventCode = 0x0018
	EvRssiLow          EventCode = 0x0019
	EvSnrLow           EventCode = 0x001a
	EvMaxFail          EventCode = 0x001b
	EvRssiHigh         EventCode = 0x001c
	EvSnrHigh          EventCode = 0x001d
	EvIbssCoalesced    EventCode = 0x001e
	EvHsActConfirm     EventCode = 0x0012
	EvAddBA            EventCode = 0x0033
	EvDelBA            EventCode = 0x0034
	EvBAStreamTimeout  EventCode = 0x0037
	EvChannelSwitch    EventCode = 0x0050
	EvRadarDetected    EventCode = 0x0053
	EvChannelReport    EventCode = 0x0054
	EvExtScanReport    EventCode = 0x0058
	EvTxDataPause      EventCode = 0x0055
	EvRemainOnChanExp  EventCode = 0x005f
	EvApStaConnect     EventCode = 0x002c
	EvApStaDisconnect  EventCode = 0x002d
	EvDriverDebugDump  EventCode = 0x00f0 // host-generated, never on the wire
	EvUnknown          EventCode = 0xffff
)

// Event cause word layout: code in bits 0-15, interface index in bits
// 16-23, role in bits 24-31.
const (
	causeCodeMask  = 0x0000ffff
	causeIfaceMask = 0x00ff0000
	causeRoleMask  = 0xff000000
)

// PackCause builds a 32-bit event cause from code and the owning interface.
func PackCause(code EventCode, iface uint8, role Role) uint32 {
	return uint32(code) | uint32(iface)<<16 | uint32(role)<<24
}

// SplitCause strips the embedded interface bits from a cause word.
func SplitCause(cause uint32) (code EventCode, iface uint8, role Role) {
	return EventCode(cause & causeCodeMask), uint8(cause & causeIfaceMask >> 16), Role(cause >> 24)
}

// EventHeader frames an event buffer delivered over PCIe: a 2-byte length,
// the TypeEvent tag, then the cause word. The opcode-specific body follows.
type EventHeader struct {
	Len   uint16
	Type  uint16
	Cause uint32
}

func (h EventHeader) Put(dst []byte) {
	_ = dst[EventHeaderLen-1]
	Order.PutUint16(dst[0:], h.Len)
	Order.PutUint16(dst[2:], h.Type)
	Order.PutUint32(dst[4:], h.Cause)
}

func DecodeEventHeader(b []byte) (hdr EventHeader, err error) {
	if len(b) < EventHeaderLen {
		return hdr, errShortEventBuf
	}
	hdr.Len = Order.Uint16(b[0:])
	hdr.Type = Order.Uint16(b[2:])
	hdr.Cause = Order.Uint32(b[4:])
	return hdr, nil
}
