// Package pcie implements the PCI-Express realization of the wlcore
// transport contract: legacy single-descriptor TX/RX/event rings, the
// newer multi-channel ADMA engine with a direct mode for the command
// exchange, and the interrupt demultiplexer that feeds completions back
// into the engine.
//
// The register map and descriptor layout are exported: they are the
// hardware contract, shared with the card model in bar0sim.
package pcie

import "errors"

// BAR0 register map shared by the supported chips. Offsets are chip
// constants; the Profile carries the per-chip differences.
const (
	RegFwStatus    = 0x0000
	RegIntStatus   = 0x0004 // card→host causes, write-1-to-clear
	RegIntMask     = 0x0008
	RegDoorbell    = 0x000c // host→card event register
	RegDrvReady    = 0x0010
	RegScratch     = 0x0014
	RegSleepCookie = 0x0018

	RegCmdAddrLo    = 0x0020
	RegCmdAddrHi    = 0x0024
	RegCmdSize      = 0x0028
	RegCmdRspAddrLo = 0x002c
	RegCmdRspAddrHi = 0x0030

	RegTxBaseLo = 0x0040
	RegTxBaseHi = 0x0044
	RegTxWrPtr  = 0x0048 // host-owned
	RegTxRdPtr  = 0x004c // firmware-reported

	RegRxBaseLo = 0x0050
	RegRxBaseHi = 0x0054
	RegRxWrPtr  = 0x0058 // firmware-reported
	RegRxRdPtr  = 0x005c // host-owned

	RegEvtBaseLo = 0x0060
	RegEvtBaseHi = 0x0064
	RegEvtWrPtr  = 0x0068 // firmware-reported
	RegEvtRdPtr  = 0x006c // host-owned
)

// ADMA channel register blocks start at AdmaBase, one AdmaChanStride
// sized block per channel.
const (
	AdmaBase       = 0x0100
	AdmaChanStride = 0x40

	AdmaSrcLo    = 0x00
	AdmaSrcHi    = 0x04
	AdmaDstLo    = 0x08
	AdmaDstHi    = 0x0c
	AdmaLen      = 0x10
	AdmaCtrl     = 0x14 // mode and flags
	AdmaStart    = 0x18 // write 1 to trigger a direct-mode transfer
	AdmaIntRoute = 0x1c // MSI vector routing
	AdmaWrPtr    = 0x20
	AdmaRdPtr    = 0x24
	AdmaDoorbell = 0x28
)

// ADMA channel assignment.
const (
	AdmaChanCmd    = 0 // direct mode, host→card command
	AdmaChanCmdRsp = 1 // direct mode, card→host response
	AdmaChanTx     = 2
	AdmaChanRx     = 3
	AdmaChanEvt    = 4
)

// AdmaChan returns the register offset of off within channel ch's block.
func AdmaChan(ch uint32, off uint32) uint32 { return AdmaBase + ch*AdmaChanStride + off }

// AdmaCtrl bits.
const (
	AdmaModeDirect = 1 << 0 // non-ring single-shot transfer
	AdmaModeRing   = 1 << 1
	AdmaDirToCard  = 1 << 2
	AdmaCtrlEnable = 1 << 31
)

// RegFwStatus layout: firmware ready magic in the low half, inhibit bits
// on top. The host polls the inhibit bits for a short bounded interval
// before posting a new command or data buffer.
const (
	FwStatusReady = 0x0000fedc
	FwCmdInhibit  = 1 << 31
	FwDataInhibit = 1 << 30
	FwStatusMask  = 0x0000ffff
)

// Interrupt cause bits in RegIntStatus.
const (
	IntTxDone       = 1 << 0 // DMA to card finished, TX ring reclaimable
	IntRxReady      = 1 << 1
	IntEvtReady     = 1 << 2
	IntCmdDone      = 1 << 3
	IntSleepConfirm = 1 << 4 // firmware consumed the sleep acknowledgement
	IntWoken        = 1 << 5

	IntAllMask = IntTxDone | IntRxReady | IntEvtReady | IntCmdDone | IntSleepConfirm | IntWoken
)

// Host→card doorbell bits in RegDoorbell.
const (
	DbCmdReady = 1 << 0
	DbTxReady  = 1 << 1
	DbRxDone   = 1 << 2
	DbEvtDone  = 1 << 3
	DbSleepCfm = 1 << 4
	DbWakeup   = 1 << 5
	DbReset    = 1 << 6
)

// DrvReadyMagic is the handshake value the host writes once rings are
// programmed.
const DrvReadyMagic = 0x00001ac0

// Profile captures the per-chip constants selected once at attach from
// the capability bits: ring geometry, the ADMA capability and the legacy
// doorbell quirk.
type Profile struct {
	Name string

	TxRingSize  uint32 // power of two
	RxRingSize  uint32 // power of two
	EvtRingSize uint32 // power of two

	// ADMA selects the multi-channel engine; false selects the legacy
	// single-descriptor rings.
	ADMA bool
	// TxRolloverBit etc. position the legacy wrap parity indicator for
	// each ring direction. Unused under ADMA.
	TxRolloverBit  uint32
	RxRolloverBit  uint32
	EvtRolloverBit uint32
	// ExplicitDoorbell marks variants whose hardware does not self
	// trigger on every cursor write; every post must be followed by a
	// doorbell write.
	ExplicitDoorbell bool

	// MSIVectors routes per-channel ADMA interrupts when nonzero.
	MSIVectors uint32
}

// ProfileW8766 is the legacy single-descriptor chip.
var ProfileW8766 = Profile{
	Name:             "w8766",
	TxRingSize:       32,
	RxRingSize:       32,
	EvtRingSize:      4,
	TxRolloverBit:    1 << 7,
	RxRolloverBit:    1 << 10,
	EvtRolloverBit:   1 << 7,
	ExplicitDoorbell: true,
}

// ProfileW9098 is the ADMA chip.
var ProfileW9098 = Profile{
	Name:        "w9098",
	TxRingSize:  32,
	RxRingSize:  32,
	EvtRingSize: 4,
	ADMA:        true,
	MSIVectors:  8,
}

func (p *Profile) validate() error {
	for _, n := range []uint32{p.TxRingSize, p.RxRingSize, p.EvtRingSize} {
		if n == 0 || n&(n-1) != 0 {
			return errBadRingSize
		}
	}
	if !p.ADMA && (p.TxRolloverBit < p.TxRingSize || p.RxRolloverBit < p.RxRingSize || p.EvtRolloverBit < p.EvtRingSize) {
		return errBadRollover
	}
	return nil
}

// TxMath returns the cursor arithmetic for the profile's TX ring. The
// card model uses the same math from the firmware side.
func (p *Profile) TxMath() CursorMath {
	return CursorMath{N: p.TxRingSize, Rollover: p.TxRolloverBit, ADMA: p.ADMA}
}

func (p *Profile) RxMath() CursorMath {
	return CursorMath{N: p.RxRingSize, Rollover: p.RxRolloverBit, ADMA: p.ADMA}
}

func (p *Profile) EvtMath() CursorMath {
	return CursorMath{N: p.EvtRingSize, Rollover: p.EvtRolloverBit, ADMA: p.ADMA}
}

var (
	errBadRingSize = errors.New("ring size must be a nonzero power of two")
	errBadRollover = errors.New("rollover bit collides with slot index bits")
)
