// Package fwp implements the host↔firmware control protocol spoken by the
// wireless co-processor: command and response headers, the asynchronous
// event framing, opcode and event-cause tables and the sequence field
// packing shared by every transport.
package fwp

import "encoding/binary"

// All wire fields are little-endian.
var Order = binary.LittleEndian

const (
	CmdHeaderLen   = 8
	EventHeaderLen = 8 // len(2) + type(2) + cause(4)

	// MaxCmdSize bounds a single command or response buffer, header included.
	MaxCmdSize = 2048
)

// Buffer type tags for the PCIe transport. The first u16 after the length
// prefix of every downloaded buffer carries one of these.
const (
	TypeCmd   = 1
	TypeData  = 0
	TypeEvent = 3
)

// Opcode identifies a firmware command. The firmware echoes the opcode in
// its response with RspBit set.
type Opcode uint16

// RspBit tags a response opcode. Mask it off before matching against the
// command that is in flight.
const RspBit Opcode = 0x8000

const (
	CmdInvalid Opcode = 0x0000

	CmdScan           Opcode = 0x0006
	CmdAssociate      Opcode = 0x0012
	CmdSnmpMib        Opcode = 0x0016
	CmdDeauthenticate Opcode = 0x0024
	CmdSoftReset      Opcode = 0x002d
	CmdMacControl     Opcode = 0x0028
	CmdDisassociate   Opcode = 0x0026
	CmdMacAddr        Opcode = 0x004d
	CmdTxPower        Opcode = 0x005f
	CmdRfChannel      Opcode = 0x001d
	CmdVersion        Opcode = 0x0003
	CmdAddBA          Opcode = 0x00ce
	CmdDelBA          Opcode = 0x00d0
	CmdPsMode         Opcode = 0x00e4
	CmdHsCfg          Opcode = 0x00e5
	CmdFuncInit       Opcode = 0x00a9
	CmdFuncShutdown   Opcode = 0x00aa
	CmdExtScan        Opcode = 0x0107
	CmdBgScanQuery    Opcode = 0x006c
	CmdRemainOnChan   Opcode = 0x010d
	CmdTdlsOper       Opcode = 0x0122
	CmdApStart        Opcode = 0x00b1
	CmdApStop         Opcode = 0x00b2
	CmdApReset        Opcode = 0x00b4
	CmdApStaDeauth    Opcode = 0x00b5
	CmdAcsScan        Opcode = 0x0224
	CmdSleepConfirm   Opcode = 0x005a
	CmdFwDumpTrigger  Opcode = 0x0231
)

// IsScanClass reports whether op starts or continues a firmware scan and
// therefore runs on the extended command timeout tier.
func IsScanClass(op Opcode) bool {
	switch op {
	case CmdScan, CmdExtScan, CmdBgScanQuery, CmdAcsScan:
		return true
	}
	return false
}

// HasNoResponse reports whether the firmware never answers op. The host
// must consider such a command finished as soon as the transport takes it.
func HasNoResponse(op Opcode) bool {
	return op == CmdSoftReset || op == CmdFwDumpTrigger
}

// ScanExempt reports whether op may be downloaded while an extended scan is
// in progress. Anything else waits in the scan-pending queue until the scan
// session ends.
func ScanExempt(op Opcode) bool {
	switch op {
	case CmdFuncInit, CmdFuncShutdown, CmdSoftReset,
		CmdAssociate, CmdDeauthenticate, CmdDisassociate,
		CmdAddBA, CmdDelBA,
		CmdRemainOnChan, CmdTdlsOper,
		CmdApStart, CmdApStop, CmdApReset, CmdApStaDeauth,
		CmdAcsScan:
		return true
	}
	return false
}

// Command action field values.
const (
	ActionGet = 0
	ActionSet = 1

	// ActionDisAutoPs on CmdPsMode disables automatic power save. The
	// queue manager front-loads it when the card is about to sleep.
	ActionDisAutoPs = 0xfe
	ActionEnAutoPs  = 0xff
)

// Role distinguishes the operating mode of the virtual interface a command
// or event belongs to.
type Role uint8

const (
	RoleStation Role = 0
	RoleAP      Role = 1
	RoleP2P     Role = 2
	RoleAny     Role = 0xf
)

// Firmware result codes carried in CmdHeader.Result.
const (
	ResultOK          = 0x0000
	ResultError       = 0x0001
	ResultNotSupport  = 0x0002
	ResultPending     = 0x0003
	ResultBusy        = 0x0004
	ResultPartialData = 0x0005
)
