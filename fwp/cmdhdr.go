package fwp

import "errors"

var (
	errShortCmdBuf   = errors.New("buffer shorter than command header")
	errShortEventBuf = errors.New("buffer shorter than event header")
)

// CmdHeader prefixes every command, and every response, after the
// transport-specific framing. Size counts the header itself plus the
// opcode-specific payload.
type CmdHeader struct {
	Opcode Opcode
	Size   uint16
	Seq    uint16
	Result uint16
}

// Put writes the 8-byte header into dst. Panics if dst is shorter than
// CmdHeaderLen.
func (h CmdHeader) Put(dst []byte) {
	_ = dst[CmdHeaderLen-1]
	Order.PutUint16(dst[0:], uint16(h.Opcode))
	Order.PutUint16(dst[2:], h.Size)
	Order.PutUint16(dst[4:], h.Seq)
	Order.PutUint16(dst[6:], h.Result)
}

func DecodeCmdHeader(b []byte) (hdr CmdHeader, err error) {
	if len(b) < CmdHeaderLen {
		return hdr, errShortCmdBuf
	}
	hdr.Opcode = Opcode(Order.Uint16(b[0:]))
	hdr.Size = Order.Uint16(b[2:])
	hdr.Seq = Order.Uint16(b[4:])
	hdr.Result = Order.Uint16(b[6:])
	return hdr, nil
}

// The Seq field packs a wrapping command sequence number together with the
// virtual interface the command belongs to:
//
//	bits 0-7  sequence number, mod 256
//	bits 8-11 interface index
//	bits 12-15 interface role
const (
	seqNoMask    = 0x00ff
	seqIfaceMask = 0x0f00
	seqRoleMask  = 0xf000
)

// PackSeq builds the Seq header field from a sequence number, interface
// index and role. Only the low 8 bits of seqno survive the wire.
func PackSeq(seqno uint16, iface uint8, role Role) uint16 {
	return seqno&seqNoMask | uint16(iface)<<8&seqIfaceMask | uint16(role)<<12&seqRoleMask
}

// UnpackSeq recovers the triple packed by PackSeq.
func UnpackSeq(seq uint16) (seqno uint16, iface uint8, role Role) {
	return seq & seqNoMask, uint8(seq & seqIfaceMask >> 8), Role(seq & seqRoleMask >> 12)
}

// SleepConfirm is the 4-byte acknowledgement the host pokes at the card to
// accept a firmware sleep request. It reuses the command framing but has no
// payload and no queued lifecycle.
type SleepConfirm struct {
	Action uint16
	Resp   uint16
}

const SleepConfirmLen = CmdHeaderLen + 4

// The response-requested flag in SleepConfirm.Resp.
const SleepConfirmRespBit = 0x0001

func (s SleepConfirm) Put(dst []byte) {
	_ = dst[SleepConfirmLen-1]
	hdr := CmdHeader{Opcode: CmdSleepConfirm, Size: SleepConfirmLen}
	hdr.Put(dst)
	Order.PutUint16(dst[CmdHeaderLen:], s.Action)
	Order.PutUint16(dst[CmdHeaderLen+2:], s.Resp)
}
