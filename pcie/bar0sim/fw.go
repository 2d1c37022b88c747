package bar0sim

import (
	"github.com/openwlan/wlcore/fwp"
	"github.com/openwlan/wlcore/pcie"
)

// The firmware side of each ring keeps its cursor in the register it
// owns and trusts the host cursor it reads back, using the same
// arithmetic the host uses.

func (s *Sim) txRegs() (wrReg, rdReg uint32) {
	if s.prof.ADMA {
		return pcie.AdmaChan(pcie.AdmaChanTx, pcie.AdmaWrPtr), pcie.AdmaChan(pcie.AdmaChanTx, pcie.AdmaRdPtr)
	}
	return pcie.RegTxWrPtr, pcie.RegTxRdPtr
}

func (s *Sim) rxRegs() (wrReg, rdReg, baseLo, baseHi uint32) {
	if s.prof.ADMA {
		return pcie.AdmaChan(pcie.AdmaChanRx, pcie.AdmaWrPtr), pcie.AdmaChan(pcie.AdmaChanRx, pcie.AdmaRdPtr),
			pcie.AdmaChan(pcie.AdmaChanRx, pcie.AdmaDstLo), pcie.AdmaChan(pcie.AdmaChanRx, pcie.AdmaDstHi)
	}
	return pcie.RegRxWrPtr, pcie.RegRxRdPtr, pcie.RegRxBaseLo, pcie.RegRxBaseHi
}

func (s *Sim) evtRegs() (wrReg, rdReg, baseLo, baseHi uint32) {
	if s.prof.ADMA {
		return pcie.AdmaChan(pcie.AdmaChanEvt, pcie.AdmaWrPtr), pcie.AdmaChan(pcie.AdmaChanEvt, pcie.AdmaRdPtr),
			pcie.AdmaChan(pcie.AdmaChanEvt, pcie.AdmaDstLo), pcie.AdmaChan(pcie.AdmaChanEvt, pcie.AdmaDstHi)
	}
	return pcie.RegEvtWrPtr, pcie.RegEvtRdPtr, pcie.RegEvtBaseLo, pcie.RegEvtBaseHi
}

// consumeCmd lifts one command out of host memory, answers it into the
// posted response buffer and raises the completion interrupt. The sleep
// acknowledgement never gets a response; it flips the firmware asleep
// and raises its own cause bit instead.
func (s *Sim) consumeCmd(addr pcie.DMAAddr, size int, sleep bool) {
	s.mu.Lock()
	src, ok := s.mem[addr]
	if !ok {
		s.mu.Unlock()
		return
	}
	if size > len(src) {
		size = len(src)
	}
	cmd := make([]byte, size)
	copy(cmd, src[:size])
	s.mu.Unlock()

	if len(cmd) < pcie.IntfHeaderLen+fwp.CmdHeaderLen {
		return
	}
	hdr, err := fwp.DecodeCmdHeader(cmd[pcie.IntfHeaderLen:])
	if err != nil {
		return
	}

	if sleep {
		s.mu.Lock()
		s.cmdSeen = append(s.cmdSeen, hdr.Opcode)
		s.asleep = true
		s.regs[pcie.RegFwStatus] |= pcie.FwCmdInhibit | pcie.FwDataInhibit
		s.mu.Unlock()
		s.raise(pcie.IntSleepConfirm)
		return
	}

	s.mu.Lock()
	s.cmdSeen = append(s.cmdSeen, hdr.Opcode)
	if s.dropNext > 0 {
		s.dropNext--
		s.mu.Unlock()
		return
	}
	fn := s.responders[hdr.Opcode]
	s.mu.Unlock()

	if fwp.HasNoResponse(hdr.Opcode) {
		return
	}
	result := uint16(fwp.ResultOK)
	var payload []byte
	if fn != nil {
		result, payload = fn(hdr, cmd[pcie.IntfHeaderLen:])
	}
	s.writeResponse(hdr, result, payload)
	s.raise(pcie.IntCmdDone)
}

// writeResponse frames header and payload into the host's response
// buffer: the response tag on the opcode, the caller's sequence word
// preserved.
func (s *Sim) writeResponse(hdr fwp.CmdHeader, result uint16, payload []byte) {
	s.mu.Lock()
	var addr pcie.DMAAddr
	if s.prof.ADMA {
		addr = s.addr64Locked(pcie.AdmaChan(pcie.AdmaChanCmdRsp, pcie.AdmaDstLo), pcie.AdmaChan(pcie.AdmaChanCmdRsp, pcie.AdmaDstHi))
	} else {
		addr = s.addr64Locked(pcie.RegCmdRspAddrLo, pcie.RegCmdRspAddrHi)
	}
	rsp, ok := s.mem[addr]
	if !ok {
		s.mu.Unlock()
		return
	}
	total := pcie.IntfHeaderLen + fwp.CmdHeaderLen + len(payload)
	if total > len(rsp) {
		s.mu.Unlock()
		return
	}
	fwp.Order.PutUint16(rsp[0:], uint16(total))
	fwp.Order.PutUint16(rsp[2:], fwp.TypeCmd)
	out := fwp.CmdHeader{
		Opcode: hdr.Opcode | fwp.RspBit,
		Size:   uint16(fwp.CmdHeaderLen + len(payload)),
		Seq:    hdr.Seq,
		Result: result,
	}
	out.Put(rsp[pcie.IntfHeaderLen:])
	copy(rsp[pcie.IntfHeaderLen+fwp.CmdHeaderLen:], payload)
	s.mu.Unlock()
}

// consumeTx advances the firmware TX read cursor up to the host write
// cursor and reports the transfers done.
func (s *Sim) consumeTx() {
	math := s.prof.TxMath()
	wrReg, rdReg := s.txRegs()
	s.mu.Lock()
	if s.holdTx {
		s.mu.Unlock()
		return
	}
	wr, rd := s.regs[wrReg], s.regs[rdReg]
	moved := false
	for !math.Empty(wr, rd) {
		rd = math.Advance(rd)
		moved = true
	}
	s.regs[rdReg] = rd
	s.mu.Unlock()
	if moved {
		s.raise(pcie.IntTxDone)
	}
}

// InjectEvent places one firmware event into the next event ring slot
// and raises the event interrupt. Fails when the host has not yet
// consumed every slot.
func (s *Sim) InjectEvent(code fwp.EventCode, iface uint8, role fwp.Role, body []byte) error {
	math := s.prof.EvtMath()
	wrReg, rdReg, baseLo, baseHi := s.evtRegs()

	s.mu.Lock()
	defer s.mu.Unlock()
	wr, rd := s.regs[wrReg], s.regs[rdReg]
	if math.Full(wr, rd) {
		return errEvtRingFull
	}
	buf, err := s.slotBufLocked(baseLo, baseHi, math.Slot(wr))
	if err != nil {
		return err
	}
	total := fwp.EventHeaderLen + len(body)
	if total > len(buf) {
		return errEvtRingFull
	}
	fwp.EventHeader{
		Len:   uint16(total),
		Type:  fwp.TypeEvent,
		Cause: fwp.PackCause(code, iface, role),
	}.Put(buf)
	copy(buf[fwp.EventHeaderLen:], body)
	s.regs[wrReg] = math.Advance(wr)
	s.raiseLocked(pcie.IntEvtReady)
	return nil
}

// InjectRx places one received payload into the next RX ring slot and
// raises the receive interrupt.
func (s *Sim) InjectRx(payload []byte) error {
	math := s.prof.RxMath()
	wrReg, rdReg, baseLo, baseHi := s.rxRegs()

	s.mu.Lock()
	defer s.mu.Unlock()
	wr, rd := s.regs[wrReg], s.regs[rdReg]
	if math.Full(wr, rd) {
		return errRxRingFull
	}
	slot := math.Slot(wr)
	buf, err := s.slotBufLocked(baseLo, baseHi, slot)
	if err != nil {
		return err
	}
	if len(payload) > len(buf) {
		return errRxRingFull
	}
	copy(buf, payload)

	// Report the payload length back through the slot's descriptor.
	table, ok := s.mem[s.addr64Locked(baseLo, baseHi)]
	if ok {
		d := pcie.DecodeDesc(table[slot*pcie.DescSize:])
		d.Len = uint16(len(payload))
		d.Put(table[slot*pcie.DescSize:])
	}
	s.regs[wrReg] = math.Advance(wr)
	s.raiseLocked(pcie.IntRxReady)
	return nil
}

// slotBufLocked resolves a ring slot to the host buffer its descriptor
// points at. Caller holds s.mu.
func (s *Sim) slotBufLocked(baseLo, baseHi, slot uint32) ([]byte, error) {
	table, ok := s.mem[s.addr64Locked(baseLo, baseHi)]
	if !ok || int(slot+1)*pcie.DescSize > len(table) {
		return nil, errNotMapped
	}
	d := pcie.DecodeDesc(table[slot*pcie.DescSize:])
	buf, ok := s.mem[d.PAddr]
	if !ok {
		return nil, errNotMapped
	}
	return buf, nil
}

func (s *Sim) raiseLocked(bits uint32) {
	s.regs[pcie.RegIntStatus] |= bits
	s.raised = true
}
