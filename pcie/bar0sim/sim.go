// Package bar0sim models the card side of the PCIe transport: a BAR0
// register file, a DMA address space and a small firmware that consumes
// commands, generates responses, raises interrupts and honors the sleep
// handshake. It backs the transport tests and cmd/wlsim; no hardware is
// involved anywhere.
package bar0sim

import (
	"errors"
	"sync"

	"github.com/openwlan/wlcore/fwp"
	"github.com/openwlan/wlcore/pcie"
)

// Responder produces the firmware's answer to one command. cmd is the
// full wire buffer including the generic header. A nil payload is valid.
type Responder func(hdr fwp.CmdHeader, cmd []byte) (result uint16, payload []byte)

var (
	errEvtRingFull = errors.New("event ring full")
	errRxRingFull  = errors.New("rx ring full")
	errNotMapped   = errors.New("address not mapped")
)

// Sim is one simulated card. It implements pcie.RegIO and pcie.DMA.
//
// Interrupts are latched, not delivered: the test (or the wlsim pump
// loop) plays the interrupt context by calling Pump, which invokes the
// sink installed with OnInterrupt until no causes remain. That keeps
// every exchange deterministic and avoids re-entering the transport from
// under its own register write.
type Sim struct {
	mu   sync.Mutex
	prof pcie.Profile

	regs map[uint32]uint32
	mem  map[pcie.DMAAddr][]byte
	next pcie.DMAAddr

	responders map[fwp.Opcode]Responder
	dropNext   int // swallow this many commands without responding
	failMaps   int // fail this many upcoming Map calls
	holdTx     bool
	asleep     bool

	intrFn  func()
	raised  bool
	mapped  int // live mappings, for leak checks
	cmdSeen []fwp.Opcode
}

// New builds a simulated card for the given chip profile. The firmware
// reports ready immediately.
func New(prof pcie.Profile) *Sim {
	s := &Sim{
		prof:       prof,
		regs:       make(map[uint32]uint32),
		mem:        make(map[pcie.DMAAddr][]byte),
		next:       0x1000,
		responders: make(map[fwp.Opcode]Responder),
	}
	s.regs[pcie.RegFwStatus] = pcie.FwStatusReady
	return s
}

// OnInterrupt installs the host interrupt sink invoked by Pump.
func (s *Sim) OnInterrupt(fn func()) {
	s.mu.Lock()
	s.intrFn = fn
	s.mu.Unlock()
}

// Pump delivers latched interrupts until the line is quiet. Completions
// triggered by the sink (which may post further work and raise again)
// are drained in the same call.
func (s *Sim) Pump() {
	for i := 0; i < 1000; i++ {
		s.mu.Lock()
		fn := s.intrFn
		raised := s.raised
		s.raised = false
		s.mu.Unlock()
		if !raised || fn == nil {
			return
		}
		fn()
	}
}

// Respond installs a per-opcode responder. Unhandled opcodes get the
// default echo: same opcode with the response tag, same sequence word,
// result OK, empty payload.
func (s *Sim) Respond(op fwp.Opcode, fn Responder) {
	s.mu.Lock()
	s.responders[op] = fn
	s.mu.Unlock()
}

// DropResponses makes the firmware swallow the next n commands without
// answering, for timeout injection.
func (s *Sim) DropResponses(n int) {
	s.mu.Lock()
	s.dropNext = n
	s.mu.Unlock()
}

// HoldTx stops the firmware from consuming posted TX entries, letting a
// test fill the ring. Releasing consumes whatever accumulated.
func (s *Sim) HoldTx(hold bool) {
	s.mu.Lock()
	s.holdTx = hold
	s.mu.Unlock()
	if !hold {
		s.consumeTx()
	}
}

// FailNextMaps makes the next n DMA Map calls fail.
func (s *Sim) FailNextMaps(n int) {
	s.mu.Lock()
	s.failMaps = n
	s.mu.Unlock()
}

// Asleep reports the firmware's sleep state.
func (s *Sim) Asleep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asleep
}

// CommandLog returns the opcodes the firmware consumed, in order.
func (s *Sim) CommandLog() []fwp.Opcode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fwp.Opcode, len(s.cmdSeen))
	copy(out, s.cmdSeen)
	return out
}

// LiveMappings returns the number of outstanding DMA mappings.
func (s *Sim) LiveMappings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped
}

// Read32 implements pcie.RegIO.
func (s *Sim) Read32(off uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[off], nil
}

// Write32 implements pcie.RegIO. Side effects (command consumption, ring
// consumption, sleep transitions) run after the register latches.
func (s *Sim) Write32(off uint32, val uint32) error {
	s.mu.Lock()
	if off == pcie.RegIntStatus {
		// Write-1-to-clear from the host ack path.
		s.regs[pcie.RegIntStatus] &^= val
		s.mu.Unlock()
		return nil
	}
	s.regs[off] = val
	var action func()
	switch {
	case off == pcie.RegDoorbell:
		action = s.doorbellLocked(val)
	case off == pcie.RegTxWrPtr && !s.prof.ExplicitDoorbell && !s.prof.ADMA:
		action = s.consumeTx
	case s.prof.ADMA && off == pcie.AdmaChan(pcie.AdmaChanTx, pcie.AdmaWrPtr):
		action = s.consumeTx
	case s.prof.ADMA && off == pcie.AdmaChan(pcie.AdmaChanCmd, pcie.AdmaStart) && val != 0:
		action = s.consumeCmdADMALocked()
	}
	s.mu.Unlock()
	if action != nil {
		action()
	}
	return nil
}

// doorbellLocked decodes a host doorbell write. Caller holds s.mu; the
// returned action runs unlocked.
func (s *Sim) doorbellLocked(val uint32) func() {
	switch {
	case val&pcie.DbCmdReady != 0:
		addr := s.addr64Locked(pcie.RegCmdAddrLo, pcie.RegCmdAddrHi)
		size := int(s.regs[pcie.RegCmdSize])
		return func() { s.consumeCmd(addr, size, false) }
	case val&pcie.DbSleepCfm != 0:
		addr := s.addr64Locked(pcie.RegCmdAddrLo, pcie.RegCmdAddrHi)
		size := int(s.regs[pcie.RegCmdSize])
		return func() { s.consumeCmd(addr, size, true) }
	case val&pcie.DbTxReady != 0:
		return s.consumeTx
	case val&pcie.DbWakeup != 0:
		return func() {
			s.mu.Lock()
			s.asleep = false
			s.regs[pcie.RegFwStatus] &^= pcie.FwCmdInhibit | pcie.FwDataInhibit
			s.mu.Unlock()
			s.raise(pcie.IntWoken)
		}
	case val&pcie.DbReset != 0:
		return func() {
			s.mu.Lock()
			s.asleep = false
			s.regs = map[uint32]uint32{pcie.RegFwStatus: pcie.FwStatusReady}
			s.mu.Unlock()
		}
	}
	return nil
}

func (s *Sim) consumeCmdADMALocked() func() {
	addr := s.addr64Locked(pcie.AdmaChan(pcie.AdmaChanCmd, pcie.AdmaSrcLo), pcie.AdmaChan(pcie.AdmaChanCmd, pcie.AdmaSrcHi))
	size := int(s.regs[pcie.AdmaChan(pcie.AdmaChanCmd, pcie.AdmaLen)])
	return func() {
		// Sleep confirms ride the command channel; tell them apart by
		// opcode, as the real firmware does.
		buf, ok := s.bufAt(addr)
		sleep := ok && len(buf) >= pcie.IntfHeaderLen+2 &&
			fwp.Opcode(fwp.Order.Uint16(buf[pcie.IntfHeaderLen:])) == fwp.CmdSleepConfirm
		s.consumeCmd(addr, size, sleep)
	}
}

func (s *Sim) addr64Locked(lo, hi uint32) pcie.DMAAddr {
	return pcie.DMAAddr(uint64(s.regs[lo]) | uint64(s.regs[hi])<<32)
}

func (s *Sim) bufAt(addr pcie.DMAAddr) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.mem[addr]
	return b, ok
}

func (s *Sim) raise(bits uint32) {
	s.mu.Lock()
	s.regs[pcie.RegIntStatus] |= bits
	s.raised = true
	s.mu.Unlock()
}

// Map implements pcie.DMA.
func (s *Sim) Map(buf []byte, dir pcie.Direction) (pcie.DMAAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMaps > 0 {
		s.failMaps--
		return 0, errors.New("iommu map rejected")
	}
	addr := s.next
	s.next += pcie.DMAAddr(alignUp(len(buf), 64))
	s.mem[addr] = buf
	s.mapped++
	return addr, nil
}

// Unmap implements pcie.DMA.
func (s *Sim) Unmap(addr pcie.DMAAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mem[addr]; !ok {
		return errNotMapped
	}
	delete(s.mem, addr)
	s.mapped--
	return nil
}

// Alloc implements pcie.DMA: coherent memory stays mapped for the card's
// lifetime.
func (s *Sim) Alloc(size int) ([]byte, pcie.DMAAddr, error) {
	buf := make([]byte, size)
	s.mu.Lock()
	addr := s.next
	s.next += pcie.DMAAddr(alignUp(size, 64))
	s.mem[addr] = buf
	s.mu.Unlock()
	return buf, addr, nil
}

func alignUp(n, align int) int { return (n + align - 1) &^ (align - 1) }
