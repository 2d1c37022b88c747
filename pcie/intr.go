package pcie

import (
	"fmt"

	"log/slog"

	"github.com/openwlan/wlcore"
	"github.com/openwlan/wlcore/fwp"
)

// Interrupt implements wlcore.Transport: it claims and acknowledges a
// raised interrupt and latches its causes for ProcessIntStatus. Runs in
// the interrupt context; nothing here blocks.
func (c *Card) Interrupt(msgID uint32) error {
	v, err := c.regs.Read32(RegIntStatus)
	if err != nil {
		return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
	}
	if v&IntAllMask == 0 {
		return wlcore.ErrNotOurInterrupt
	}
	// Write-1-to-clear acknowledges exactly the causes we latched.
	if err := c.regs.Write32(RegIntStatus, v); err != nil {
		return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
	}
	c.mu.Lock()
	c.pendingInts |= v & IntAllMask
	c.mu.Unlock()
	c.trace("interrupt", slog.Uint64("msg", uint64(msgID)), slog.Uint64("causes", uint64(v)))
	return nil
}

// ProcessIntStatus implements wlcore.Transport: it consumes the latched
// causes and dispatches completions into the engine. Command responses
// run first so a completion can immediately start the next download.
func (c *Card) ProcessIntStatus() error {
	c.mu.Lock()
	ints := c.pendingInts
	c.pendingInts = 0
	c.mu.Unlock()
	if ints == 0 {
		return nil
	}

	if ints&IntSleepConfirm != 0 {
		c.mu.Lock()
		c.sleepPosted = false
		c.mu.Unlock()
		c.host.FirmwareSleeping()
	}
	if ints&IntWoken != 0 {
		c.host.CardWoken()
	}
	if ints&IntCmdDone != 0 {
		c.processCmdRsp()
	}
	if ints&IntEvtReady != 0 {
		c.processEvents()
	}
	if ints&IntRxReady != 0 {
		c.processRx()
	}
	if ints&IntTxDone != 0 {
		c.mu.Lock()
		done := c.reclaimTxLocked()
		c.txBusy = c.tx.full()
		c.mu.Unlock()
		for _, rb := range done {
			c.host.DataSent(rb.buf, nil)
		}
	}
	return nil
}

// reclaimTxLocked walks the TX ring from the local read cursor up to the
// firmware-reported one, unmapping and collecting finished buffers.
// Caller holds c.mu; delivery happens outside it.
func (c *Card) reclaimTxLocked() []ringBuf {
	fwRd, err := c.regs.Read32(c.txRdReg())
	if err != nil {
		c.warn("read tx rdptr", slog.String("err", err.Error()))
		return nil
	}
	var done []ringBuf
	for !c.tx.emptyAt(fwRd, c.tx.rd) {
		slot := c.tx.slot(c.tx.rd)
		rb := c.tx.bufs[slot]
		if rb.buf == nil {
			break
		}
		if err := c.dma.Unmap(rb.addr); err != nil {
			c.warn("unmap tx buffer", slog.String("err", err.Error()))
		}
		c.tx.bufs[slot] = ringBuf{}
		c.tx.clearDesc(slot)
		c.tx.rd = c.tx.advance(c.tx.rd)
		done = append(done, rb)
	}
	return done
}

// processRx delivers received payloads. Each delivery detaches the slot's
// buffer to the upper layer and refills the slot with a fresh mapping so
// circulation never stalls on host-driven reallocation.
func (c *Card) processRx() {
	for {
		c.mu.Lock()
		fwWr, err := c.regs.Read32(c.rxWrReg())
		if err != nil {
			c.mu.Unlock()
			c.warn("read rx wrptr", slog.String("err", err.Error()))
			return
		}
		if c.rx.emptyAt(fwWr, c.rx.rd) {
			c.mu.Unlock()
			return
		}
		slot := c.rx.slot(c.rx.rd)
		rb := c.rx.bufs[slot]
		d := c.rx.readDesc(slot)
		if err := c.dma.Unmap(rb.addr); err != nil {
			c.warn("unmap rx buffer", slog.String("err", err.Error()))
		}

		fresh := make([]byte, rxBufSize)
		addr, err := c.dma.Map(fresh, DirFromCard)
		if err != nil {
			// Keep the old buffer in place; dropping the slot would
			// shrink the ring forever.
			c.warn("refill rx buffer", slog.String("err", err.Error()))
			if addr2, err2 := c.dma.Map(rb.buf, DirFromCard); err2 == nil {
				c.rx.bufs[slot] = ringBuf{buf: rb.buf, addr: addr2}
				c.rx.writeDesc(slot, Desc{PAddr: addr2, Len: rxBufSize})
			}
			c.mu.Unlock()
			return
		}
		c.rx.bufs[slot] = ringBuf{buf: fresh, addr: addr}
		c.rx.writeDesc(slot, Desc{PAddr: addr, Len: rxBufSize})
		c.rx.rd = c.rx.advance(c.rx.rd)
		werr := c.regs.Write32(c.rxRdReg(), c.rx.rd)
		if werr == nil && c.prof.ExplicitDoorbell {
			werr = c.regs.Write32(RegDoorbell, DbRxDone)
		}
		c.mu.Unlock()
		if werr != nil {
			c.warn("write rx rdptr", slog.String("err", werr.Error()))
			return
		}

		n := int(d.Len)
		if n > len(rb.buf) {
			n = len(rb.buf)
		}
		c.host.RxPending(1)
		if err := c.host.RxData(rb.buf[:n]); err != nil {
			c.warn("rx delivery", slog.String("err", err.Error()))
		}
		c.host.RxPending(-1)
	}
}

// processEvents hands ripe event buffers to the engine. The firmware
// keeps one event in flight; the slot recycles only when the engine calls
// EventComplete, which advances the read cursor.
func (c *Card) processEvents() {
	for {
		c.mu.Lock()
		fwWr, err := c.regs.Read32(c.evtWrReg())
		if err != nil {
			c.mu.Unlock()
			c.warn("read event wrptr", slog.String("err", err.Error()))
			return
		}
		if c.evt.emptyAt(fwWr, c.evt.rd) {
			c.mu.Unlock()
			return
		}
		rdBefore := c.evt.rd
		slot := c.evt.slot(rdBefore)
		buf := c.evt.bufs[slot].buf
		c.mu.Unlock()

		evLen := int(busOrder.Uint16(buf))
		if evLen < fwp.EventHeaderLen || evLen > len(buf) {
			evLen = len(buf)
		}
		c.host.RxPending(1)
		if err := c.host.Event(buf[:evLen]); err != nil {
			c.warn("event delivery", slog.String("err", err.Error()))
		}
		c.host.RxPending(-1)

		c.mu.Lock()
		stuck := c.evt.rd == rdBefore
		c.mu.Unlock()
		if stuck {
			// The engine did not release the buffer; leave the slot for
			// the next interrupt rather than spin.
			c.warn("event buffer not released")
			return
		}
	}
}

// processCmdRsp lifts the response out of the permanently posted response
// buffer and returns the command copy to host ownership.
func (c *Card) processCmdRsp() {
	c.mu.Lock()
	if !c.cmdPosted {
		c.mu.Unlock()
		c.warn("command done interrupt with no command posted")
		return
	}
	c.cmdPosted = false
	c.cmdLen = 0
	rsp := c.rspBuf
	c.mu.Unlock()

	total := int(busOrder.Uint16(rsp))
	typ := busOrder.Uint16(rsp[2:])
	if typ != fwp.TypeCmd || total < IntfHeaderLen+fwp.CmdHeaderLen || total > len(rsp) {
		c.warn("malformed command response",
			slog.Int("total", total), slog.Uint64("type", uint64(typ)))
		return
	}
	c.host.RxPending(1)
	if err := c.host.CmdResponse(rsp[IntfHeaderLen:total]); err != nil {
		c.warn("command response", slog.String("err", err.Error()))
	}
	c.host.RxPending(-1)
}

// EventComplete implements wlcore.Transport: the upper layer is done with
// the event buffer, re-arm its slot and report consumption to firmware.
func (c *Card) EventComplete(buf []byte) error {
	c.mu.Lock()
	slot := c.evt.slot(c.evt.rd)
	rb := c.evt.bufs[slot]
	if rb.buf == nil || len(buf) == 0 || &rb.buf[0] != &buf[0] {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", wlcore.ErrTransportError, errForeignBuffer)
	}
	c.evt.writeDesc(slot, Desc{PAddr: rb.addr, Len: evtBufSize})
	c.evt.rd = c.evt.advance(c.evt.rd)
	err := c.regs.Write32(c.evtRdReg(), c.evt.rd)
	if err == nil && c.prof.ExplicitDoorbell {
		err = c.regs.Write32(RegDoorbell, DbEvtDone)
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
	}
	return nil
}

// DataComplete implements wlcore.Transport. RX buffers detach to the
// upper layer and are not recycled into the ring, so nothing to do.
func (c *Card) DataComplete(buf []byte) error { return nil }

// CmdrspComplete implements wlcore.Transport. The response buffer stays
// permanently posted; under ADMA the direct-mode destination channel is
// re-armed for the next response.
func (c *Card) CmdrspComplete(buf []byte) error {
	if !c.prof.ADMA {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeAll(
		AdmaChan(AdmaChanCmdRsp, AdmaDstLo), uint32(c.rspAddr),
		AdmaChan(AdmaChanCmdRsp, AdmaDstHi), uint32(c.rspAddr>>32),
		AdmaChan(AdmaChanCmdRsp, AdmaLen), fwp.MaxCmdSize,
		AdmaChan(AdmaChanCmdRsp, AdmaCtrl), AdmaModeDirect|AdmaCtrlEnable,
	)
}
