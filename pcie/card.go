package pcie

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/openwlan/wlcore"
	"github.com/openwlan/wlcore/fwp"
)

// IntfHeaderLen is the PCIe framing in front of the generic command
// header: a 2-byte total length and the 2-byte buffer type tag.
const IntfHeaderLen = 4

const (
	rxBufSize  = 2048
	evtBufSize = 2048
)

var (
	errNotReady      = errors.New("firmware not ready")
	errBufTooLarge   = errors.New("buffer exceeds transfer size")
	errForeignBuffer = errors.New("buffer does not belong to a ring slot")
)

// Card is the PCIe transport: it owns the descriptor rings and the
// single-buffer command channel and implements wlcore.Transport. One
// mutex guards ring bookkeeping; cursor registers have a single writer
// context each (post paths host-owned, reclaim paths firmware-reported)
// so register access needs no extra ordering beyond it.
type Card struct {
	mu   sync.Mutex
	host wlcore.Host
	regs RegIO
	dma  DMA
	prof Profile
	log  *slog.Logger

	tx, rx, evt *ring

	// Command channel. The engine's wire buffer is copied into a
	// card-owned DMA buffer at post, so the DMA record never aliases a
	// queue-owned buffer. The copy returns to host ownership when the
	// done interrupt proves consumption.
	cmdBuf       []byte
	cmdAddr      DMAAddr
	cmdLen       int
	cmdPosted    bool
	rspBuf       []byte
	rspAddr      DMAAddr
	sleepCfmBuf  []byte
	sleepCfmAddr DMAAddr
	sleepPosted  bool

	pendingInts uint32
	txBusy      bool
}

var _ wlcore.Transport = (*Card)(nil)

// Attach probes the firmware, selects the ring format from the profile's
// capability bits, builds and programs the rings and posts the response
// and receive buffers. The returned card is ready for HostToCard.
func Attach(regs RegIO, dma DMA, prof Profile, host wlcore.Host, logger *slog.Logger) (*Card, error) {
	if err := prof.validate(); err != nil {
		return nil, err
	}
	c := &Card{host: host, regs: regs, dma: dma, prof: prof, log: logger}

	if err := c.waitFwReady(); err != nil {
		return nil, err
	}

	var err error
	if c.tx, err = newRing(prof.TxMath(), dma); err != nil {
		return nil, fmt.Errorf("tx ring: %w", err)
	}
	if c.rx, err = newRing(prof.RxMath(), dma); err != nil {
		return nil, fmt.Errorf("rx ring: %w", err)
	}
	if c.evt, err = newRing(prof.EvtMath(), dma); err != nil {
		return nil, fmt.Errorf("event ring: %w", err)
	}
	if err = c.fillInbound(c.rx, rxBufSize); err != nil {
		return nil, err
	}
	if err = c.fillInbound(c.evt, evtBufSize); err != nil {
		return nil, err
	}

	if c.cmdBuf, c.cmdAddr, err = dma.Alloc(fwp.MaxCmdSize); err != nil {
		return nil, err
	}
	if c.rspBuf, c.rspAddr, err = dma.Alloc(fwp.MaxCmdSize); err != nil {
		return nil, err
	}
	if c.sleepCfmBuf, c.sleepCfmAddr, err = dma.Alloc(int(alignup(uint32(IntfHeaderLen+fwp.SleepConfirmLen), dmaAlign))); err != nil {
		return nil, err
	}

	if err = c.program(); err != nil {
		return nil, err
	}
	c.debug("attach done", slog.String("profile", prof.Name), slog.Bool("adma", prof.ADMA))
	return c, nil
}

// waitFwReady polls the firmware status word for the ready magic.
func (c *Card) waitFwReady() error {
	for i := 0; i < 100; i++ {
		v, err := c.regs.Read32(RegFwStatus)
		if err != nil {
			return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
		}
		if v&FwStatusMask == FwStatusReady {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return errNotReady
}

// fillInbound attaches a fresh mapped buffer to every slot of a
// card-to-host ring.
func (c *Card) fillInbound(r *ring, size int) error {
	size = int(alignup(uint32(size), dmaAlign))
	for slot := uint32(0); slot < r.math.N; slot++ {
		buf := make([]byte, size)
		addr, err := c.dma.Map(buf, DirFromCard)
		if err != nil {
			return fmt.Errorf("%w: map rx buffer: %w", wlcore.ErrTransportError, err)
		}
		r.bufs[slot] = ringBuf{buf: buf, addr: addr}
		r.writeDesc(slot, Desc{PAddr: addr, Len: uint16(size)})
	}
	return nil
}

// program writes ring bases, initial cursors, the response buffer
// address, the interrupt mask and finally the driver-ready handshake.
func (c *Card) program() error {
	w := func(off, val uint32) error { return c.regs.Write32(off, val) }
	type rv struct{ off, val uint32 }
	var regs []rv
	if c.prof.ADMA {
		regs = []rv{
			{AdmaChan(AdmaChanTx, AdmaSrcLo), uint32(c.tx.base)},
			{AdmaChan(AdmaChanTx, AdmaSrcHi), uint32(c.tx.base >> 32)},
			{AdmaChan(AdmaChanTx, AdmaCtrl), AdmaModeRing | AdmaDirToCard | AdmaCtrlEnable},
			{AdmaChan(AdmaChanRx, AdmaDstLo), uint32(c.rx.base)},
			{AdmaChan(AdmaChanRx, AdmaDstHi), uint32(c.rx.base >> 32)},
			{AdmaChan(AdmaChanRx, AdmaCtrl), AdmaModeRing | AdmaCtrlEnable},
			{AdmaChan(AdmaChanEvt, AdmaDstLo), uint32(c.evt.base)},
			{AdmaChan(AdmaChanEvt, AdmaDstHi), uint32(c.evt.base >> 32)},
			{AdmaChan(AdmaChanEvt, AdmaCtrl), AdmaModeRing | AdmaCtrlEnable},
			{AdmaChan(AdmaChanCmdRsp, AdmaDstLo), uint32(c.rspAddr)},
			{AdmaChan(AdmaChanCmdRsp, AdmaDstHi), uint32(c.rspAddr >> 32)},
			{AdmaChan(AdmaChanCmdRsp, AdmaLen), fwp.MaxCmdSize},
			{AdmaChan(AdmaChanCmdRsp, AdmaCtrl), AdmaModeDirect | AdmaCtrlEnable},
			{AdmaChan(AdmaChanTx, AdmaWrPtr), 0},
			{AdmaChan(AdmaChanRx, AdmaRdPtr), 0},
			{AdmaChan(AdmaChanEvt, AdmaRdPtr), 0},
		}
		// Route each channel to its MSI vector when the platform gave
		// us more than one.
		if c.prof.MSIVectors > 1 {
			for ch := uint32(AdmaChanCmd); ch <= AdmaChanEvt; ch++ {
				regs = append(regs, rv{AdmaChan(ch, AdmaIntRoute), ch % c.prof.MSIVectors})
			}
		}
	} else {
		regs = []rv{
			{RegTxBaseLo, uint32(c.tx.base)},
			{RegTxBaseHi, uint32(c.tx.base >> 32)},
			{RegRxBaseLo, uint32(c.rx.base)},
			{RegRxBaseHi, uint32(c.rx.base >> 32)},
			{RegEvtBaseLo, uint32(c.evt.base)},
			{RegEvtBaseHi, uint32(c.evt.base >> 32)},
			{RegTxWrPtr, 0},
			{RegRxRdPtr, 0},
			{RegEvtRdPtr, 0},
			{RegCmdRspAddrLo, uint32(c.rspAddr)},
			{RegCmdRspAddrHi, uint32(c.rspAddr >> 32)},
		}
	}
	regs = append(regs, rv{RegIntMask, IntAllMask}, rv{RegDrvReady, DrvReadyMagic})
	for _, r := range regs {
		if err := w(r.off, r.val); err != nil {
			return fmt.Errorf("%w: program regs: %w", wlcore.ErrTransportError, err)
		}
	}
	return nil
}

// HeaderLen implements wlcore.Transport.
func (c *Card) HeaderLen() int { return IntfHeaderLen }

// HostToCard implements wlcore.Transport.
func (c *Card) HostToCard(typ wlcore.BufType, buf []byte, p *wlcore.TxParam) error {
	switch typ {
	case wlcore.BufCmd:
		return c.postCmd(buf)
	case wlcore.BufData:
		return c.postData(buf, p)
	}
	return fmt.Errorf("%w: unsupported buffer type %d", wlcore.ErrTransportError, typ)
}

// pollInhibit spins for a short bounded interval while the firmware holds
// the given inhibit bit. This is the only busy-wait in the transport.
func (c *Card) pollInhibit(bit uint32) error {
	for i := 0; ; i++ {
		v, err := c.regs.Read32(RegFwStatus)
		if err != nil {
			return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
		}
		if v&bit == 0 {
			return nil
		}
		if i >= 8 {
			return wlcore.ErrTransportBusy
		}
		time.Sleep(time.Millisecond)
	}
}

// postCmd stamps the PCIe framing and transfers one command buffer over
// the single command channel. The sleep acknowledgement rides the same
// channel but has its own buffer and completion interrupt.
func (c *Card) postCmd(buf []byte) error {
	if len(buf) < IntfHeaderLen+fwp.CmdHeaderLen {
		return fmt.Errorf("%w: short command buffer", wlcore.ErrTransportError)
	}
	busOrder.PutUint16(buf[0:], uint16(len(buf)))
	busOrder.PutUint16(buf[2:], fwp.TypeCmd)

	op := fwp.Opcode(busOrder.Uint16(buf[IntfHeaderLen:]))
	if op == fwp.CmdSleepConfirm {
		return c.postSleepConfirm(buf)
	}
	if err := c.pollInhibit(FwCmdInhibit); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmdPosted {
		return wlcore.ErrTransportBusy
	}
	if len(buf) > len(c.cmdBuf) {
		return fmt.Errorf("%w: %w", wlcore.ErrTransportError, errBufTooLarge)
	}
	n := copy(c.cmdBuf, buf)
	c.cmdLen = n

	var err error
	if c.prof.ADMA {
		// Direct (non-ring) mode: program the source, size and mode,
		// then trigger the start register.
		err = c.writeAll(
			AdmaChan(AdmaChanCmd, AdmaSrcLo), uint32(c.cmdAddr),
			AdmaChan(AdmaChanCmd, AdmaSrcHi), uint32(c.cmdAddr>>32),
			AdmaChan(AdmaChanCmd, AdmaLen), uint32(n),
			AdmaChan(AdmaChanCmd, AdmaCtrl), AdmaModeDirect|AdmaDirToCard|AdmaCtrlEnable,
			AdmaChan(AdmaChanCmd, AdmaStart), 1,
		)
	} else {
		err = c.writeAll(
			RegCmdAddrLo, uint32(c.cmdAddr),
			RegCmdAddrHi, uint32(c.cmdAddr>>32),
			RegCmdSize, uint32(n),
			RegDoorbell, DbCmdReady,
		)
	}
	if err != nil {
		return err
	}
	c.cmdPosted = true
	c.trace("cmd posted", slog.Uint64("op", uint64(op)), slog.Int("len", n))
	return nil
}

func (c *Card) postSleepConfirm(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sleepPosted {
		return wlcore.ErrTransportBusy
	}
	if len(buf) > len(c.sleepCfmBuf) {
		return fmt.Errorf("%w: %w", wlcore.ErrTransportError, errBufTooLarge)
	}
	n := copy(c.sleepCfmBuf, buf)
	var err error
	if c.prof.ADMA {
		err = c.writeAll(
			AdmaChan(AdmaChanCmd, AdmaSrcLo), uint32(c.sleepCfmAddr),
			AdmaChan(AdmaChanCmd, AdmaSrcHi), uint32(c.sleepCfmAddr>>32),
			AdmaChan(AdmaChanCmd, AdmaLen), uint32(n),
			AdmaChan(AdmaChanCmd, AdmaCtrl), AdmaModeDirect|AdmaDirToCard|AdmaCtrlEnable,
			AdmaChan(AdmaChanCmd, AdmaStart), 1,
		)
	} else {
		err = c.writeAll(
			RegCmdAddrLo, uint32(c.sleepCfmAddr),
			RegCmdAddrHi, uint32(c.sleepCfmAddr>>32),
			RegCmdSize, uint32(n),
			RegDoorbell, DbSleepCfm,
		)
	}
	if err != nil {
		return err
	}
	c.sleepPosted = true
	return nil
}

// postData maps one payload and posts it on the TX ring. ErrTransportBusy
// when the ring is full; the caller retries after the next reclaim.
func (c *Card) postData(buf []byte, p *wlcore.TxParam) error {
	if err := c.pollInhibit(FwDataInhibit); err != nil {
		return err
	}
	c.mu.Lock()
	if c.tx.full() {
		c.txBusy = true
		c.mu.Unlock()
		return wlcore.ErrTransportBusy
	}
	addr, err := c.dma.Map(buf, DirToCard)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: map tx buffer: %w", wlcore.ErrTransportError, err)
	}
	slot := c.tx.slot(c.tx.wr)
	d := Desc{
		PAddr:   addr,
		Len:     uint16(len(buf)),
		Flags:   DescFlagSOP | DescFlagEOP,
		FragLen: uint16(len(buf)),
	}
	if p != nil {
		d.Offset = uint16(p.Priority)
	}
	c.tx.writeDesc(slot, d)
	c.tx.bufs[slot] = ringBuf{buf: buf, addr: addr}
	c.tx.wr = c.tx.advance(c.tx.wr)
	if err := c.regs.Write32(c.txWrReg(), c.tx.wr); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
	}
	if c.prof.ExplicitDoorbell {
		// This variant does not self-trigger on the cursor write.
		if err := c.regs.Write32(RegDoorbell, DbTxReady); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
		}
	}
	// Opportunistic reclaim keeps the ring from stalling between
	// completion interrupts.
	done := c.reclaimTxLocked()
	c.txBusy = c.tx.full()
	c.mu.Unlock()
	for _, rb := range done {
		c.host.DataSent(rb.buf, nil)
	}
	return nil
}

func (c *Card) txWrReg() uint32 {
	if c.prof.ADMA {
		return AdmaChan(AdmaChanTx, AdmaWrPtr)
	}
	return RegTxWrPtr
}

func (c *Card) txRdReg() uint32 {
	if c.prof.ADMA {
		return AdmaChan(AdmaChanTx, AdmaRdPtr)
	}
	return RegTxRdPtr
}

func (c *Card) rxWrReg() uint32 {
	if c.prof.ADMA {
		return AdmaChan(AdmaChanRx, AdmaWrPtr)
	}
	return RegRxWrPtr
}

func (c *Card) rxRdReg() uint32 {
	if c.prof.ADMA {
		return AdmaChan(AdmaChanRx, AdmaRdPtr)
	}
	return RegRxRdPtr
}

func (c *Card) evtWrReg() uint32 {
	if c.prof.ADMA {
		return AdmaChan(AdmaChanEvt, AdmaWrPtr)
	}
	return RegEvtWrPtr
}

func (c *Card) evtRdReg() uint32 {
	if c.prof.ADMA {
		return AdmaChan(AdmaChanEvt, AdmaRdPtr)
	}
	return RegEvtRdPtr
}

// writeAll writes off/val pairs, stopping at the first failure.
func (c *Card) writeAll(pairs ...uint32) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := c.regs.Write32(pairs[i], pairs[i+1]); err != nil {
			return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
		}
	}
	return nil
}

// WakeupCard implements wlcore.Transport: it rings the wakeup doorbell.
// Completion arrives as the woken interrupt.
func (c *Card) WakeupCard(wait bool) error {
	if err := c.regs.Write32(RegDoorbell, DbWakeup); err != nil {
		return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
	}
	if !wait {
		return nil
	}
	for i := 0; i < 50; i++ {
		c.mu.Lock()
		woke := c.pendingInts&IntWoken != 0
		c.mu.Unlock()
		if woke {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	return wlcore.ErrTimeout
}

// ResetCard implements wlcore.Transport.
func (c *Card) ResetCard() error {
	c.mu.Lock()
	c.cmdPosted = false
	c.sleepPosted = false
	c.pendingInts = 0
	c.mu.Unlock()
	if err := c.regs.Write32(RegDoorbell, DbReset); err != nil {
		return fmt.Errorf("%w: %w", wlcore.ErrTransportError, err)
	}
	return nil
}

// Debug implements wlcore.Transport.
func (c *Card) Debug() wlcore.TransportDebug {
	c.mu.Lock()
	defer c.mu.Unlock()
	td := wlcore.TransportDebug{
		TxWrPtr:   c.tx.wr,
		TxRdPtr:   c.tx.rd,
		RxRdPtr:   c.rx.rd,
		EvtRdPtr:  c.evt.rd,
		CmdPosted: c.cmdPosted,
	}
	if v, err := c.regs.Read32(c.rxWrReg()); err == nil {
		td.RxWrPtr = v
	}
	if v, err := c.regs.Read32(c.evtWrReg()); err == nil {
		td.EvtWrPtr = v
	}
	if v, err := c.regs.Read32(RegSleepCookie); err == nil {
		td.SleepCookie = v
	}
	return td
}

func (c *Card) debug(msg string, attrs ...slog.Attr) { c.logattrs(slog.LevelDebug, msg, attrs...) }
func (c *Card) trace(msg string, attrs ...slog.Attr) { c.logattrs(slog.LevelDebug-1, msg, attrs...) }
func (c *Card) warn(msg string, attrs ...slog.Attr)  { c.logattrs(slog.LevelWarn, msg, attrs...) }

func (c *Card) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if c.log == nil {
		return
	}
	c.log.LogAttrs(context.Background(), level, msg, attrs...)
}
