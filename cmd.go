package wlcore

import (
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/openwlan/wlcore/fwp"
)

// Encoder fills the opcode-specific payload of a command. It returns the
// payload length. The roughly hundred per-opcode translators live outside
// this package and register themselves here; an unregistered opcode gets
// an empty payload.
type Encoder func(action uint16, aux any, payload []byte) (int, error)

// Decoder parses the opcode-specific payload of a response into the
// caller context. payload excludes the generic header.
type Decoder func(payload []byte, cc *CallerContext) error

// RegisterEncoder installs the payload encoder for op.
func (d *Adapter) RegisterEncoder(op fwp.Opcode, enc Encoder) {
	d.mu.Lock()
	d.encoders[op] = enc
	d.mu.Unlock()
}

// RegisterDecoder installs the response decoder for op.
func (d *Adapter) RegisterDecoder(op fwp.Opcode, dec Decoder) {
	d.mu.Lock()
	d.decoders[op] = dec
	d.mu.Unlock()
}

// Submit leases a node, encodes the command and queues it for download.
// It returns nil when the command is queued; completion including failure
// is delivered asynchronously through cc.
//
// An op of fwp.CmdInvalid (zero) submits a raw host command: aux must be
// a fully formed wire buffer beginning with the generic header, and the
// caller context receives the raw response bytes instead of a decode.
func (d *Adapter) Submit(ifc *Iface, op fwp.Opcode, action uint16, aux any, cc *CallerContext) error {
	d.mu.Lock()
	tr := d.tr
	down := d.isShutdown
	d.mu.Unlock()
	if tr == nil {
		return ErrTransportError
	}
	if down {
		return errShutdown
	}

	node, err := d.allocNode()
	if err != nil {
		return err
	}
	node.owner = ifc
	node.ctx = cc
	node.aux = aux

	headroom := tr.HeaderLen()
	if op == fwp.CmdInvalid {
		err = d.prepareRaw(node, headroom, aux)
	} else {
		err = d.prepare(node, headroom, op, action, aux)
	}
	if err != nil {
		// Encode failure bypasses the queue entirely.
		node.err = err
		d.releaseNode(node)
		return err
	}

	d.enqueue(node, true)
	d.kick()
	return nil
}

// SubmitRaw submits an already formed command buffer.
func (d *Adapter) SubmitRaw(ifc *Iface, raw []byte, cc *CallerContext) error {
	return d.Submit(ifc, fwp.CmdInvalid, 0, raw, cc)
}

// prepare encodes an ordinary command into the node's wire buffer. The
// generic header is written now except for the sequence word, which is
// stamped at download time.
func (d *Adapter) prepare(node *CommandNode, headroom int, op fwp.Opcode, action uint16, aux any) error {
	d.mu.Lock()
	enc := d.encoders[op]
	d.mu.Unlock()

	node.op = op
	node.action = action
	if fwp.IsScanClass(op) {
		node.flags |= flagScan
	}
	payload := node.cmd[headroom+fwp.CmdHeaderLen:]
	var n int
	if enc != nil {
		var err error
		n, err = enc(action, aux, payload)
		if err != nil {
			return err
		}
		if n > len(payload) {
			return errCmdTooLarge
		}
	}
	node.cmdLen = headroom + fwp.CmdHeaderLen + n
	hdr := fwp.CmdHeader{Opcode: op, Size: uint16(fwp.CmdHeaderLen + n)}
	hdr.Put(node.cmd[headroom:])
	return nil
}

// prepareRaw copies a caller-formed buffer and lifts the opcode out of
// its header.
func (d *Adapter) prepareRaw(node *CommandNode, headroom int, aux any) error {
	raw, ok := aux.([]byte)
	if !ok {
		return errBadRawCmd
	}
	hdr, err := fwp.DecodeCmdHeader(raw)
	if err != nil {
		return errBadRawCmd
	}
	if headroom+len(raw) > len(node.cmd) {
		return errCmdTooLarge
	}
	node.op = hdr.Opcode
	node.flags |= flagRaw
	if fwp.IsScanClass(hdr.Opcode) {
		node.flags |= flagScan
	}
	copy(node.cmd[headroom:], raw)
	node.cmdLen = headroom + len(raw)
	return nil
}

// kick starts the next download, waking the card first when it sleeps.
func (d *Adapter) kick() {
	d.mu.Lock()
	if d.power != PowerAwake {
		tr := d.tr
		already := d.wakePending
		d.wakePending = true
		d.mu.Unlock()
		if !already && tr != nil {
			if err := tr.WakeupCard(false); err != nil {
				d.logerr("wakeup card", slog.String("err", err.Error()))
				// Unlatch so the next submit retries the doorbell;
				// otherwise the pending queue wedges with no timer armed.
				d.mu.Lock()
				d.wakePending = false
				d.mu.Unlock()
			}
		}
		return
	}
	d.mu.Unlock()
	d.ExecuteNext()
}

// cmdTimeoutTier picks the response deadline for a node.
func (d *Adapter) cmdTimeoutTier(node *CommandNode) time.Duration {
	switch {
	case node.op == fwp.CmdFuncInit || node.op == fwp.CmdFuncShutdown:
		return d.cfg.InitCmdTimeout
	case node.flags&flagScan != 0:
		return d.cfg.ScanCmdTimeout
	}
	return d.cfg.CmdTimeout
}

// download stamps the sequence word, arms the response timer and hands
// the wire buffer to the transport. Runs only on nodes ExecuteNext just
// promoted out of the pending queue.
func (d *Adapter) download(node *CommandNode) error {
	headroom := d.tr.HeaderLen()

	noResp := fwp.HasNoResponse(node.op)

	d.mu.Lock()
	d.seqno++
	var ifaceIdx uint8
	role := fwp.RoleStation
	if node.owner != nil {
		ifaceIdx = node.owner.index
		role = node.owner.role
	}
	node.seq = fwp.PackSeq(d.seqno, ifaceIdx, role)
	d.dbg.recordCmd(node.op, node.action, node.seq)
	if !noResp {
		// Claim the current slot and arm the timer before the transport
		// sees the buffer: the completion interrupt may deliver the
		// response before HostToCard returns.
		d.cur = node
		d.timerGen++
		gen := d.timerGen
		d.timer = time.AfterFunc(d.cmdTimeoutTier(node), func() { d.cmdTimeout(gen) })
		if node.op == fwp.CmdExtScan || node.op == fwp.CmdAcsScan {
			d.scanActive = true
		}
	}
	d.mu.Unlock()

	fwp.Order.PutUint16(node.cmd[headroom+4:], node.seq)

	d.debug("cmd download",
		slog.Uint64("op", uint64(node.op)),
		slog.Uint64("action", uint64(node.action)),
		slog.Uint64("seq", uint64(node.seq)),
		slog.Int("len", node.cmdLen-headroom),
	)

	err := d.tr.HostToCard(BufCmd, node.cmd[:node.cmdLen], nil)
	if err != nil {
		d.mu.Lock()
		d.downloading = false
		stillOurs := d.cur == node
		if stillOurs {
			d.stopTimerLocked()
			d.cur = nil
		}
		d.mu.Unlock()
		d.mt.cmdDownloadFail.Inc(1)
		if errors.Is(err, ErrTransportBusy) {
			d.mt.ringBusy.Inc(1)
		}
		d.logerr("cmd download failed",
			slog.Uint64("op", uint64(node.op)), slog.String("err", err.Error()))
		if !stillOurs {
			// The response or the timer already settled the command
			// while the transport call was failing.
			return err
		}
		node.err = errors.Join(ErrDownloadFailed, err)
		if node.flags&flagScan != 0 {
			d.ScanDone()
		}
		d.releaseNode(node)
		return err
	}
	d.mt.cmdDownloaded.Inc(1)

	if noResp {
		// Soft reset and dump trigger never answer; the command is done
		// the moment the transport takes it.
		d.mu.Lock()
		d.downloading = false
		d.mu.Unlock()
		node.err = nil
		d.releaseNode(node)
		return nil
	}

	d.mu.Lock()
	d.downloading = false
	settled := d.cur != node
	d.mu.Unlock()
	if settled {
		// The response (or the timer) consumed the command while the
		// transport call was still in flight; pick up whatever queued
		// behind it.
		d.trySleepConfirm()
		d.ExecuteNext()
	}
	return nil
}

// stopTimerLocked consumes the armed response timer. Caller holds d.mu.
// Bumping the generation makes a concurrently firing timer a no-op.
func (d *Adapter) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.timerGen++
}

// CmdResponse implements Host: it correlates a response buffer delivered
// by the transport with the in-flight command. The buffer excludes the
// transport header and is only valid for the duration of the call.
func (d *Adapter) CmdResponse(buf []byte) error {
	err := d.handleCmdResponse(buf)
	d.mu.Lock()
	tr := d.tr
	d.mu.Unlock()
	if tr != nil {
		if cerr := tr.CmdrspComplete(buf); cerr != nil {
			d.warn("cmdrsp complete", slog.String("err", cerr.Error()))
		}
	}
	return err
}

func (d *Adapter) handleCmdResponse(buf []byte) error {
	hdr, err := fwp.DecodeCmdHeader(buf)
	if err != nil {
		d.logerr("short command response", slog.Int("len", len(buf)))
		return err
	}
	respOp := hdr.Opcode &^ fwp.RspBit

	d.mu.Lock()
	node := d.cur
	if node == nil {
		// Late response after a timeout or cancel released the command.
		// Reject it; the node must not be touched again.
		d.mu.Unlock()
		d.warn("unsolicited command response", slog.Uint64("op", uint64(respOp)))
		return nil
	}
	if respOp != node.op {
		d.stopTimerLocked()
		d.cur = nil
		d.mu.Unlock()
		d.logerr("response opcode mismatch",
			slog.Uint64("got", uint64(respOp)),
			slog.Uint64("want", uint64(node.op)),
			slog.Uint64("seq", uint64(hdr.Seq)),
		)
		node.err = ErrProtocolMismatch
		if node.flags&flagScan != 0 {
			d.ScanDone()
		}
		d.releaseNode(node)
		return ErrProtocolMismatch
	}
	d.stopTimerLocked()
	d.cur = nil
	d.consecTimeouts = 0
	d.dbg.recordResp(respOp)
	canceled := node.flags&flagCanceled != 0
	raw := node.flags&flagRaw != 0
	var dec Decoder
	if !canceled && !raw {
		dec = d.decoders[respOp]
	}
	cc := node.ctx
	d.mu.Unlock()

	if raw && !canceled && cc != nil {
		// Raw callers asked for the wire bytes; they get them even when
		// the firmware reports failure.
		cc.RawResp = append(cc.RawResp[:0], buf...)
	}
	switch {
	case canceled:
		node.err = ErrCanceled
	case hdr.Result != fwp.ResultOK:
		node.err = fmt.Errorf("%w: op %#04x result %#04x", errFwStatus, uint16(respOp), hdr.Result)
	case dec != nil:
		node.err = dec(buf[fwp.CmdHeaderLen:], cc)
	}
	d.mt.cmdCompleted.Inc(1)
	if node.op == fwp.CmdSleepConfirm {
		d.sleepConfirmed()
	}
	d.releaseNode(node)
	d.ExecuteNext()
	return nil
}

// cmdTimeout fires when no response arrived before the deadline. The
// generation check keeps a late fire from touching a command that
// completed while the timer callback was queued.
func (d *Adapter) cmdTimeout(gen uint64) {
	d.mu.Lock()
	if gen != d.timerGen || d.cur == nil {
		d.mu.Unlock()
		return
	}
	node := d.cur
	d.cur = nil
	d.timer = nil
	d.timerGen++
	d.consecTimeouts++
	consec := d.consecTimeouts
	initializing := d.initializing
	owner := node.owner
	scanClass := node.flags&flagScan != 0
	d.mu.Unlock()

	d.mt.cmdTimedOut.Inc(1)
	d.dumpDiag("command response timeout",
		slog.Uint64("op", uint64(node.op)),
		slog.Uint64("seq", uint64(node.seq)),
		slog.Int("consecutive", consec),
	)

	node.err = ErrTimeout
	if scanClass {
		d.ScanDone()
	}
	d.releaseNode(node)

	if initializing {
		// A timeout mid-init means the firmware never came up; abort
		// the bring-up rather than soldier on.
		d.logerr("init aborted by command timeout")
		d.CancelAll()
		return
	}
	d.deliverHostEvent(owner, fwp.EvDriverDebugDump)
	d.ExecuteNext()
}

// Cancel cancels the command owning cc. A queued node is unlinked and
// released immediately; the in-flight node is only marked, its context
// detached and completed, and the eventual response discarded. In-flight
// DMA is never aborted.
func (d *Adapter) Cancel(cc *CallerContext) {
	if cc == nil {
		return
	}
	d.mu.Lock()
	if node := d.cur; node != nil && node.ctx == cc {
		node.flags |= flagCanceled
		node.ctx = nil
		d.mu.Unlock()
		d.mt.cmdCanceled.Inc(1)
		cc.complete(ErrCanceled)
		return
	}
	node := d.findQueued(func(n *CommandNode) bool { return n.ctx == cc })
	d.mu.Unlock()
	if node != nil {
		d.mt.cmdCanceled.Inc(1)
		node.err = ErrCanceled
		d.releaseNode(node)
	}
}

// CancelScan cancels every scan-class command, queued or in flight, and
// ends the scan session.
func (d *Adapter) CancelScan() {
	d.cancelBulk(func(n *CommandNode) bool { return n.flags&flagScan != 0 })
	d.ScanDone()
}

// CancelByIface cancels every command owned by ifc, queued, scan-pending
// or in flight. Used on interface teardown.
func (d *Adapter) CancelByIface(ifc *Iface) {
	d.cancelBulk(func(n *CommandNode) bool { return n.owner == ifc })
}

// CancelAll cancels everything. Used on shutdown and aborted init.
func (d *Adapter) CancelAll() {
	d.cancelBulk(func(n *CommandNode) bool { return true })
}

// findQueued returns the first pending or scan-pending node matching the
// predicate. Caller holds d.mu.
func (d *Adapter) findQueued(match func(*CommandNode) bool) *CommandNode {
	for node := d.pending.head; node != nil; node = node.next {
		if match(node) {
			return node
		}
	}
	for node := d.scanPending.head; node != nil; node = node.next {
		if match(node) {
			return node
		}
	}
	return nil
}

// cancelBulk cancels all matching nodes in both queues plus the current
// slot. Queue flushing happens under the lock; releases after.
func (d *Adapter) cancelBulk(match func(*CommandNode) bool) {
	var victims []*CommandNode
	var detached *CallerContext

	d.mu.Lock()
	collect := func(n *CommandNode) {
		if match(n) {
			victims = append(victims, n)
		}
	}
	d.pending.forEach(collect)
	d.scanPending.forEach(collect)
	for _, n := range victims {
		n.q.unlink(n)
	}
	if node := d.cur; node != nil && match(node) && node.flags&flagCanceled == 0 {
		node.flags |= flagCanceled
		detached = node.ctx
		node.ctx = nil
	}
	d.mu.Unlock()

	for _, n := range victims {
		d.mt.cmdCanceled.Inc(1)
		n.err = ErrCanceled
		d.releaseNode(n)
	}
	if detached != nil {
		d.mt.cmdCanceled.Inc(1)
		detached.complete(ErrCanceled)
	}
}

// deliverHostEvent injects a host-generated event (never on the wire)
// into ifc's handler, falling back to any interface.
func (d *Adapter) deliverHostEvent(ifc *Iface, code fwp.EventCode) {
	d.mu.Lock()
	if ifc == nil {
		ifc = d.anyIface()
	}
	var h EventHandler
	if ifc != nil {
		h = ifc.handler
	}
	d.mu.Unlock()
	if h != nil {
		if err := h(code, nil); err != nil {
			d.warn("host event handler", slog.String("err", err.Error()))
		}
	}
}
