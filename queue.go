package wlcore

import (
	"log/slog"

	"github.com/openwlan/wlcore/fwp"
)

// allocNode leases a node from the free queue. Consecutive failures past
// the configured threshold produce a diagnostic dump, throttled so a
// submission storm cannot flood the log; the counters reset on the next
// successful lease.
func (d *Adapter) allocNode() (*CommandNode, error) {
	d.mu.Lock()
	node := d.free.popHead()
	if node != nil {
		d.allocFails = 0
		d.allocDumped = 0
		d.mu.Unlock()
		return node, nil
	}
	d.allocFails++
	fails := d.allocFails
	dump := false
	if fails == d.cfg.ExhaustDumpThreshold ||
		(fails > d.cfg.ExhaustDumpThreshold && fails-d.allocDumped >= d.cfg.ExhaustDumpEvery) {
		d.allocDumped = fails
		dump = true
	}
	d.mu.Unlock()

	d.mt.nodeExhausted.Inc(1)
	if dump {
		d.dumpDiag("command node pool exhausted", slog.Int("consecutive_failures", fails))
	}
	return nil, ErrNoFreeNode
}

// enqueue places a prepared node on the pending queue, or on scan-pending
// when an extended scan is active and the opcode is not scan exempt.
//
// One override: the power-save disable command goes to the head whenever
// the card is not awake, so it reaches firmware before the device sleeps.
func (d *Adapter) enqueue(node *CommandNode, toTail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scanActive && !fwp.ScanExempt(node.op) {
		d.trace("queue: scan gate", slog.Uint64("op", uint64(node.op)))
		d.scanPending.pushTail(node)
		return
	}
	if node.op == fwp.CmdPsMode && node.action == fwp.ActionDisAutoPs && d.power != PowerAwake {
		toTail = false
	}
	if toTail {
		d.pending.pushTail(node)
	} else {
		d.pending.pushHead(node)
	}
}

// drainScanPending moves every scan-gated node onto the pending tail.
// Called when a scan session ends. Caller holds d.mu.
func (d *Adapter) drainScanPending() {
	for {
		node := d.scanPending.popHead()
		if node == nil {
			return
		}
		d.pending.pushTail(node)
	}
}

// ExecuteNext promotes the pending head into the current slot and
// downloads it. A no-op while a command is already in flight. The engine
// calls it after every enqueue and every completion; callers that hit
// ErrTransportBusy may call it again after the next reclaim.
func (d *Adapter) ExecuteNext() error {
	d.mu.Lock()
	if d.cur != nil || d.downloading {
		d.mu.Unlock()
		return errAlreadyInFlight
	}
	if d.pending.len() == 0 {
		d.mu.Unlock()
		return nil
	}
	if d.power != PowerAwake {
		// The submit path wakes the card before queued work reaches
		// here; arriving in any other state is a state machine bug.
		// Log it and abort the attempt rather than crash.
		power := d.power
		d.mu.Unlock()
		d.logerr("ExecuteNext in sleep state", slog.String("power", power.String()))
		return errAdapterAsleep
	}
	node := d.pending.popHead()
	d.downloading = true

	// Any command reaching firmware proves the host interface was not
	// idle: drop host-sleep bookkeeping, unless this is the host-sleep
	// configuration command itself.
	if d.hsActivated && node.op != fwp.CmdHsCfg {
		d.hsActivated = false
		d.trace("host sleep deactivated by command", slog.Uint64("op", uint64(node.op)))
	}
	d.mu.Unlock()

	return d.download(node)
}

// releaseNode completes the caller context from the node's recorded error
// state, clears the node and returns it to the free queue. Exactly once
// per lifecycle: a node already on the free queue is left alone and the
// double release logged.
func (d *Adapter) releaseNode(node *CommandNode) {
	d.mu.Lock()
	if node.q == &d.free {
		d.mu.Unlock()
		d.logerr("double release of command node", slog.Uint64("op", uint64(node.op)))
		return
	}
	if node.q != nil {
		node.q.unlink(node)
	}
	if d.cur == node {
		d.cur = nil
	}
	cc, err := node.ctx, node.err
	node.owner = nil
	node.op = fwp.CmdInvalid
	node.action = 0
	node.seq = 0
	node.flags = 0
	node.ctx = nil
	node.aux = nil
	node.cmdLen = 0
	node.resp = nil
	node.err = nil
	d.free.pushTail(node)
	d.mu.Unlock()

	if cc != nil {
		cc.complete(err)
	}
	// A released command may have been the last thing holding the sleep
	// gate closed.
	d.trySleepConfirm()
}

// dumpDiag logs a structured diagnostic snapshot: in-flight and queued
// command ids, queue depths, recent traffic history and the transport's
// ring cursors.
func (d *Adapter) dumpDiag(reason string, extra ...slog.Attr) {
	d.mu.Lock()
	var curOp fwp.Opcode
	var curSeq uint16
	if d.cur != nil {
		curOp = d.cur.op
		curSeq = d.cur.seq
	}
	pendingOps := make([]uint16, 0, d.pending.len())
	d.pending.forEach(func(n *CommandNode) {
		pendingOps = append(pendingOps, uint16(n.op))
	})
	free, pend, scanPend := d.free.len(), d.pending.len(), d.scanPending.len()
	recent := d.dbg.recentCmds()
	events := d.dbg.recentEvents()
	power := d.power
	tr := d.tr
	d.mu.Unlock()

	attrs := []slog.Attr{
		slog.Uint64("cur_op", uint64(curOp)),
		slog.Uint64("cur_seq", uint64(curSeq)),
		slog.Any("pending_ops", pendingOps),
		slog.Int("free", free),
		slog.Int("pending", pend),
		slog.Int("scan_pending", scanPend),
		slog.String("power", power.String()),
		slog.Any("recent_cmds", recent),
		slog.Any("recent_events", events),
	}
	if tr != nil {
		td := tr.Debug()
		attrs = append(attrs,
			slog.Uint64("tx_wrptr", uint64(td.TxWrPtr)),
			slog.Uint64("tx_rdptr", uint64(td.TxRdPtr)),
			slog.Uint64("rx_wrptr", uint64(td.RxWrPtr)),
			slog.Uint64("rx_rdptr", uint64(td.RxRdPtr)),
			slog.Uint64("evt_wrptr", uint64(td.EvtWrPtr)),
			slog.Uint64("evt_rdptr", uint64(td.EvtRdPtr)),
			slog.Bool("cmd_posted", td.CmdPosted),
		)
	}
	attrs = append(attrs, extra...)
	d.logerr(reason, attrs...)
}
