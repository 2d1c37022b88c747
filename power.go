package wlcore

import (
	"context"

	"log/slog"

	"github.com/openwlan/wlcore/fwp"
)

// Init brings the firmware function up. A response timeout during this
// window aborts initialization instead of emitting a debug-dump event.
func (d *Adapter) Init(ctx context.Context, ifc *Iface) error {
	d.mu.Lock()
	d.initializing = true
	d.mu.Unlock()

	cc := NewCallerContext(nil)
	err := d.Submit(ifc, fwp.CmdFuncInit, fwp.ActionSet, nil, cc)
	if err == nil {
		err = cc.Wait(ctx)
	}
	d.mu.Lock()
	d.initializing = false
	d.mu.Unlock()
	return err
}

// Shutdown sends the firmware shutdown command, then cancels everything
// still queued. Further submissions fail.
func (d *Adapter) Shutdown(ctx context.Context, ifc *Iface) error {
	cc := NewCallerContext(nil)
	err := d.Submit(ifc, fwp.CmdFuncShutdown, fwp.ActionSet, nil, cc)
	if err == nil {
		err = cc.Wait(ctx)
	}
	d.mu.Lock()
	d.isShutdown = true
	d.mu.Unlock()
	d.CancelAll()
	return err
}

// ScanDone ends the scan session: commands held on the scan-pending queue
// move to the pending tail and the next one downloads. The scan
// translator calls this when the report event says the scan finished; the
// engine calls it itself when a scan command fails, times out or is
// canceled.
func (d *Adapter) ScanDone() {
	d.mu.Lock()
	if !d.scanActive && d.scanPending.len() == 0 {
		d.mu.Unlock()
		return
	}
	d.scanActive = false
	d.drainScanPending()
	d.mu.Unlock()
	d.trace("scan session ended")
	d.ExecuteNext()
}

// ScanActive reports whether commands are currently being scan gated.
func (d *Adapter) ScanActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scanActive
}

// ConfigureHostSleep records that host sleep has been negotiated with the
// firmware (the HsCfg exchange itself goes through Submit like any other
// command). Once configured, entering sleep emits the host-sleep-activated
// notification exactly once.
func (d *Adapter) ConfigureHostSleep(on bool) {
	d.mu.Lock()
	d.hsConfigured = on
	if !on {
		d.hsActivated = false
	}
	d.mu.Unlock()
}

// HoldAwake pins the card awake by policy; sleep confirmation is deferred
// while set.
func (d *Adapter) HoldAwake(on bool) {
	d.mu.Lock()
	d.holdAwake = on
	d.mu.Unlock()
	if !on {
		d.trySleepConfirm()
	}
}

// sleepGate evaluates the conditions that must all be false before the
// host may confirm a firmware sleep request. It returns the first holding
// reason, or "" when sleep may be confirmed. Caller holds d.mu.
func (d *Adapter) sleepGate() string {
	switch {
	case d.downloading:
		return "command downloading"
	case d.cur != nil:
		return "command in flight"
	case d.holdAwake:
		return "held awake by policy"
	case d.txPending > 0:
		return "pending tx data"
	case d.rxPending > 0:
		return "unconsumed notifications"
	}
	return ""
}

// FirmwareRequestsSleep is invoked from the event path when the firmware
// announces it wants to sleep (EvPsSleep). The confirmation is attempted
// immediately; a holding condition defers it and the caller re-invokes on
// the next relevant completion.
func (d *Adapter) FirmwareRequestsSleep() {
	d.mu.Lock()
	if d.power == PowerAsleep || d.power == PowerSleepConfirmPending {
		d.mu.Unlock()
		return
	}
	d.power = PowerPreSleep
	d.mu.Unlock()
	d.trySleepConfirm()
}

// trySleepConfirm pokes the sleep acknowledgement at the card when the
// gate is clear.
func (d *Adapter) trySleepConfirm() {
	d.mu.Lock()
	if d.power != PowerPreSleep {
		d.mu.Unlock()
		return
	}
	if reason := d.sleepGate(); reason != "" {
		d.mu.Unlock()
		d.mt.sleepDeferred.Inc(1)
		d.debug("sleep confirm deferred", slog.String("reason", reason))
		return
	}
	tr := d.tr
	d.power = PowerSleepConfirmPending
	d.mu.Unlock()

	headroom := tr.HeaderLen()
	buf := make([]byte, headroom+fwp.SleepConfirmLen)
	fwp.SleepConfirm{Action: fwp.ActionSet, Resp: fwp.SleepConfirmRespBit}.Put(buf[headroom:])
	if err := tr.HostToCard(BufCmd, buf, nil); err != nil {
		d.logerr("sleep confirm post failed", slog.String("err", err.Error()))
		d.mu.Lock()
		d.power = PowerPreSleep
		d.mu.Unlock()
		return
	}
	d.trace("sleep confirm posted")
}

// FirmwareSleeping implements Host: the card consumed the sleep
// confirmation.
func (d *Adapter) FirmwareSleeping() {
	d.sleepConfirmed()
}

// sleepConfirmed moves the power bookkeeping to Asleep and delivers the
// one-shot host-sleep-activated notification when host sleep is
// configured.
func (d *Adapter) sleepConfirmed() {
	d.mu.Lock()
	d.power = PowerAsleep
	notify := d.hsConfigured && !d.hsActivated
	if notify {
		d.hsActivated = true
	}
	d.mu.Unlock()
	d.debug("card asleep")
	if notify {
		d.deliverHostEvent(nil, fwp.EvHsActConfirm)
	}
}

// CardWoken implements Host: wakeup finished, resume queued downloads.
func (d *Adapter) CardWoken() {
	d.mu.Lock()
	d.power = PowerAwake
	d.wakePending = false
	d.mu.Unlock()
	d.debug("card awake")
	d.ExecuteNext()
}
