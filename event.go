package wlcore

import (
	"log/slog"

	"github.com/openwlan/wlcore/fwp"
)

// Event implements Host: it demultiplexes one asynchronous firmware event
// buffer. The firmware keeps exactly one event in flight, so this path is
// single-context; the ring slot backing buf recycles only once
// Transport.EventComplete runs, which happens here after the handler
// returns.
func (d *Adapter) Event(buf []byte) error {
	hdr, err := fwp.DecodeEventHeader(buf)
	if err != nil {
		d.logerr("short event buffer", slog.Int("len", len(buf)))
		return d.eventDone(buf, err)
	}
	if hdr.Type != fwp.TypeEvent {
		d.logerr("event buffer with wrong type tag", slog.Uint64("type", uint64(hdr.Type)))
		return d.eventDone(buf, nil)
	}
	code, ifaceIdx, _ := fwp.SplitCause(hdr.Cause)
	body := buf[fwp.EventHeaderLen:]

	d.mu.Lock()
	d.dbg.recordEvent(code)
	d.mu.Unlock()
	d.mt.eventsDispatched.Inc(1)
	d.trace("event", slog.Uint64("code", uint64(code)), slog.Uint64("iface", uint64(ifaceIdx)))

	// Power-state events drive the synchronizer before (and regardless
	// of) interface delivery.
	switch code {
	case fwp.EvPsSleep:
		d.FirmwareRequestsSleep()
	case fwp.EvPsAwake:
		d.mu.Lock()
		d.power = PowerAwake
		d.wakePending = false
		d.mu.Unlock()
		defer d.ExecuteNext()
	}

	d.mu.Lock()
	ifc := d.iface(ifaceIdx)
	if ifc == nil {
		ifc = d.anyIface()
	}
	var handler EventHandler
	var radarPrep func([]byte) error
	if ifc != nil {
		handler = ifc.handler
		radarPrep = ifc.radarPrep
	}
	d.mu.Unlock()

	if code == fwp.EvRadarDetected && radarPrep != nil {
		// Radar reports need channel validation before anyone acts on
		// them; a failed pre-process reroutes to diagnostics instead of
		// the interface handler.
		if err := radarPrep(body); err != nil {
			d.dumpDiag("radar event pre-processing failed", slog.String("err", err.Error()))
			return d.eventDone(buf, nil)
		}
	}

	if handler == nil {
		d.trace("event dropped, no handler", slog.Uint64("code", uint64(code)))
		return d.eventDone(buf, nil)
	}
	if err := handler(code, body); err != nil {
		d.warn("event handler failed",
			slog.Uint64("code", uint64(code)), slog.String("err", err.Error()))
	}
	return d.eventDone(buf, nil)
}

// eventDone returns the event buffer to the transport so the ring slot
// can recycle.
func (d *Adapter) eventDone(buf []byte, err error) error {
	d.mu.Lock()
	tr := d.tr
	d.mu.Unlock()
	if tr != nil {
		if cerr := tr.EventComplete(buf); cerr != nil {
			d.logerr("event complete", slog.String("err", cerr.Error()))
			if err == nil {
				err = cerr
			}
		}
	}
	return err
}
