package wlcore

import (
	"context"

	"log/slog"

	"github.com/openwlan/wlcore/fwp"
)

// levelTrace is more verbose than slog.LevelDebug and prints every queue
// transition. A nil adapter logger disables all output.
const levelTrace slog.Level = slog.LevelDebug - 1

func (d *Adapter) logerr(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}

func (d *Adapter) warn(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelWarn, msg, attrs...)
}

func (d *Adapter) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}

func (d *Adapter) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}

func (d *Adapter) trace(msg string, attrs ...slog.Attr) {
	d.logattrs(levelTrace, msg, attrs...)
}

func (d *Adapter) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.logger == nil {
		return
	}
	d.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Dump logs the diagnostic snapshot on demand: queue depths, in-flight
// command, recent traffic history and the transport's ring cursors.
func (d *Adapter) Dump(reason string) {
	d.dumpDiag(reason)
}

// cmdHistoryDepth is how many recently downloaded commands and received
// events the adapter remembers for the diagnostic dump.
const cmdHistoryDepth = 10

// cmdRecord is one entry in the download history.
type cmdRecord struct {
	Op     fwp.Opcode
	Action uint16
	Seq    uint16
}

// debugLog keeps fixed-depth histories of command and event traffic.
// Indexes point at the most recently written entry. Guarded by the queue
// mutex on the command side and by the single event context on the event
// side.
type debugLog struct {
	lastCmd  [cmdHistoryDepth]cmdRecord
	cmdIdx   int
	lastResp [cmdHistoryDepth]fwp.Opcode
	respIdx  int
	lastEvt  [cmdHistoryDepth]fwp.EventCode
	evtIdx   int
}

func (dl *debugLog) recordCmd(op fwp.Opcode, action, seq uint16) {
	dl.cmdIdx = (dl.cmdIdx + 1) % cmdHistoryDepth
	dl.lastCmd[dl.cmdIdx] = cmdRecord{Op: op, Action: action, Seq: seq}
}

func (dl *debugLog) recordResp(op fwp.Opcode) {
	dl.respIdx = (dl.respIdx + 1) % cmdHistoryDepth
	dl.lastResp[dl.respIdx] = op
}

func (dl *debugLog) recordEvent(code fwp.EventCode) {
	dl.evtIdx = (dl.evtIdx + 1) % cmdHistoryDepth
	dl.lastEvt[dl.evtIdx] = code
}

// recentCmds returns the download history newest first.
func (dl *debugLog) recentCmds() []cmdRecord {
	out := make([]cmdRecord, 0, cmdHistoryDepth)
	for i := 0; i < cmdHistoryDepth; i++ {
		rec := dl.lastCmd[(dl.cmdIdx-i+cmdHistoryDepth)%cmdHistoryDepth]
		if rec.Op == fwp.CmdInvalid {
			break
		}
		out = append(out, rec)
	}
	return out
}

// recentEvents returns the event history newest first.
func (dl *debugLog) recentEvents() []fwp.EventCode {
	out := make([]fwp.EventCode, 0, cmdHistoryDepth)
	for i := 0; i < cmdHistoryDepth; i++ {
		code := dl.lastEvt[(dl.evtIdx-i+cmdHistoryDepth)%cmdHistoryDepth]
		if code == 0 {
			break
		}
		out = append(out, code)
	}
	return out
}
