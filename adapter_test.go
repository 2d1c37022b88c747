package wlcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwlan/wlcore/fwp"
)

// fakeTransport records everything the engine pushes at it and lets the
// test play firmware by feeding responses back through the Host side.
type fakeTransport struct {
	mu        sync.Mutex
	cmds      [][]byte // framed command buffers, transport headroom included
	data      [][]byte
	completed [][]byte
	sleepCfms int
	wakeups   int
	resets    int
	failCmd   error
	failData  error
	failWake  error
}

func (ft *fakeTransport) HostToCard(typ BufType, buf []byte, p *TxParam) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	switch typ {
	case BufCmd:
		if ft.failCmd != nil {
			return ft.failCmd
		}
		op := fwp.Opcode(fwp.Order.Uint16(buf[4:]))
		if op == fwp.CmdSleepConfirm {
			ft.sleepCfms++
			return nil
		}
		ft.cmds = append(ft.cmds, append([]byte(nil), buf...))
	case BufData:
		if ft.failData != nil {
			return ft.failData
		}
		ft.data = append(ft.data, append([]byte(nil), buf...))
	}
	return nil
}

func (ft *fakeTransport) HeaderLen() int               { return 4 }
func (ft *fakeTransport) Interrupt(msgID uint32) error { return nil }
func (ft *fakeTransport) ProcessIntStatus() error      { return nil }

func (ft *fakeTransport) WakeupCard(wait bool) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.wakeups++
	return ft.failWake
}

func (ft *fakeTransport) wakeupCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.wakeups
}

func (ft *fakeTransport) ResetCard() error {
	ft.mu.Lock()
	ft.resets++
	ft.mu.Unlock()
	return nil
}

func (ft *fakeTransport) EventComplete(buf []byte) error {
	ft.mu.Lock()
	ft.completed = append(ft.completed, buf)
	ft.mu.Unlock()
	return nil
}

func (ft *fakeTransport) DataComplete(buf []byte) error   { return nil }
func (ft *fakeTransport) CmdrspComplete(buf []byte) error { return nil }
func (ft *fakeTransport) Debug() TransportDebug           { return TransportDebug{} }

func (ft *fakeTransport) cmdCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.cmds)
}

func (ft *fakeTransport) cmdAt(t *testing.T, i int) (fwp.CmdHeader, []byte) {
	t.Helper()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	require.Greater(t, len(ft.cmds), i, "command %d never downloaded", i)
	raw := ft.cmds[i]
	hdr, err := fwp.DecodeCmdHeader(raw[4:])
	require.NoError(t, err)
	return hdr, raw
}

func (ft *fakeTransport) sleepConfirms() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.sleepCfms
}

// respond builds the firmware answer to downloaded command i and feeds it
// through the response path.
func respond(t *testing.T, d *Adapter, ft *fakeTransport, i int, result uint16, payload []byte) {
	t.Helper()
	hdr, _ := ft.cmdAt(t, i)
	rsp := make([]byte, fwp.CmdHeaderLen+len(payload))
	fwp.CmdHeader{
		Opcode: hdr.Opcode | fwp.RspBit,
		Size:   uint16(len(rsp)),
		Seq:    hdr.Seq,
		Result: result,
	}.Put(rsp)
	copy(rsp[fwp.CmdHeaderLen:], payload)
	d.CmdResponse(rsp)
}

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *fakeTransport, *Iface) {
	t.Helper()
	d := New(cfg)
	ft := &fakeTransport{}
	d.Bind(ft)
	return d, ft, d.AddIface(fwp.RoleStation)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitRoundTrip(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	var decoded []byte
	d.RegisterEncoder(fwp.CmdMacControl, func(action uint16, aux any, payload []byte) (int, error) {
		payload[0] = byte(action)
		payload[1] = 0
		return 2, nil
	})
	d.RegisterDecoder(fwp.CmdMacControl, func(payload []byte, cc *CallerContext) error {
		decoded = append([]byte(nil), payload...)
		return nil
	})

	freeBefore, _, _ := d.QueueDepths()
	cc := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdMacControl, fwp.ActionSet, nil, cc))
	require.True(t, d.InFlight())

	hdr, raw := ft.cmdAt(t, 0)
	assert.Equal(t, fwp.CmdMacControl, hdr.Opcode)
	assert.Equal(t, uint16(fwp.CmdHeaderLen+2), hdr.Size)
	seqno, ifaceIdx, role := fwp.UnpackSeq(hdr.Seq)
	assert.Equal(t, uint16(1), seqno)
	assert.Equal(t, ifc.Index(), ifaceIdx)
	assert.Equal(t, fwp.RoleStation, role)
	assert.Equal(t, byte(fwp.ActionSet), raw[4+fwp.CmdHeaderLen])

	respond(t, d, ft, 0, fwp.ResultOK, []byte{0xca, 0xfe})
	require.NoError(t, cc.Wait(waitCtx(t)))
	assert.Equal(t, []byte{0xca, 0xfe}, decoded)

	assert.False(t, d.InFlight())
	freeAfter, pending, scanPending := d.QueueDepths()
	assert.Equal(t, freeBefore, freeAfter)
	assert.Zero(t, pending)
	assert.Zero(t, scanPending)
}

func TestSingleCommandInFlight(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	a, b := NewCallerContext(nil), NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, a))
	require.NoError(t, d.Submit(ifc, fwp.CmdMacAddr, fwp.ActionGet, nil, b))

	// The second command waits its turn.
	assert.Equal(t, 1, ft.cmdCount())
	assert.ErrorIs(t, d.ExecuteNext(), errAlreadyInFlight)

	respond(t, d, ft, 0, fwp.ResultOK, nil)
	require.NoError(t, a.Wait(waitCtx(t)))
	assert.Equal(t, 2, ft.cmdCount())
	hdr, _ := ft.cmdAt(t, 1)
	assert.Equal(t, fwp.CmdMacAddr, hdr.Opcode)

	respond(t, d, ft, 1, fwp.ResultOK, nil)
	require.NoError(t, b.Wait(waitCtx(t)))
}

func TestScanGating(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	scan := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdExtScan, fwp.ActionSet, nil, scan))
	require.True(t, d.ScanActive())

	// Ordinary commands hold on scan-pending; exempt ones pass through.
	gated := NewCallerContext(nil)
	exempt := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, gated))
	require.NoError(t, d.Submit(ifc, fwp.CmdAssociate, fwp.ActionSet, nil, exempt))
	_, pending, scanPending := d.QueueDepths()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, scanPending)

	// The scan command completing does not end the session; the report
	// event does, via ScanDone. The exempt command runs meanwhile.
	respond(t, d, ft, 0, fwp.ResultOK, nil)
	require.NoError(t, scan.Wait(waitCtx(t)))
	require.True(t, d.ScanActive())
	hdr, _ := ft.cmdAt(t, 1)
	assert.Equal(t, fwp.CmdAssociate, hdr.Opcode)
	respond(t, d, ft, 1, fwp.ResultOK, nil)
	require.NoError(t, exempt.Wait(waitCtx(t)))

	d.ScanDone()
	assert.False(t, d.ScanActive())
	hdr, _ = ft.cmdAt(t, 2)
	assert.Equal(t, fwp.CmdSnmpMib, hdr.Opcode)
	respond(t, d, ft, 2, fwp.ResultOK, nil)
	require.NoError(t, gated.Wait(waitCtx(t)))
}

func TestTimeoutThenLateResponse(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{CmdTimeout: 20 * time.Millisecond})

	var dumps []fwp.EventCode
	var mu sync.Mutex
	ifc.HandleEvents(func(code fwp.EventCode, body []byte) error {
		mu.Lock()
		dumps = append(dumps, code)
		mu.Unlock()
		return nil
	})

	cc := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, cc))
	assert.ErrorIs(t, cc.Wait(waitCtx(t)), ErrTimeout)
	assert.False(t, d.InFlight())

	// The host-generated debug-dump notification follows the completion.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dumps) == 1 && dumps[0] == fwp.EvDriverDebugDump
	}, time.Second, time.Millisecond)

	// The response eventually limps in; it must be discarded, not matched
	// to a node that was already released.
	respond(t, d, ft, 0, fwp.ResultOK, nil)
	assert.ErrorIs(t, cc.Status(), ErrTimeout)
	free, pending, _ := d.QueueDepths()
	assert.Equal(t, defaultNumNodes, free)
	assert.Zero(t, pending)
}

func TestCancelQueued(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	running := NewCallerContext(nil)
	queued := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, running))
	require.NoError(t, d.Submit(ifc, fwp.CmdMacAddr, fwp.ActionGet, nil, queued))

	d.Cancel(queued)
	assert.ErrorIs(t, queued.Wait(waitCtx(t)), ErrCanceled)
	_, pending, _ := d.QueueDepths()
	assert.Zero(t, pending)

	respond(t, d, ft, 0, fwp.ResultOK, nil)
	require.NoError(t, running.Wait(waitCtx(t)))
	// The canceled command never reached the transport.
	assert.Equal(t, 1, ft.cmdCount())
}

func TestCancelInFlight(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	cc := NewCallerContext(nil)
	next := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, cc))
	require.NoError(t, d.Submit(ifc, fwp.CmdMacAddr, fwp.ActionGet, nil, next))

	// In-flight cancel completes the caller immediately; the DMA is never
	// aborted and the eventual response is swallowed.
	d.Cancel(cc)
	assert.ErrorIs(t, cc.Wait(waitCtx(t)), ErrCanceled)
	require.True(t, d.InFlight())

	respond(t, d, ft, 0, fwp.ResultOK, nil)
	hdr, _ := ft.cmdAt(t, 1)
	assert.Equal(t, fwp.CmdMacAddr, hdr.Opcode)
	respond(t, d, ft, 1, fwp.ResultOK, nil)
	require.NoError(t, next.Wait(waitCtx(t)))

	free, _, _ := d.QueueDepths()
	assert.Equal(t, defaultNumNodes, free)
}

func TestCancelScan(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	scan := NewCallerContext(nil)
	gated := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdExtScan, fwp.ActionSet, nil, scan))
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, gated))

	d.CancelScan()
	assert.ErrorIs(t, scan.Wait(waitCtx(t)), ErrCanceled)
	assert.False(t, d.ScanActive())

	// The canceled scan still holds the current slot until its response is
	// swallowed; then the formerly gated command runs.
	respond(t, d, ft, 0, fwp.ResultOK, nil)
	hdr, _ := ft.cmdAt(t, 1)
	assert.Equal(t, fwp.CmdSnmpMib, hdr.Opcode)
	respond(t, d, ft, 1, fwp.ResultOK, nil)
	require.NoError(t, gated.Wait(waitCtx(t)))
}

func TestCancelByIface(t *testing.T) {
	d, ft, _ := newTestAdapter(t, Config{})
	sta := d.AddIface(fwp.RoleStation)
	ap := d.AddIface(fwp.RoleAP)

	inflight := NewCallerContext(nil)
	staCC := NewCallerContext(nil)
	apCC := NewCallerContext(nil)
	require.NoError(t, d.Submit(sta, fwp.CmdSnmpMib, fwp.ActionGet, nil, inflight))
	require.NoError(t, d.Submit(sta, fwp.CmdMacAddr, fwp.ActionGet, nil, staCC))
	require.NoError(t, d.Submit(ap, fwp.CmdApStart, fwp.ActionSet, nil, apCC))

	d.CancelByIface(sta)
	assert.ErrorIs(t, inflight.Wait(waitCtx(t)), ErrCanceled)
	assert.ErrorIs(t, staCC.Wait(waitCtx(t)), ErrCanceled)

	// The AP interface's command survives and runs after the swallowed
	// response of the canceled in-flight one.
	respond(t, d, ft, 0, fwp.ResultOK, nil)
	hdr, _ := ft.cmdAt(t, 1)
	assert.Equal(t, fwp.CmdApStart, hdr.Opcode)
	respond(t, d, ft, 1, fwp.ResultOK, nil)
	require.NoError(t, apCC.Wait(waitCtx(t)))
}

func TestNodePoolExhaustion(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{NumNodes: 2})

	a, b := NewCallerContext(nil), NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, a))
	require.NoError(t, d.Submit(ifc, fwp.CmdMacAddr, fwp.ActionGet, nil, b))

	err := d.Submit(ifc, fwp.CmdVersion, fwp.ActionGet, nil, NewCallerContext(nil))
	assert.ErrorIs(t, err, ErrNoFreeNode)

	// A completion returns a node to the pool.
	respond(t, d, ft, 0, fwp.ResultOK, nil)
	require.NoError(t, a.Wait(waitCtx(t)))
	require.NoError(t, d.Submit(ifc, fwp.CmdVersion, fwp.ActionGet, nil, NewCallerContext(nil)))
}

func TestRawCommand(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	payload := []byte{0xde, 0xad}
	raw := make([]byte, fwp.CmdHeaderLen+len(payload))
	fwp.CmdHeader{Opcode: fwp.CmdVersion, Size: uint16(len(raw))}.Put(raw)
	copy(raw[fwp.CmdHeaderLen:], payload)

	cc := NewCallerContext(nil)
	require.NoError(t, d.SubmitRaw(ifc, raw, cc))
	hdr, wire := ft.cmdAt(t, 0)
	assert.Equal(t, fwp.CmdVersion, hdr.Opcode)
	assert.Equal(t, payload, wire[4+fwp.CmdHeaderLen:4+len(raw)])

	respond(t, d, ft, 0, fwp.ResultOK, []byte{7, 7})
	require.NoError(t, cc.Wait(waitCtx(t)))
	// Raw submissions get the undecoded response bytes back.
	rspHdr, err := fwp.DecodeCmdHeader(cc.RawResp)
	require.NoError(t, err)
	assert.Equal(t, fwp.CmdVersion|fwp.RspBit, rspHdr.Opcode)
	assert.Equal(t, []byte{7, 7}, cc.RawResp[fwp.CmdHeaderLen:])
}

func TestOpcodeMismatch(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	cc := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, cc))

	hdr, _ := ft.cmdAt(t, 0)
	rsp := make([]byte, fwp.CmdHeaderLen)
	fwp.CmdHeader{Opcode: fwp.CmdMacAddr | fwp.RspBit, Size: fwp.CmdHeaderLen, Seq: hdr.Seq}.Put(rsp)
	assert.ErrorIs(t, d.CmdResponse(rsp), ErrProtocolMismatch)
	assert.ErrorIs(t, cc.Wait(waitCtx(t)), ErrProtocolMismatch)

	free, _, _ := d.QueueDepths()
	assert.Equal(t, defaultNumNodes, free)
}

func TestFirmwareErrorResult(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	cc := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionSet, nil, cc))
	respond(t, d, ft, 0, fwp.ResultError, nil)

	err := cc.Wait(waitCtx(t))
	assert.ErrorIs(t, err, errFwStatus)
}

func TestNoResponseCommand(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	// Soft reset completes the moment the transport takes it and never
	// occupies the current slot.
	cc := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSoftReset, fwp.ActionSet, nil, cc))
	require.NoError(t, cc.Wait(waitCtx(t)))
	assert.False(t, d.InFlight())
	assert.Equal(t, 1, ft.cmdCount())
}

func TestDownloadFailure(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})
	ft.failCmd = ErrTransportBusy

	cc := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, cc))
	err := cc.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.ErrorIs(t, err, ErrTransportBusy)

	free, pending, _ := d.QueueDepths()
	assert.Equal(t, defaultNumNodes, free)
	assert.Zero(t, pending)
}

func TestShutdownRejectsSubmissions(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	done := make(chan error, 1)
	go func() { done <- d.Shutdown(waitCtx(t), ifc) }()
	assert.Eventually(t, func() bool { return ft.cmdCount() == 1 }, time.Second, time.Millisecond)
	respond(t, d, ft, 0, fwp.ResultOK, nil)
	require.NoError(t, <-done)

	err := d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, NewCallerContext(nil))
	assert.ErrorIs(t, err, errShutdown)
}

// countingHandler tallies log records per message for the throttle test.
type countingHandler struct {
	mu     sync.Mutex
	counts map[string]int
}

func (h *countingHandler) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (h *countingHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	h.counts[r.Message]++
	h.mu.Unlock()
	return nil
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *countingHandler) WithGroup(name string) slog.Handler       { return h }

func (h *countingHandler) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[msg]
}

func TestExhaustionDumpThrottle(t *testing.T) {
	h := &countingHandler{counts: make(map[string]int)}
	d, _, ifc := newTestAdapter(t, Config{
		Logger:               slog.New(h),
		NumNodes:             1,
		ExhaustDumpThreshold: 2,
		ExhaustDumpEvery:     3,
	})

	hold := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, hold))

	for i := 0; i < 8; i++ {
		err := d.Submit(ifc, fwp.CmdMacAddr, fwp.ActionGet, nil, NewCallerContext(nil))
		assert.ErrorIs(t, err, ErrNoFreeNode)
	}
	// First dump at the threshold (failure 2), then one per ExhaustDumpEvery
	// more: failures 5 and 8.
	assert.Equal(t, 3, h.count("command node pool exhausted"))
}

var errEncode = errors.New("encode refused")

func TestEncodeFailureBypassesQueue(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})
	d.RegisterEncoder(fwp.CmdTxPower, func(action uint16, aux any, payload []byte) (int, error) {
		return 0, errEncode
	})

	cc := NewCallerContext(nil)
	err := d.Submit(ifc, fwp.CmdTxPower, fwp.ActionSet, nil, cc)
	assert.ErrorIs(t, err, errEncode)
	assert.ErrorIs(t, cc.Status(), errEncode)
	assert.Zero(t, ft.cmdCount())
	free, _, _ := d.QueueDepths()
	assert.Equal(t, defaultNumNodes, free)
}

// echoTransport answers every command from inside HostToCard, the limit
// case of a completion interrupt firing before the download call returns.
type echoTransport struct {
	fakeTransport
	d *Adapter
}

func (et *echoTransport) HostToCard(typ BufType, buf []byte, p *TxParam) error {
	if err := et.fakeTransport.HostToCard(typ, buf, p); err != nil {
		return err
	}
	if typ != BufCmd {
		return nil
	}
	hdr, err := fwp.DecodeCmdHeader(buf[4:])
	if err != nil || hdr.Opcode == fwp.CmdSleepConfirm {
		return nil
	}
	rsp := make([]byte, fwp.CmdHeaderLen)
	fwp.CmdHeader{
		Opcode: hdr.Opcode | fwp.RspBit,
		Size:   fwp.CmdHeaderLen,
		Seq:    hdr.Seq,
		Result: uint16(fwp.ResultOK),
	}.Put(rsp)
	et.d.CmdResponse(rsp)
	return nil
}

func TestResponseDuringDownloadWindow(t *testing.T) {
	d := New(Config{CmdTimeout: 20 * time.Millisecond})
	et := &echoTransport{d: d}
	d.Bind(et)
	ifc := d.AddIface(fwp.RoleStation)

	// The current slot must already be claimed when the transport takes
	// the buffer, or the instant response reads as unsolicited and the
	// command falsely times out.
	cc := NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdMacControl, fwp.ActionSet, nil, cc))
	require.NoError(t, cc.Wait(waitCtx(t)))
	assert.False(t, d.InFlight())

	// The engine is not wedged: a second exchange runs the same way.
	cc = NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, cc))
	require.NoError(t, cc.Wait(waitCtx(t)))
	free, pending, _ := d.QueueDepths()
	assert.Equal(t, defaultNumNodes, free)
	assert.Zero(t, pending)
}

func TestRawCommandFirmwareError(t *testing.T) {
	d, ft, ifc := newTestAdapter(t, Config{})

	raw := make([]byte, fwp.CmdHeaderLen)
	fwp.CmdHeader{Opcode: fwp.CmdVersion, Size: fwp.CmdHeaderLen}.Put(raw)

	cc := NewCallerContext(nil)
	require.NoError(t, d.SubmitRaw(ifc, raw, cc))
	respond(t, d, ft, 0, fwp.ResultError, []byte{9})

	// The firmware failure is reported, but the raw caller still gets the
	// undecoded wire bytes to inspect.
	assert.ErrorIs(t, cc.Wait(waitCtx(t)), errFwStatus)
	rspHdr, err := fwp.DecodeCmdHeader(cc.RawResp)
	require.NoError(t, err)
	assert.Equal(t, fwp.CmdVersion|fwp.RspBit, rspHdr.Opcode)
	assert.Equal(t, uint16(fwp.ResultError), rspHdr.Result)
}

func TestSendDataBeforeBind(t *testing.T) {
	d := New(Config{})
	assert.ErrorIs(t, d.SendData([]byte{1}, nil), ErrTransportError)
}
