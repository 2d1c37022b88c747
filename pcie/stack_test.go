package pcie_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openwlan/wlcore"
	"github.com/openwlan/wlcore/fwp"
	"github.com/openwlan/wlcore/pcie"
	"github.com/openwlan/wlcore/pcie/bar0sim"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newStack assembles the whole driver: engine on top, PCIe transport in
// the middle, simulated card underneath. A background goroutine plays
// the interrupt line so blocking waits make progress.
func newStack(t *testing.T, prof pcie.Profile, cfg wlcore.Config) (*wlcore.Adapter, *bar0sim.Sim, *wlcore.Iface) {
	t.Helper()
	d := wlcore.New(cfg)
	sim := bar0sim.New(prof)
	card, err := pcie.Attach(sim, sim, prof, d, cfg.Logger)
	require.NoError(t, err)
	d.Bind(card)
	sim.OnInterrupt(func() {
		if err := card.Interrupt(0); err == nil {
			_ = card.ProcessIntStatus()
		}
	})

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				sim.Pump()
			}
		}
	}()
	return d, sim, d.AddIface(fwp.RoleStation)
}

func TestStackCommandExchange(t *testing.T) {
	for _, prof := range profiles() {
		t.Run(prof.Name, func(t *testing.T) {
			d, sim, ifc := newStack(t, prof, wlcore.Config{})

			require.NoError(t, d.Init(waitCtx(t), ifc))

			cc := wlcore.NewCallerContext(nil)
			require.NoError(t, d.Submit(ifc, fwp.CmdMacControl, fwp.ActionSet, nil, cc))
			require.NoError(t, cc.Wait(waitCtx(t)))

			assert.Equal(t, []fwp.Opcode{fwp.CmdFuncInit, fwp.CmdMacControl}, sim.CommandLog())
			assert.False(t, d.InFlight())
		})
	}
}

func TestStackEventDelivery(t *testing.T) {
	_, sim, ifc := newStack(t, pcie.ProfileW9098, wlcore.Config{})

	var mu sync.Mutex
	var codes []fwp.EventCode
	ifc.HandleEvents(func(code fwp.EventCode, body []byte) error {
		mu.Lock()
		codes = append(codes, code)
		mu.Unlock()
		return nil
	})

	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(codes)
	}
	// More events than the ring has slots; delivery keeps pace because
	// each consumed buffer recycles its slot.
	for i := 0; i < 6; i++ {
		require.NoError(t, sim.InjectEvent(fwp.EvLinkSensed, ifc.Index(), fwp.RoleStation, nil))
		want := i + 1
		require.Eventually(t, func() bool { return count() == want }, time.Second, time.Millisecond)
	}
}

func TestStackSleepWakeCycle(t *testing.T) {
	d, sim, ifc := newStack(t, pcie.ProfileW8766, wlcore.Config{})

	require.NoError(t, sim.InjectEvent(fwp.EvPsSleep, ifc.Index(), fwp.RoleStation, nil))
	require.Eventually(t, func() bool { return d.Power() == wlcore.PowerAsleep }, time.Second, time.Millisecond)
	assert.True(t, sim.Asleep())

	// A submission while asleep rings the wakeup doorbell and the queued
	// command flows once the card reports awake.
	cc := wlcore.NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, cc))
	require.NoError(t, cc.Wait(waitCtx(t)))
	assert.Equal(t, wlcore.PowerAwake, d.Power())
	assert.False(t, sim.Asleep())
}

func TestStackCommandTimeout(t *testing.T) {
	d, sim, ifc := newStack(t, pcie.ProfileW8766, wlcore.Config{
		CmdTimeout: 30 * time.Millisecond,
	})
	sim.DropResponses(1)

	cc := wlcore.NewCallerContext(nil)
	require.NoError(t, d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, cc))
	assert.ErrorIs(t, cc.Wait(waitCtx(t)), wlcore.ErrTimeout)
	assert.False(t, d.InFlight())
}
