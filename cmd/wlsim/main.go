// Command wlsim runs the wlcore engine against the in-memory simulated
// card and walks it through a scripted session: function init, a scan
// with gated commands, a firmware sleep cycle, an injected command
// timeout with recovery, and a final diagnostic dump.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/rcrowley/go-metrics"
	"gopkg.in/yaml.v3"

	"github.com/openwlan/wlcore"
	"github.com/openwlan/wlcore/fwp"
	"github.com/openwlan/wlcore/pcie"
	"github.com/openwlan/wlcore/pcie/bar0sim"
)

// duration parses YAML values like "5s" or "250ms".
type duration struct{ time.Duration }

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type config struct {
	// Profile selects the simulated chip: "w8766" or "w9098".
	Profile  string `yaml:"profile"`
	LogLevel string `yaml:"log_level"`

	Queue struct {
		Nodes         int `yaml:"nodes"`
		DumpThreshold int `yaml:"dump_threshold"`
		DumpEvery     int `yaml:"dump_every"`
	} `yaml:"queue"`

	Timeouts struct {
		Cmd  duration `yaml:"cmd"`
		Scan duration `yaml:"scan"`
		Init duration `yaml:"init"`
	} `yaml:"timeouts"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{Profile: "w8766", LogLevel: "debug"}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *config) profile() (pcie.Profile, error) {
	switch c.Profile {
	case "", "w8766":
		return pcie.ProfileW8766, nil
	case "w9098":
		return pcie.ProfileW9098, nil
	}
	return pcie.Profile{}, fmt.Errorf("unknown profile %q", c.Profile)
}

func (c *config) logLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelDebug, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file; defaults apply when unset")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %s\n", err)
		os.Exit(1)
	}
	prof, err := cfg.profile()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	lvl, err := cfg.logLevel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))

	if err := run(cfg, prof, logger); err != nil {
		logger.Error("session failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config, prof pcie.Profile, logger *slog.Logger) error {
	reg := metrics.NewRegistry()
	d := wlcore.New(wlcore.Config{
		Logger:               logger,
		NumNodes:             cfg.Queue.Nodes,
		CmdTimeout:           cfg.Timeouts.Cmd.Duration,
		ScanCmdTimeout:       cfg.Timeouts.Scan.Duration,
		InitCmdTimeout:       cfg.Timeouts.Init.Duration,
		ExhaustDumpThreshold: cfg.Queue.DumpThreshold,
		ExhaustDumpEvery:     cfg.Queue.DumpEvery,
		Metrics:              reg,
	})
	sim := bar0sim.New(prof)
	card, err := pcie.Attach(sim, sim, prof, d, logger)
	if err != nil {
		return err
	}
	d.Bind(card)
	sim.OnInterrupt(func() {
		if err := card.Interrupt(0); err == nil {
			_ = card.ProcessIntStatus()
		}
	})

	// Play the interrupt line while the script blocks on completions.
	stop := make(chan struct{})
	defer close(stop)
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

	ifc := d.AddIface(fwp.RoleStation)
	ifc.HandleEvents(func(code fwp.EventCode, body []byte) error {
		logger.Info("firmware event", "code", fmt.Sprintf("%#04x", uint16(code)), "body_len", len(body))
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("bringing up firmware", "profile", prof.Name)
	if err := d.Init(ctx, ifc); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	if err := scanPhase(ctx, d, ifc, logger); err != nil {
		return err
	}
	if err := sleepPhase(ctx, d, sim, ifc, logger); err != nil {
		return err
	}
	if err := timeoutPhase(ctx, d, sim, card, ifc, logger); err != nil {
		return err
	}

	d.Dump("session complete")
	printMetrics(reg)
	return nil
}

// scanPhase runs an extended scan and shows that an ordinary command
// submitted during the scan session is parked until the session ends.
func scanPhase(ctx context.Context, d *wlcore.Adapter, ifc *wlcore.Iface, logger *slog.Logger) error {
	scanCC := wlcore.NewCallerContext(nil)
	if err := d.Submit(ifc, fwp.CmdExtScan, fwp.ActionSet, nil, scanCC); err != nil {
		return fmt.Errorf("submit scan: %w", err)
	}
	if err := scanCC.Wait(ctx); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	// The scan session outlives the command: reports keep arriving until
	// the firmware signals the end, so ordinary traffic stays parked.
	gatedCC := wlcore.NewCallerContext(nil)
	if err := d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, gatedCC); err != nil {
		return fmt.Errorf("submit gated: %w", err)
	}
	_, _, scanPend := d.QueueDepths()
	logger.Info("scan session open", "scan_pending", scanPend)

	d.ScanDone()
	if err := gatedCC.Wait(ctx); err != nil {
		return fmt.Errorf("gated command: %w", err)
	}
	logger.Info("scan session complete")
	return nil
}

// sleepPhase lets the firmware pull the host into deep sleep, then wakes
// the card back up with a fresh submission.
func sleepPhase(ctx context.Context, d *wlcore.Adapter, sim *bar0sim.Sim, ifc *wlcore.Iface, logger *slog.Logger) error {
	if err := sim.InjectEvent(fwp.EvPsSleep, ifc.Index(), ifc.Role(), nil); err != nil {
		return fmt.Errorf("inject sleep: %w", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for d.Power() != wlcore.PowerAsleep {
		if time.Now().After(deadline) {
			return errors.New("card never reached deep sleep")
		}
		time.Sleep(time.Millisecond)
	}
	logger.Info("card asleep", "power", d.Power().String())

	cc := wlcore.NewCallerContext(nil)
	if err := d.Submit(ifc, fwp.CmdMacControl, fwp.ActionSet, nil, cc); err != nil {
		return fmt.Errorf("submit wake: %w", err)
	}
	if err := cc.Wait(ctx); err != nil {
		return fmt.Errorf("post-wake command: %w", err)
	}
	logger.Info("card awake", "power", d.Power().String())
	return nil
}

// timeoutPhase swallows one response to exercise the timeout path, then
// resets the command channel and proves it works again.
func timeoutPhase(ctx context.Context, d *wlcore.Adapter, sim *bar0sim.Sim, card *pcie.Card, ifc *wlcore.Iface, logger *slog.Logger) error {
	sim.DropResponses(1)
	cc := wlcore.NewCallerContext(nil)
	if err := d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, cc); err != nil {
		return fmt.Errorf("submit doomed: %w", err)
	}
	err := cc.Wait(ctx)
	if !errors.Is(err, wlcore.ErrTimeout) {
		return fmt.Errorf("expected timeout, got %v", err)
	}
	logger.Info("command timed out as injected")

	if err := card.ResetCard(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	cc = wlcore.NewCallerContext(nil)
	if err := d.Submit(ifc, fwp.CmdSnmpMib, fwp.ActionGet, nil, cc); err != nil {
		return fmt.Errorf("submit after reset: %w", err)
	}
	if err := cc.Wait(ctx); err != nil {
		return fmt.Errorf("post-reset command: %w", err)
	}
	logger.Info("command channel recovered")
	return nil
}

func printMetrics(reg metrics.Registry) {
	type kv struct {
		name  string
		count int64
	}
	var rows []kv
	reg.Each(func(name string, m any) {
		if c, ok := m.(metrics.Counter); ok {
			rows = append(rows, kv{name, c.Count()})
		}
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
	fmt.Println("--- session counters ---")
	for _, r := range rows {
		fmt.Printf("%-24s %d\n", r.name, r.count)
	}
}
