// Package wlcore implements the control-plane core of a firmware-offload
// wireless network adapter: a bounded command-node pool, free/pending/
// scan-pending queues with single-in-flight execution, per-command timeout
// supervision, asynchronous event demultiplexing and the power-state
// gating that decides when the card may sleep. The physical transport is
// abstracted behind the Transport interface; package pcie provides the
// PCI-Express realization.
package wlcore

import (
	"sync"
	"time"

	"log/slog"

	"github.com/openwlan/wlcore/fwp"
	"github.com/rcrowley/go-metrics"
)

// PowerState is the card's link power state as tracked by the host.
type PowerState uint8

const (
	PowerAwake PowerState = iota
	PowerPreSleep
	PowerSleepConfirmPending
	PowerAsleep
)

func (ps PowerState) String() string {
	switch ps {
	case PowerAwake:
		return "awake"
	case PowerPreSleep:
		return "presleep"
	case PowerSleepConfirmPending:
		return "sleepcfm"
	case PowerAsleep:
		return "asleep"
	}
	return "unknown"
}

// Config carries the adapter tunables. The zero value is usable; every
// field has a default.
type Config struct {
	Logger *slog.Logger

	// NumNodes sizes the command node pool.
	NumNodes int
	// CmdTimeout is the response deadline for ordinary commands.
	CmdTimeout time.Duration
	// ScanCmdTimeout is the extended deadline for scan-class commands.
	// Platform-tunable; slow radios legitimately need more.
	ScanCmdTimeout time.Duration
	// InitCmdTimeout applies to FuncInit and FuncShutdown.
	InitCmdTimeout time.Duration

	// ExhaustDumpThreshold is how many consecutive node-pool allocation
	// failures trigger the first diagnostic dump.
	ExhaustDumpThreshold int
	// ExhaustDumpEvery throttles further dumps to one per this many
	// additional consecutive failures. The counter resets on any
	// successful allocation.
	ExhaustDumpEvery int

	// Metrics receives the adapter counters. Nil gets a private registry.
	Metrics metrics.Registry
}

const (
	defaultNumNodes       = 20
	defaultCmdTimeout     = 5 * time.Second
	defaultScanCmdTimeout = 10 * time.Second
	defaultInitCmdTimeout = 20 * time.Second
	defaultDumpThreshold  = 5
	defaultDumpEvery      = 50
)

func (cfg *Config) setDefaults() {
	if cfg.NumNodes <= 0 {
		cfg.NumNodes = defaultNumNodes
	}
	if cfg.CmdTimeout <= 0 {
		cfg.CmdTimeout = defaultCmdTimeout
	}
	if cfg.ScanCmdTimeout <= 0 {
		cfg.ScanCmdTimeout = defaultScanCmdTimeout
	}
	if cfg.InitCmdTimeout <= 0 {
		cfg.InitCmdTimeout = defaultInitCmdTimeout
	}
	if cfg.ExhaustDumpThreshold <= 0 {
		cfg.ExhaustDumpThreshold = defaultDumpThreshold
	}
	if cfg.ExhaustDumpEvery <= 0 {
		cfg.ExhaustDumpEvery = defaultDumpEvery
	}
}

// Adapter is one driver instance. All entry points operate on an explicit
// *Adapter; several instances coexist in one process.
//
// Two external contexts drive it: the caller context (Submit, Cancel,
// SendData) and the transport's interrupt/poll context (the Host upcalls).
// Queue and current-slot mutation from both serializes through mu, which
// is scoped to list manipulation only; encoding, decoding and DMA mapping
// run outside it.
type Adapter struct {
	mu sync.Mutex

	tr     Transport
	logger *slog.Logger
	cfg    Config
	mt     *adapterMetrics

	nodes []CommandNode
	arena []byte // wire buffers, one MaxCmdSize slab per node

	free        nodeList
	pending     nodeList
	scanPending nodeList
	cur         *CommandNode
	// downloading is true while a dequeued command is being pushed into
	// the transport, before it becomes the in-flight command.
	downloading bool

	seqno    uint16 // monotonically increasing, stamped at download
	timerGen uint64 // guards the per-command timer against stale fires
	timer    *time.Timer

	scanActive   bool
	initializing bool
	isShutdown   bool
	wakePending  bool

	power        PowerState
	hsConfigured bool
	hsActivated  bool
	holdAwake    bool

	txPending int // data buffers accepted by us, not yet reported sent
	rxPending int // delivered notifications the upper layer has not consumed

	allocFails     int // consecutive node allocation failures
	allocDumped    int // failures counted at the last diagnostic dump
	consecTimeouts int

	ifaces []*Iface
	dbg    debugLog

	encoders map[fwp.Opcode]Encoder
	decoders map[fwp.Opcode]Decoder
}

// Iface is one virtual interface (station, AP, P2P role) on the adapter.
// Commands and events carry its index and role in their sequence and
// cause words.
type Iface struct {
	d     *Adapter
	index uint8
	role  fwp.Role

	// handler receives demultiplexed firmware events for this interface.
	handler EventHandler
	// radarPrep runs before EvRadarDetected reaches the handler and may
	// veto delivery.
	radarPrep func(body []byte) error
}

// EventHandler consumes one demultiplexed firmware event. The body slice
// is only valid for the duration of the call.
type EventHandler func(code fwp.EventCode, body []byte) error

func (ifc *Iface) Index() uint8   { return ifc.index }
func (ifc *Iface) Role() fwp.Role { return ifc.role }

// HandleEvents installs the interface's event handler.
func (ifc *Iface) HandleEvents(fn EventHandler) {
	ifc.d.mu.Lock()
	ifc.handler = fn
	ifc.d.mu.Unlock()
}

// HandleRadarPrep installs the radar-detected pre-processing step.
func (ifc *Iface) HandleRadarPrep(fn func(body []byte) error) {
	ifc.d.mu.Lock()
	ifc.radarPrep = fn
	ifc.d.mu.Unlock()
}

// New builds an adapter with a populated free queue. Bind must be called
// with a transport before any command is submitted.
func New(cfg Config) *Adapter {
	cfg.setDefaults()
	d := &Adapter{
		logger:   cfg.Logger,
		cfg:      cfg,
		mt:       newAdapterMetrics(cfg.Metrics),
		nodes:    make([]CommandNode, cfg.NumNodes),
		arena:    make([]byte, cfg.NumNodes*fwp.MaxCmdSize),
		encoders: make(map[fwp.Opcode]Encoder),
		decoders: make(map[fwp.Opcode]Decoder),
	}
	for i := range d.nodes {
		n := &d.nodes[i]
		n.cmd = d.arena[i*fwp.MaxCmdSize : (i+1)*fwp.MaxCmdSize]
		d.free.pushTail(n)
	}
	return d
}

// Bind attaches the physical transport. Call once before Submit.
func (d *Adapter) Bind(tr Transport) {
	d.mu.Lock()
	d.tr = tr
	d.mu.Unlock()
}

// AddIface registers a virtual interface with the given role and returns
// it. Index assignment is ordinal.
func (d *Adapter) AddIface(role fwp.Role) *Iface {
	d.mu.Lock()
	defer d.mu.Unlock()
	ifc := &Iface{d: d, index: uint8(len(d.ifaces)), role: role}
	d.ifaces = append(d.ifaces, ifc)
	return ifc
}

func (d *Adapter) iface(index uint8) *Iface {
	for _, ifc := range d.ifaces {
		if ifc.index == index {
			return ifc
		}
	}
	return nil
}

// anyIface returns a fallback interface for events whose embedded index
// resolves to nothing.
func (d *Adapter) anyIface() *Iface {
	if len(d.ifaces) == 0 {
		return nil
	}
	return d.ifaces[0]
}

// Power returns the tracked power state.
func (d *Adapter) Power() PowerState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.power
}

// QueueDepths reports free/pending/scan-pending lengths, for diagnostics
// and tests.
func (d *Adapter) QueueDepths() (free, pending, scanPending int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.free.len(), d.pending.len(), d.scanPending.len()
}

// InFlight reports whether a command occupies the current slot.
func (d *Adapter) InFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur != nil
}

// SendData hands one data payload to the transport. Counted against the
// sleep gate until the transport reports it sent.
func (d *Adapter) SendData(payload []byte, p *TxParam) error {
	d.mu.Lock()
	tr := d.tr
	if tr == nil {
		d.mu.Unlock()
		return ErrTransportError
	}
	d.txPending++
	d.mu.Unlock()
	err := tr.HostToCard(BufData, payload, p)
	if err != nil {
		d.mu.Lock()
		d.txPending--
		d.mu.Unlock()
		if err == ErrTransportBusy {
			d.mt.ringBusy.Inc(1)
		}
	}
	return err
}

// DataSent implements Host.
func (d *Adapter) DataSent(buf []byte, err error) {
	d.mu.Lock()
	if d.txPending > 0 {
		d.txPending--
	}
	d.mu.Unlock()
	if err != nil {
		d.warn("data send failed", slog.String("err", err.Error()))
	}
	d.trySleepConfirm()
}

// RxData implements Host. Payload hand-off to the network stack is out of
// scope here; the engine only accounts for the delivery.
func (d *Adapter) RxData(buf []byte) error {
	d.trace("rx data", slog.Int("len", len(buf)))
	return nil
}

// RxPending implements Host: the transport adjusts the count of
// delivered-but-unconsumed notifications feeding the sleep gate.
func (d *Adapter) RxPending(delta int) {
	d.mu.Lock()
	d.rxPending += delta
	clear := d.rxPending <= 0
	if d.rxPending < 0 {
		d.rxPending = 0
	}
	d.mu.Unlock()
	if clear {
		d.trySleepConfirm()
	}
}

var _ Host = (*Adapter)(nil)
