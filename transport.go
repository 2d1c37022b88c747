package wlcore

import "github.com/openwlan/wlcore/fwp"

// BufType tags a buffer handed to the transport. Values match the wire
// type field used by the PCIe framing.
type BufType uint16

const (
	BufData  BufType = fwp.TypeData
	BufCmd   BufType = fwp.TypeCmd
	BufEvent BufType = fwp.TypeEvent
)

// TxParam carries optional per-packet transmit parameters for data
// buffers. Commands pass nil.
type TxParam struct {
	Priority uint8
	Flags    uint32
}

// Transport is the capability contract every physical transport (PCIe,
// SDIO, USB) implements. The engine depends only on this interface.
//
// HostToCard hands one buffer to the hardware. It returns nil when the
// buffer was accepted, ErrTransportBusy when there is no room right now
// (retryable after the next reclaim) and ErrTransportError-wrapped
// failures otherwise. It never blocks beyond a short bounded register
// poll.
type Transport interface {
	HostToCard(typ BufType, buf []byte, p *TxParam) error

	// HeaderLen is the transport-specific header length the engine must
	// reserve in front of the generic command header. PCIe declares 4
	// (length + type prefix); SDIO declares 4; USB declares 0.
	HeaderLen() int

	// Interrupt claims a raised interrupt. ErrNotOurInterrupt declines
	// an interrupt belonging to another device on a shared line.
	Interrupt(msgID uint32) error
	// ProcessIntStatus consumes latched interrupt causes and dispatches
	// them: send-complete reclaim, receive delivery, event ready,
	// command-response ready.
	ProcessIntStatus() error

	WakeupCard(wait bool) error
	ResetCard() error

	// EventComplete returns an event buffer to the transport once the
	// upper layer has consumed it, letting the ring slot recycle.
	EventComplete(buf []byte) error
	DataComplete(buf []byte) error
	CmdrspComplete(buf []byte) error

	// Debug snapshots transport internals (ring cursors, posted counts)
	// for the command-timeout diagnostic dump.
	Debug() TransportDebug
}

// TransportDebug is a point-in-time snapshot of transport state included
// in timeout and exhaustion diagnostics.
type TransportDebug struct {
	TxWrPtr, TxRdPtr   uint32
	RxWrPtr, RxRdPtr   uint32
	EvtWrPtr, EvtRdPtr uint32
	CmdPosted          bool
	SleepCookie        uint32
}

// Host is the upcall half of the transport contract: the engine implements
// it and the transport invokes it from its interrupt/poll context.
type Host interface {
	// CmdResponse delivers a command response buffer. The buffer is only
	// valid for the duration of the call.
	CmdResponse(buf []byte) error
	// Event delivers an asynchronous firmware event buffer. The engine
	// calls Transport.EventComplete when the buffer has been consumed.
	Event(buf []byte) error
	// RxData delivers one received data payload.
	RxData(buf []byte) error
	// DataSent reports completion of a previously accepted data buffer.
	DataSent(buf []byte, err error)
	// RxPending adjusts the count of delivered-but-unconsumed receive,
	// response and event notifications consulted by the sleep gate.
	RxPending(delta int)
	// FirmwareSleeping reports that the card accepted sleep; the engine
	// moves its power bookkeeping to Asleep.
	FirmwareSleeping()
	// CardWoken reports wakeup completion after WakeupCard.
	CardWoken()
}
