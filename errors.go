package wlcore

import "errors"

// Failure taxonomy surfaced to callers and transports. The engine never
// panics or aborts on any of these; they end a single command's lifecycle
// and complete the caller context.
var (
	// ErrNoFreeNode means the command node pool is exhausted. Retryable
	// once an in-flight or queued command completes.
	ErrNoFreeNode = errors.New("no free command node")
	// ErrTransportBusy means the transport has no room for the buffer
	// (descriptor ring full). Retryable after the next reclaim.
	ErrTransportBusy = errors.New("transport busy")
	// ErrTransportError is a DMA map/unmap or register I/O failure. Not
	// retried at this layer.
	ErrTransportError = errors.New("transport error")
	// ErrProtocolMismatch means a response opcode did not match the
	// command in flight. Fatal to that command.
	ErrProtocolMismatch = errors.New("response opcode mismatch")
	// ErrTimeout means no response arrived before the command deadline.
	ErrTimeout = errors.New("command timeout")
	// ErrCanceled reports explicit cancellation to the caller.
	ErrCanceled = errors.New("command canceled")
	// ErrDownloadFailed wraps a transport failure during command download.
	ErrDownloadFailed = errors.New("command download failed")
	// ErrNotOurInterrupt lets a transport decline a shared interrupt.
	ErrNotOurInterrupt = errors.New("not our interrupt")
)

var (
	errAlreadyInFlight = errors.New("command already in flight")
	errAdapterAsleep   = errors.New("adapter not awake")
	errFwStatus        = errors.New("non-zero firmware result")
	errNoSuchIface     = errors.New("no such interface")
	errCmdTooLarge     = errors.New("command larger than wire buffer")
	errBadRawCmd       = errors.New("malformed raw host command")
	errShutdown        = errors.New("adapter shut down")
)
