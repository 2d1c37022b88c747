package wlcore

import "github.com/rcrowley/go-metrics"

type adapterMetrics struct {
	cmdDownloaded    metrics.Counter
	cmdDownloadFail  metrics.Counter
	cmdCompleted     metrics.Counter
	cmdTimedOut      metrics.Counter
	cmdCanceled      metrics.Counter
	nodeExhausted    metrics.Counter
	ringBusy         metrics.Counter
	eventsDispatched metrics.Counter
	sleepDeferred    metrics.Counter
}

func newAdapterMetrics(r metrics.Registry) *adapterMetrics {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &adapterMetrics{
		cmdDownloaded:    metrics.GetOrRegisterCounter("cmd.downloaded", r),
		cmdDownloadFail:  metrics.GetOrRegisterCounter("cmd.download_failed", r),
		cmdCompleted:     metrics.GetOrRegisterCounter("cmd.completed", r),
		cmdTimedOut:      metrics.GetOrRegisterCounter("cmd.timed_out", r),
		cmdCanceled:      metrics.GetOrRegisterCounter("cmd.canceled", r),
		nodeExhausted:    metrics.GetOrRegisterCounter("cmd.node_exhausted", r),
		ringBusy:         metrics.GetOrRegisterCounter("transport.ring_busy", r),
		eventsDispatched: metrics.GetOrRegisterCounter("event.dispatched", r),
		sleepDeferred:    metrics.GetOrRegisterCounter("power.sleep_deferred", r),
	}
}
