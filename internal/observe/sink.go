package observe

import (
	"context"
	"time"
)

// MetricsSink adapts [Metrics] to the quality-observer interfaces consumed
// by the jitter buffer and outbound framer. Each session shares one sink;
// the methods are non-blocking and safe for concurrent use.
type MetricsSink struct {
	m *Metrics
}

// NewMetricsSink wraps m. A nil m uses [DefaultMetrics].
func NewMetricsSink(m *Metrics) *MetricsSink {
	if m == nil {
		m = DefaultMetrics()
	}
	return &MetricsSink{m: m}
}

// BufferOverrun records a jitter-buffer overrun. level is the buffer fill
// ratio at the time of the drop.
func (s *MetricsSink) BufferOverrun(level float64) {
	s.m.BufferOverruns.Add(context.Background(), 1)
}

// BufferUnderrun records a jitter-buffer underrun.
func (s *MetricsSink) BufferUnderrun(level float64) {
	s.m.BufferUnderruns.Add(context.Background(), 1)
}

// QueueOverrun records an outbound send-queue drop.
func (s *MetricsSink) QueueOverrun() {
	s.m.SendQueueOverruns.Add(context.Background(), 1)
}

// TimerDelay records a framer tick arriving past tolerance.
func (s *MetricsSink) TimerDelay(d time.Duration) {
	s.m.TimerDelays.Add(context.Background(), 1)
}

// BackpressureSkip records a pump turn skipped due to socket backpressure.
func (s *MetricsSink) BackpressureSkip() {
	s.m.BackpressureSkips.Add(context.Background(), 1)
}

// FrameSent records a successful frame send and its send-queue latency.
func (s *MetricsSink) FrameSent(queueLatency time.Duration) {
	s.m.FramesSent.Add(context.Background(), 1)
	s.m.QueueLatency.Record(context.Background(), queueLatency.Seconds())
}

// FrameError records a failed frame send.
func (s *MetricsSink) FrameError() {
	s.m.FrameSendErrors.Add(context.Background(), 1)
}
