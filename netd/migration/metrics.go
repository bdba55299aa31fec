package migration

import (
	"context"
	"sync"
	"time"
)

// Metrics tracks running success/fallback counters, a direct Go port of
// the original's FallbackMetrics (running-average time tracked as a
// cumulative mean, not a histogram).
type Metrics struct {
	TotalRequests       uint64
	NativeSuccesses     uint64
	NativeFailures      uint64
	FallbackSuccesses   uint64
	FallbackFailures    uint64
	TotalFallbacks      uint64
	AverageNativeTime   time.Duration
	AverageFallbackTime time.Duration
}

// RecordResult folds a successful dispatch's Result into the running
// counters.
func (m *Metrics) RecordResult(result *Result) {
	m.TotalRequests++

	if result.UsedFallback {
		m.TotalFallbacks++
		m.NativeFailures++
		m.FallbackSuccesses++
		m.AverageFallbackTime = runningAverage(m.AverageFallbackTime, m.FallbackSuccesses, result.ExecutionTime)
	} else {
		m.NativeSuccesses++
		m.AverageNativeTime = runningAverage(m.AverageNativeTime, m.NativeSuccesses, result.ExecutionTime)
	}
}

// RecordFailure folds a failed dispatch into the running counters.
func (m *Metrics) RecordFailure(usedFallback bool) {
	m.TotalRequests++

	if usedFallback {
		m.TotalFallbacks++
		m.NativeFailures++
		m.FallbackFailures++
	} else {
		m.NativeFailures++
	}
}

func runningAverage(current time.Duration, count uint64, sample time.Duration) time.Duration {
	if count == 0 {
		return sample
	}

	totalMillis := current.Milliseconds()*int64(count-1) + sample.Milliseconds()
	return time.Duration(totalMillis/int64(count)) * time.Millisecond
}

// SuccessRate returns the fraction of requests that ended in a response
// (native or fallback), 0 when no requests have been recorded.
func (m *Metrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}

	return float64(m.NativeSuccesses+m.FallbackSuccesses) / float64(m.TotalRequests)
}

// FallbackRate returns the fraction of requests that used the remote
// fallback.
func (m *Metrics) FallbackRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}

	return float64(m.TotalFallbacks) / float64(m.TotalRequests)
}

// NativeSuccessRate returns the native implementation's own success rate,
// independent of whether a fallback eventually answered the request.
func (m *Metrics) NativeSuccessRate() float64 {
	attempts := m.NativeSuccesses + m.NativeFailures
	if attempts == 0 {
		return 0
	}

	return float64(m.NativeSuccesses) / float64(attempts)
}

// MetricsFallbackHandler wraps a DefaultFallbackHandler with a
// mutex-guarded Metrics accumulator.
type MetricsFallbackHandler struct {
	inner   *DefaultFallbackHandler
	mu      sync.Mutex
	metrics Metrics
}

// NewMetricsFallbackHandler returns a MetricsFallbackHandler backed by
// remote, with a fresh Metrics accumulator.
func NewMetricsFallbackHandler(remote RemoteClient) *MetricsFallbackHandler {
	return &MetricsFallbackHandler{inner: NewDefaultFallbackHandler(remote)}
}

func (h *MetricsFallbackHandler) ExecuteWithFallback(
	ctx context.Context,
	req *Request,
	nativeOp func(context.Context) (*Response, error),
	fallbackEnabled bool,
	timeout time.Duration,
) (*Result, error) {
	result, err := h.inner.ExecuteWithFallback(ctx, req, nativeOp, fallbackEnabled, timeout)

	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		h.metrics.RecordFailure(fallbackEnabled)
		return nil, err
	}

	h.metrics.RecordResult(result)

	return result, nil
}

func (h *MetricsFallbackHandler) CheckRemoteHealth(ctx context.Context) bool {
	return h.inner.CheckRemoteHealth(ctx)
}

// GetMetrics returns a snapshot of the current metrics.
func (h *MetricsFallbackHandler) GetMetrics() Metrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.metrics
}

// ResetMetrics zeroes the metrics accumulator.
func (h *MetricsFallbackHandler) ResetMetrics() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.metrics = Metrics{}
}

var _ FallbackHandler = (*MetricsFallbackHandler)(nil)
