package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	errspkg "github.com/SoundOrion/JobFlow2/internal/runtime/errors"
	"github.com/SoundOrion/JobFlow2/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// LoopStats is the in-process view of one consumption loop.
type LoopStats struct {
	mu sync.Mutex `json:"-"`

	Name     string `json:"name"`
	Stream   string `json:"stream"`
	Consumer string `json:"consumer"`

	Delivered       uint64    `json:"delivered"`
	Acked           uint64    `json:"acked"`
	Failed          uint64    `json:"failed"`
	Malformed       uint64    `json:"malformed"`
	Redelivered     uint64    `json:"redelivered"`
	InFlight        uint64    `json:"in_flight"`
	LastPending     uint64    `json:"last_pending"`
	LastStreamSeq   uint64    `json:"last_stream_seq"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	Reopens         uint64    `json:"reopens"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	totalProcessingTime int64
	latencyWindow       *latencyWindow
	throughputWindow    *throughputWindow
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

type ErrorBreakdown struct {
	Malformed  uint64 `json:"malformed"`
	Processing uint64 `json:"processing"`
	Ack        uint64 `json:"ack"`
	Canceled   uint64 `json:"canceled"`
	LastError  string `json:"last_error,omitempty"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryMalformed  ErrorCategory = "malformed"
	ErrorCategoryProcessing ErrorCategory = "processing"
	ErrorCategoryAck        ErrorCategory = "ack"
	ErrorCategoryCanceled   ErrorCategory = "canceled"
)

// errAck marks failures to acknowledge a processed task.
var errAck = errors.New("jobflow: acknowledge failed")

func classifyError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrMalformedEnvelope):
		return ErrorCategoryMalformed
	case errors.Is(err, errAck):
		return ErrorCategoryAck
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryCanceled
	default:
		return ErrorCategoryProcessing
	}
}

func newLoopStats(name, stream, consumer string) *LoopStats {
	return &LoopStats{
		Name:             name,
		Stream:           stream,
		Consumer:         consumer,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *LoopStats) onDelivered(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Delivered++
	if d.NumDelivered > 1 {
		s.Redelivered++
	}
	s.LastPending = d.NumPending
	s.LastStreamSeq = d.StreamSeq
	s.InFlight++
}

func (s *LoopStats) onMalformed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Delivered++
	s.Malformed++
	s.Errors.Record(ErrorCategoryMalformed, err)
}

func (s *LoopStats) onFinished(took time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InFlight > 0 {
		s.InFlight--
	}
	if err != nil {
		s.Failed++
	} else {
		s.Acked++
	}
	s.totalProcessingTime += int64(took)
	s.LastProcessedAt = time.Now().UTC()

	s.latencyWindow.Add(took)
	snapshot := s.latencyWindow.Snapshot()
	if processed := s.Acked + s.Failed; processed > 0 {
		snapshot.AverageNs = s.totalProcessingTime / int64(processed)
	}
	s.Latency = snapshot

	tp := s.throughputWindow.AddAndSnapshot(time.Now())
	s.Throughput.CurrentRPS = tp.CurrentRPS
	s.Throughput.WindowSeconds = tp.WindowSeconds
	s.Throughput.MessagesInWindow = uint64(tp.Count)

	s.Errors.Record(classifyError(err), err)
}

func (s *LoopStats) onReopen() {
	s.mu.Lock()
	s.Reopens++
	s.mu.Unlock()
}

// Snapshot copies the exported counters.
func (s *LoopStats) Snapshot() LoopStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return LoopStats{
		Name:            s.Name,
		Stream:          s.Stream,
		Consumer:        s.Consumer,
		Delivered:       s.Delivered,
		Acked:           s.Acked,
		Failed:          s.Failed,
		Malformed:       s.Malformed,
		Redelivered:     s.Redelivered,
		InFlight:        s.InFlight,
		LastPending:     s.LastPending,
		LastStreamSeq:   s.LastStreamSeq,
		LastProcessedAt: s.LastProcessedAt,
		Reopens:         s.Reopens,
		Latency:         s.Latency,
		Throughput:      s.Throughput,
		Errors:          s.Errors,
	}
}

func (s *LoopStats) MarshalJSON() ([]byte, error) {
	snapshot := s.Snapshot()
	type alias LoopStats
	return jsoncodec.Marshal((*alias)(&snapshot))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		return
	case ErrorCategoryMalformed:
		e.Malformed++
	case ErrorCategoryAck:
		e.Ack++
	case ErrorCategoryCanceled:
		e.Canceled++
	default:
		e.Processing++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, 0, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples = append(samples, lw.samples[idx])
	}
	slices.Sort(samples)

	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

// percentile interpolates linearly between the two closest ranks.
func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = slices.Delete(tw.samples, 0, idx)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
