// Package metrics provides Prometheus instrumentation for the request
// pipeline plus a query service for aggregated usage.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cadence/pkg/llm"
	"cadence/pkg/llmerrors"
	"cadence/pkg/memory"
	"cadence/pkg/scheduler"
)

const namespace = "cadence"

// Recorder owns every exported metric. It implements the scheduler's
// RequestLog and StatusObserver, takes memory stats snapshots, and wraps
// provider clients as middleware.
type Recorder struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	queueWait       *prometheus.HistogramVec
	windowTokens    *prometheus.GaugeVec
	rpmUsed         *prometheus.GaugeVec
	nextAvailable   *prometheus.GaugeVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	memSummarizations *prometheus.GaugeVec
	memCompressions   *prometheus.GaugeVec
	memBankTokens     *prometheus.GaugeVec
	memRecentMessages *prometheus.GaugeVec
}

// NewRecorder registers all vectors on reg. Pass nil to use the default
// registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Completed requests by model key and terminal outcome",
			},
			[]string{"model", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Wall time from admission to terminal state",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Input tokens by model key and accounting type",
			},
			[]string{"model", "type"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry attempts by model key and error class",
			},
			[]string{"model", "class"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Requests waiting for admission per model key",
			},
			[]string{"model"},
		),
		queueWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_wait_duration_seconds",
				Help:      "Time spent queued before admission",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		windowTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_window_tokens",
				Help:      "Input tokens currently charged to the rolling window",
			},
			[]string{"model"},
		),
		rpmUsed: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_rpm_used",
				Help:      "Requests counted against the per-minute limit",
			},
			[]string{"model"},
		),
		nextAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_next_available_seconds",
				Help:      "Seconds until the key can admit a typical request",
			},
			[]string{"model"},
		),
		providerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Raw provider calls by model, method, and result class",
			},
			[]string{"model", "method", "status"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call wall time, streams measured to channel close",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model", "method"},
		),
		memSummarizations: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_summarizations",
				Help:      "Summarization passes completed for the session",
			},
			[]string{"session"},
		),
		memCompressions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_compressions",
				Help:      "Bank compressions completed for the session",
			},
			[]string{"session"},
		),
		memBankTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_bank_tokens",
				Help:      "Estimated tokens held in the summary bank",
			},
			[]string{"session"},
		),
		memRecentMessages: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_recent_messages",
				Help:      "Messages in the rolling buffer",
			},
			[]string{"session"},
		),
	}
}

// RecordRequest counts one terminal request outcome.
func (r *Recorder) RecordRequest(rec scheduler.RequestRecord) {
	r.requestsTotal.WithLabelValues(string(rec.Model), rec.Outcome).Inc()
	r.requestDuration.WithLabelValues(string(rec.Model)).Observe(float64(rec.DurationMs) / 1000)
	r.queueWait.WithLabelValues(string(rec.Model)).Observe(float64(rec.QueuedMs) / 1000)
	r.tokensTotal.WithLabelValues(string(rec.Model), "reserved").Add(float64(rec.Reserved))
	r.tokensTotal.WithLabelValues(string(rec.Model), "actual").Add(float64(rec.Actual))
	if rec.Retries > 0 {
		class := rec.ErrorClass
		if class == "" {
			class = "recovered"
		}
		r.retriesTotal.WithLabelValues(string(rec.Model), class).Add(float64(rec.Retries))
	}
}

// QuotaStatus mirrors the scheduler's status pushes into gauges.
func (r *Recorder) QuotaStatus(status scheduler.QuotaStatus) {
	r.queueDepth.WithLabelValues(status.Key).Set(float64(status.Queued))
	r.windowTokens.WithLabelValues(status.Key).Set(float64(status.UsedTokens))
	r.rpmUsed.WithLabelValues(status.Key).Set(float64(status.RPMUsed))
	r.nextAvailable.WithLabelValues(status.Key).Set(float64(status.NextAvailableMs) / 1000)
}

// ObserveMemory records a session's memory stats snapshot.
func (r *Recorder) ObserveMemory(stats memory.Stats) {
	r.memSummarizations.WithLabelValues(stats.SessionID).Set(float64(stats.Summarizations))
	r.memCompressions.WithLabelValues(stats.SessionID).Set(float64(stats.Compressions))
	r.memBankTokens.WithLabelValues(stats.SessionID).Set(float64(stats.BankTokens))
	r.memRecentMessages.WithLabelValues(stats.SessionID).Set(float64(stats.RecentMessages))
}

// Middleware times and counts every provider call. Stream durations run
// until the chunk channel closes, so they cover the full response.
func (r *Recorder) Middleware() llm.Middleware {
	return func(next llm.Client) llm.Client {
		return llm.WrapClient(
			func(ctx context.Context, req llm.Request) (llm.Response, error) {
				start := time.Now()
				resp, err := next.Generate(ctx, req)
				r.observeCall(next.ModelID(), "generate", start, err)
				return resp, err
			},
			func(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
				start := time.Now()
				ch, err := next.Stream(ctx, req)
				if err != nil {
					r.observeCall(next.ModelID(), "stream", start, err)
					return nil, err
				}
				out := make(chan llm.Chunk)
				go func() {
					defer close(out)
					var streamErr error
					for chunk := range ch {
						if chunk.Err != nil {
							streamErr = chunk.Err
						}
						out <- chunk
					}
					r.observeCall(next.ModelID(), "stream", start, streamErr)
				}()
				return out, nil
			},
			next.ModelID,
		)
	}
}

func (r *Recorder) observeCall(model, method string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = llmerrors.TypeOf(err).String()
	}
	r.providerCalls.WithLabelValues(model, method, status).Inc()
	r.providerDuration.WithLabelValues(model, method).Observe(time.Since(start).Seconds())
}
