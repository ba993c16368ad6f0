package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ModelUsage aggregates one model key's traffic over a query window.
type ModelUsage struct {
	Model          string `json:"model"`
	Requests       int64  `json:"requests"`
	ActualTokens   int64  `json:"actual_tokens"`
	ReservedTokens int64  `json:"reserved_tokens"`
	Retries        int64  `json:"retries"`
}

// QueryService reads aggregated usage back out of a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// DailyUsage returns per-model usage over the trailing 24 hours.
func (q *QueryService) DailyUsage(ctx context.Context) ([]ModelUsage, error) {
	return q.Usage(ctx, 24*time.Hour)
}

// Usage returns per-model usage over the trailing window, sorted by model
// key. Models with no samples in the window are absent.
func (q *QueryService) Usage(ctx context.Context, window time.Duration) ([]ModelUsage, error) {
	rng := model.Duration(window).String()
	queries := []struct {
		expr   string
		assign func(usage *ModelUsage, value float64)
	}{
		{
			fmt.Sprintf(`sum by (model) (increase(cadence_requests_total[%s]))`, rng),
			func(usage *ModelUsage, value float64) { usage.Requests = int64(value) },
		},
		{
			fmt.Sprintf(`sum by (model) (increase(cadence_tokens_total{type="actual"}[%s]))`, rng),
			func(usage *ModelUsage, value float64) { usage.ActualTokens = int64(value) },
		},
		{
			fmt.Sprintf(`sum by (model) (increase(cadence_tokens_total{type="reserved"}[%s]))`, rng),
			func(usage *ModelUsage, value float64) { usage.ReservedTokens = int64(value) },
		},
		{
			fmt.Sprintf(`sum by (model) (increase(cadence_retries_total[%s]))`, rng),
			func(usage *ModelUsage, value float64) { usage.Retries = int64(value) },
		},
	}

	byModel := make(map[string]*ModelUsage)
	for _, query := range queries {
		result, _, err := q.queryAPI.Query(ctx, query.expr, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", query.expr, err)
		}
		vector, ok := result.(model.Vector)
		if !ok {
			continue
		}
		for _, sample := range vector {
			name := string(sample.Metric["model"])
			if name == "" {
				continue
			}
			usage := byModel[name]
			if usage == nil {
				usage = &ModelUsage{Model: name}
				byModel[name] = usage
			}
			query.assign(usage, float64(sample.Value))
		}
	}

	usages := make([]ModelUsage, 0, len(byModel))
	for _, usage := range byModel {
		usages = append(usages, *usage)
	}
	sort.Slice(usages, func(i, j int) bool { return usages[i].Model < usages[j].Model })
	return usages, nil
}
