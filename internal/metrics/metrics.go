// Package metrics exposes taskvault's OpenTelemetry counters. When disabled
// every instrument comes from the noop provider and Snapshot is empty.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const MeterName = "taskvault"

// Recorder holds the counters. A nil *Recorder is valid and records nothing.
type Recorder struct {
	provider metric.MeterProvider
	reader   *sdkmetric.ManualReader

	admitted    metric.Int64Counter
	duplicates  metric.Int64Counter
	transitions metric.Int64Counter
	approvals   metric.Int64Counter
	jobRuns     metric.Int64Counter
}

func New(enabled bool) (*Recorder, error) {
	r := &Recorder{}
	if enabled {
		r.reader = sdkmetric.NewManualReader()
		r.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(r.reader))
	} else {
		r.provider = noop.NewMeterProvider()
	}
	meter := r.provider.Meter(MeterName)

	var err error
	if r.admitted, err = meter.Int64Counter("taskvault.tasks.admitted",
		metric.WithDescription("Events admitted as new tasks"),
	); err != nil {
		return nil, err
	}
	if r.duplicates, err = meter.Int64Counter("taskvault.tasks.duplicates",
		metric.WithDescription("Redelivered events dropped by the ledger"),
	); err != nil {
		return nil, err
	}
	if r.transitions, err = meter.Int64Counter("taskvault.tasks.transitions",
		metric.WithDescription("Task state transitions"),
	); err != nil {
		return nil, err
	}
	if r.approvals, err = meter.Int64Counter("taskvault.approvals.resolved",
		metric.WithDescription("Approval requests resolved"),
	); err != nil {
		return nil, err
	}
	if r.jobRuns, err = meter.Int64Counter("taskvault.jobs.runs",
		metric.WithDescription("Scheduled job runs"),
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) TaskAdmitted(ctx context.Context) {
	if r == nil {
		return
	}
	r.admitted.Add(ctx, 1)
}

func (r *Recorder) TaskDuplicate(ctx context.Context) {
	if r == nil {
		return
	}
	r.duplicates.Add(ctx, 1)
}

func (r *Recorder) Transition(ctx context.Context, from, to string) {
	if r == nil {
		return
	}
	r.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (r *Recorder) ApprovalResolved(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// JobRun counts one scheduled run; result is "ok", "retry" or "failed".
func (r *Recorder) JobRun(ctx context.Context, result string) {
	if r == nil {
		return
	}
	r.jobRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Point is one counter series.
type Point struct {
	Name       string `json:"name"`
	Attributes string `json:"attributes,omitempty"`
	Value      int64  `json:"value"`
}

// Snapshot collects the current cumulative values, sorted by name then attributes.
func (r *Recorder) Snapshot(ctx context.Context) ([]Point, error) {
	if r == nil || r.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := r.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	var points []Point
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				points = append(points, Point{
					Name:       m.Name,
					Attributes: encodeAttrs(dp.Attributes),
					Value:      dp.Value,
				})
			}
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Name != points[j].Name {
			return points[i].Name < points[j].Name
		}
		return points[i].Attributes < points[j].Attributes
	})
	return points, nil
}

func encodeAttrs(set attribute.Set) string {
	kvs := set.ToSlice()
	parts := make([]string, len(kvs))
	for i, kv := range kvs {
		parts[i] = string(kv.Key) + "=" + kv.Value.Emit()
	}
	return strings.Join(parts, ",")
}

func (r *Recorder) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if mp, ok := r.provider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}
	return nil
}
