// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records bridge metrics through an OpenTelemetry meter exported
// to a private Prometheus registry. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *promclient.Registry
	provider *sdkmetric.MeterProvider

	tasksSubmitted metric.Int64Counter
	tasksTerminal  metric.Int64Counter
	events         metric.Int64Counter
	activeTurns    metric.Int64UpDownCounter
	turnDuration   metric.Float64Histogram
	httpRequests   metric.Int64Counter
	httpDuration   metric.Float64Histogram
}

// NewMetrics creates the meter provider and instruments.
// It returns nil when metrics are disabled.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	registry := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(cfg.Namespace)
	name := func(s string) string { return cfg.Namespace + "_" + s }

	m := &Metrics{registry: registry, provider: provider}

	if m.tasksSubmitted, err = meter.Int64Counter(name("tasks_submitted"),
		metric.WithDescription("Tasks accepted by the server")); err != nil {
		return nil, fmt.Errorf("failed to create tasks_submitted counter: %w", err)
	}
	if m.tasksTerminal, err = meter.Int64Counter(name("tasks_terminal"),
		metric.WithDescription("Tasks that reached a terminal state, by state")); err != nil {
		return nil, fmt.Errorf("failed to create tasks_terminal counter: %w", err)
	}
	if m.events, err = meter.Int64Counter(name("task_events"),
		metric.WithDescription("Status update events emitted, by kind")); err != nil {
		return nil, fmt.Errorf("failed to create task_events counter: %w", err)
	}
	if m.activeTurns, err = meter.Int64UpDownCounter(name("active_turns"),
		metric.WithDescription("Backend turns currently in flight")); err != nil {
		return nil, fmt.Errorf("failed to create active_turns counter: %w", err)
	}
	if m.turnDuration, err = meter.Float64Histogram(name("turn_duration_seconds"),
		metric.WithDescription("Backend turn duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create turn_duration histogram: %w", err)
	}
	if m.httpRequests, err = meter.Int64Counter(name("http_requests"),
		metric.WithDescription("HTTP requests served")); err != nil {
		return nil, fmt.Errorf("failed to create http_requests counter: %w", err)
	}
	if m.httpDuration, err = meter.Float64Histogram(name("http_request_duration_seconds"),
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create http_duration histogram: %w", err)
	}

	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskSubmitted counts an accepted task.
func (m *Metrics) TaskSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksSubmitted.Add(ctx, 1)
}

// TaskTerminal counts a task reaching a terminal state.
func (m *Metrics) TaskTerminal(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.tasksTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// Event counts an emitted status update event.
func (m *Metrics) Event(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// TurnStarted marks a backend turn as in flight and returns a function
// that records its duration and outcome when called.
func (m *Metrics) TurnStarted(ctx context.Context, backend string) func(state string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	m.activeTurns.Add(ctx, 1, attrs)
	return func(state string) {
		m.activeTurns.Add(ctx, -1, attrs)
		m.turnDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		))
	}
}

// HTTPRequest records one served HTTP request.
func (m *Metrics) HTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	m.httpRequests.Add(ctx, 1, attrs)
	m.httpDuration.Record(ctx, d.Seconds(), attrs)
}

// Shutdown stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
