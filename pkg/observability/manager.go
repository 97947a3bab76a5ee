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
	"errors"
	"fmt"
	"log/slog"
)

// Manager owns the tracer and metrics for the process lifetime.
type Manager struct {
	cfg     Config
	tracer  *Tracer
	metrics *Metrics
}

// NewManager initializes tracing and metrics from config.
// Disabled parts are left nil; their methods are no-ops.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracer, err := NewTracer(ctx, &cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	metrics, err := NewMetrics(&cfg.Metrics)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("metrics: %w", err)
	}

	if tracer != nil {
		slog.Info("Tracing enabled", "exporter", cfg.Tracing.Exporter, "endpoint", cfg.Tracing.Endpoint)
	}
	if metrics != nil {
		slog.Info("Metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}

	return &Manager{cfg: cfg, tracer: tracer, metrics: metrics}, nil
}

// Tracer returns the tracer, possibly nil.
func (m *Manager) Tracer() *Tracer {
	if m == nil {
		return nil
	}
	return m.tracer
}

// Metrics returns the metrics, possibly nil.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// MetricsEnabled reports whether a metrics endpoint should be mounted.
func (m *Manager) MetricsEnabled() bool {
	return m != nil && m.metrics != nil
}

// MetricsEndpoint returns the configured metrics path.
func (m *Manager) MetricsEndpoint() string {
	if m == nil {
		return DefaultMetricsPath
	}
	return m.cfg.Metrics.Endpoint
}

// Shutdown flushes and stops tracing and metrics.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return errors.Join(m.tracer.Shutdown(ctx), m.metrics.Shutdown(ctx))
}
