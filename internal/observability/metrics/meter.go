// Copyright 2026 The OpenTrusty Authors
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

package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Config holds metrics configuration
type Config struct {
	Enabled bool
}

// Meter wraps OpenTelemetry meter
type Meter struct {
	meter metric.Meter
}

// New creates a new meter instance
func New(cfg Config, serviceName string) *Meter {
	if !cfg.Enabled {
		return &Meter{meter: noop.NewMeterProvider().Meter("noop")}
	}
	// Uses the global meter provider; exporters are configured by the SDK
	// environment (OTEL_EXPORTER_OTLP_*).
	return &Meter{meter: otel.Meter(serviceName)}
}

// GetMeter returns the underlying meter
func (m *Meter) GetMeter() metric.Meter {
	return m.meter
}

// CreateCounter creates a new counter metric
func (m *Meter) CreateCounter(name, description string) (metric.Int64Counter, error) {
	counter, err := m.meter.Int64Counter(
		name,
		metric.WithDescription(description),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", name, err)
	}
	return counter, nil
}

// CreateHistogram creates a new histogram metric
func (m *Meter) CreateHistogram(name, description, unit string) (metric.Float64Histogram, error) {
	histogram, err := m.meter.Float64Histogram(
		name,
		metric.WithDescription(description),
		metric.WithUnit(unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", name, err)
	}
	return histogram, nil
}

// AccessInstruments are the instruments emitted on every permission check.
type AccessInstruments struct {
	checks   metric.Int64Counter
	denials  metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewAccessInstruments registers the permission-check instruments on m.
func NewAccessInstruments(m *Meter) (*AccessInstruments, error) {
	checks, err := m.CreateCounter("accessgate.checks", "Permission checks performed")
	if err != nil {
		return nil, err
	}
	denials, err := m.CreateCounter("accessgate.denials", "Permission checks that denied access")
	if err != nil {
		return nil, err
	}
	errs, err := m.CreateCounter("accessgate.errors", "Permission checks that failed closed on a store error")
	if err != nil {
		return nil, err
	}
	duration, err := m.CreateHistogram("accessgate.check.duration", "Permission check latency", "ms")
	if err != nil {
		return nil, err
	}
	return &AccessInstruments{
		checks:   checks,
		denials:  denials,
		errors:   errs,
		duration: duration,
	}, nil
}

// NoopAccessInstruments returns instruments that record nothing.
func NoopAccessInstruments() *AccessInstruments {
	ins, _ := NewAccessInstruments(New(Config{Enabled: false}, ""))
	return ins
}

// RecordCheck emits one check. A nil receiver is a no-op.
func (a *AccessInstruments) RecordCheck(ctx context.Context, allowed, cacheHit, failed bool, elapsed time.Duration) {
	if a == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("allowed", allowed),
		attribute.Bool("cache_hit", cacheHit),
	)
	a.checks.Add(ctx, 1, attrs)
	if !allowed {
		a.denials.Add(ctx, 1, attrs)
	}
	if failed {
		a.errors.Add(ctx, 1)
	}
	a.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}
