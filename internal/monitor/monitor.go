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

// Package monitor keeps a bounded rolling log of permission checks together
// with streaming aggregates over every check ever recorded.
package monitor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the ring buffer size used when none is configured.
const DefaultCapacity = 100

// RecentLimit is the number of records returned in a summary.
const RecentLimit = 10

// CheckRecord is one resolution as seen by the monitor.
type CheckRecord struct {
	Timestamp  time.Time
	Permission string
	UserID     string
	Success    bool
	Duration   time.Duration
	CacheHit   bool
	Error      string
}

// Monitor is a fixed-capacity ring buffer plus running aggregates.
// Record is O(1) and safe for concurrent use.
type Monitor struct {
	mu     sync.Mutex
	ring   []CheckRecord
	next   int
	filled bool

	total       int64
	hits        int64
	errors      int64
	sumDuration time.Duration
	minDuration time.Duration
	maxDuration time.Duration
}

// New creates a monitor holding at most capacity records.
func New(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Monitor{ring: make([]CheckRecord, capacity)}
}

// Capacity returns the ring size.
func (m *Monitor) Capacity() int {
	return len(m.ring)
}

// Record appends rec, evicting the oldest record once the ring is full.
func (m *Monitor) Record(rec CheckRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.next] = rec
	m.next++
	if m.next == len(m.ring) {
		m.next = 0
		m.filled = true
	}

	m.total++
	if rec.CacheHit {
		m.hits++
	}
	if rec.Error != "" {
		m.errors++
	}
	m.sumDuration += rec.Duration
	if m.total == 1 || rec.Duration < m.minDuration {
		m.minDuration = rec.Duration
	}
	if rec.Duration > m.maxDuration {
		m.maxDuration = rec.Duration
	}
}

// Recent returns up to n records, newest first.
func (m *Monitor) Recent(n int) []CheckRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentLocked(n)
}

func (m *Monitor) recentLocked(n int) []CheckRecord {
	size := m.sizeLocked()
	if n > size {
		n = size
	}
	out := make([]CheckRecord, 0, n)
	idx := m.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(m.ring) - 1
		}
		out = append(out, m.ring[idx])
	}
	return out
}

func (m *Monitor) sizeLocked() int {
	if m.filled {
		return len(m.ring)
	}
	return m.next
}

// Len returns the number of records currently buffered.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizeLocked()
}

// Reset clears the buffer and the aggregates.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring = make([]CheckRecord, len(m.ring))
	m.next = 0
	m.filled = false
	m.total, m.hits, m.errors = 0, 0, 0
	m.sumDuration, m.minDuration, m.maxDuration = 0, 0, 0
}

// RecentCheck is the wire form of a record in a summary.
type RecentCheck struct {
	Success    bool   `json:"success"`
	Permission string `json:"permission"`
	Duration   int64  `json:"duration"`
	UserID     string `json:"userId"`
	Timestamp  string `json:"timestamp"`
	CacheHit   bool   `json:"cacheHit"`
	Error      string `json:"error,omitempty"`
}

// Summary is the operational metrics view of the monitor.
type Summary struct {
	TotalChecks  int64         `json:"totalChecks"`
	AvgDuration  string        `json:"avgDuration"`
	MaxDuration  string        `json:"maxDuration"`
	MinDuration  string        `json:"minDuration"`
	P50Duration  string        `json:"p50Duration"`
	P95Duration  string        `json:"p95Duration"`
	P99Duration  string        `json:"p99Duration"`
	CacheHitRate string        `json:"cacheHitRate"`
	ErrorRate    string        `json:"errorRate"`
	RecentChecks []RecentCheck `json:"recentChecks"`
}

// Summary returns the aggregates and the most recent records.
// Percentiles cover the buffered window only.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	total, hits, errs := m.total, m.hits, m.errors
	sum, min, max := m.sumDuration, m.minDuration, m.maxDuration
	recent := m.recentLocked(RecentLimit)
	window := make([]time.Duration, 0, m.sizeLocked())
	for i := 0; i < m.sizeLocked(); i++ {
		window = append(window, m.ring[i].Duration)
	}
	m.mu.Unlock()

	s := Summary{
		TotalChecks:  total,
		AvgDuration:  formatMillis(0),
		MaxDuration:  formatMillis(max),
		MinDuration:  formatMillis(min),
		CacheHitRate: formatRate(hits, total),
		ErrorRate:    formatRate(errs, total),
		RecentChecks: make([]RecentCheck, 0, len(recent)),
	}
	if total > 0 {
		s.AvgDuration = formatMillis(sum / time.Duration(total))
	}

	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	s.P50Duration = formatMillis(percentile(window, 0.50))
	s.P95Duration = formatMillis(percentile(window, 0.95))
	s.P99Duration = formatMillis(percentile(window, 0.99))

	for _, r := range recent {
		s.RecentChecks = append(s.RecentChecks, RecentCheck{
			Success:    r.Success,
			Permission: r.Permission,
			Duration:   r.Duration.Milliseconds(),
			UserID:     r.UserID,
			Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
			CacheHit:   r.CacheHit,
			Error:      r.Error,
		})
	}
	return s
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func formatMillis(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
}

func formatRate(n, total int64) string {
	if total == 0 {
		return "0.00%"
	}
	return fmt.Sprintf("%.2f%%", float64(n)*100/float64(total))
}
