// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watcher drives the poll loop: read the smaps report, parse it,
// diff it against the previous snapshot and report the changes.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/mapwatcher/pkg/config"
	"github.com/parca-dev/mapwatcher/pkg/smaps"
)

const (
	initialReadRetries       = 2
	initialReadRetryInterval = 500 * time.Millisecond
)

// SnapshotReader produces snapshots of a process's named memory regions.
type SnapshotReader interface {
	Snapshot(pid int) (*smaps.Snapshot, error)
}

type metrics struct {
	tickSuccess     prometheus.Counter
	tickError       prometheus.Counter
	changesAdded    prometheus.Counter
	changesRemoved  prometheus.Counter
	changesModified prometheus.Counter
	regions         prometheus.Gauge
	residentBytes   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	ticks := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapwatcher_ticks_total",
			Help: "Total number of poll ticks by result.",
		},
		[]string{"result"},
	)
	changes := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "mapwatcher_changes_total",
			Help: "Total number of detected map region changes by kind.",
		},
		[]string{"kind"},
	)
	return &metrics{
		tickSuccess:     ticks.WithLabelValues("success"),
		tickError:       ticks.WithLabelValues("error"),
		changesAdded:    changes.WithLabelValues(smaps.Added.String()),
		changesRemoved:  changes.WithLabelValues(smaps.Removed.String()),
		changesModified: changes.WithLabelValues(smaps.Modified.String()),
		regions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mapwatcher_snapshot_regions",
			Help: "Number of named map regions in the last good snapshot.",
		}),
		residentBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mapwatcher_snapshot_rss_bytes",
			Help: "Summed resident set size of the last good snapshot.",
		}),
	}
}

// Watcher owns the single previous-snapshot slot. A tick either replaces it
// with a complete new snapshot or leaves it untouched.
type Watcher struct {
	logger   log.Logger
	metrics  *metrics
	reader   SnapshotReader
	reporter Reporter

	pid      int
	interval time.Duration

	mtx     sync.RWMutex
	filters []*regexp.Regexp

	prev *smaps.Snapshot
}

func New(logger log.Logger, reg prometheus.Registerer, reader SnapshotReader, reporter Reporter, pid int, interval time.Duration) *Watcher {
	return &Watcher{
		logger:   logger,
		metrics:  newMetrics(reg),
		reader:   reader,
		reporter: reporter,
		pid:      pid,
		interval: interval,
	}
}

// ApplyConfig swaps the name filters. Safe to call from the config
// reloader while the poll loop runs; filters take effect on the next tick.
func (w *Watcher) ApplyConfig(cfg *config.Config) error {
	filters, err := cfg.Filters()
	if err != nil {
		return err
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.filters = filters
	return nil
}

// Run takes the initial snapshot, reports it in full and then polls until
// the context is canceled. A failure to obtain the initial snapshot is
// fatal; later failures skip the tick and keep the previous snapshot.
func (w *Watcher) Run(ctx context.Context) error {
	snap, err := w.initialSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to take initial snapshot of pid %d: %w", w.pid, err)
	}
	if err := w.reporter.ReportSnapshot(snap); err != nil {
		return fmt.Errorf("failed to report initial snapshot: %w", err)
	}
	w.observe(snap, smaps.Diff(nil, snap))
	w.prev = snap

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := w.tick(); err != nil {
			return err
		}
	}
}

func (w *Watcher) initialSnapshot(ctx context.Context) (*smaps.Snapshot, error) {
	var snap *smaps.Snapshot
	op := func() error {
		s, err := w.reader.Snapshot(w.pid)
		if err != nil {
			if errors.Is(err, smaps.ErrPermissionDenied) {
				return backoff.Permanent(err)
			}
			level.Debug(w.logger).Log("msg", "initial snapshot attempt failed", "err", err)
			return err
		}
		snap = s
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(initialReadRetryInterval), initialReadRetries),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return snap, nil
}

func (w *Watcher) tick() error {
	cur, err := w.reader.Snapshot(w.pid)
	if err != nil {
		w.metrics.tickError.Inc()
		switch {
		case errors.Is(err, smaps.ErrProcessGone), errors.Is(err, smaps.ErrProcessNotFound):
			level.Warn(w.logger).Log("msg", "watched process is gone, keeping last snapshot", "pid", w.pid, "err", err)
		default:
			// Includes parse errors: the half-built snapshot is discarded
			// and the next tick diffs against the last known-good state.
			level.Warn(w.logger).Log("msg", "skipping tick", "pid", w.pid, "err", err)
		}
		return nil
	}

	changes := smaps.Diff(w.prev, cur)
	if err := w.reporter.ReportChanges(w.prev, cur, w.filterChanges(changes)); err != nil {
		return fmt.Errorf("failed to report changes: %w", err)
	}

	w.observe(cur, changes)
	w.prev = cur
	return nil
}

func (w *Watcher) observe(snap *smaps.Snapshot, changes []smaps.Change) {
	for _, c := range changes {
		switch c.Kind {
		case smaps.Added:
			w.metrics.changesAdded.Inc()
		case smaps.Removed:
			w.metrics.changesRemoved.Inc()
		case smaps.Modified:
			w.metrics.changesModified.Inc()
		}
	}
	w.metrics.regions.Set(float64(snap.Len()))
	w.metrics.residentBytes.Set(float64(snap.TotalRSS()))
	w.metrics.tickSuccess.Inc()
}

// filterChanges drops events whose region name matches an ignore pattern.
func (w *Watcher) filterChanges(changes []smaps.Change) []smaps.Change {
	w.mtx.RLock()
	filters := w.filters
	w.mtx.RUnlock()

	if len(filters) == 0 {
		return changes
	}
	kept := make([]smaps.Change, 0, len(changes))
	for _, c := range changes {
		name := c.New.Name
		if c.Kind == smaps.Removed {
			name = c.Old.Name
		}
		if matchAny(filters, name) {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func matchAny(filters []*regexp.Regexp, name string) bool {
	for _, re := range filters {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
