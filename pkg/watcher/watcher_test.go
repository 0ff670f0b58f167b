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

package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/mapwatcher/pkg/config"
	"github.com/parca-dev/mapwatcher/pkg/smaps"
)

// scriptedReader replays a fixed sequence of snapshots and errors. The last
// entry repeats once the script is exhausted.
type scriptedReader struct {
	script []func() (*smaps.Snapshot, error)
	next   int
}

func (r *scriptedReader) Snapshot(int) (*smaps.Snapshot, error) {
	i := r.next
	if i >= len(r.script) {
		i = len(r.script) - 1
	} else {
		r.next++
	}
	return r.script[i]()
}

func ok(snap *smaps.Snapshot) func() (*smaps.Snapshot, error) {
	return func() (*smaps.Snapshot, error) { return snap, nil }
}

func fail(err error) func() (*smaps.Snapshot, error) {
	return func() (*smaps.Snapshot, error) { return nil, err }
}

type recordingReporter struct {
	snapshots []*smaps.Snapshot
	batches   [][]smaps.Change
}

func (r *recordingReporter) ReportSnapshot(snap *smaps.Snapshot) error {
	r.snapshots = append(r.snapshots, snap)
	return nil
}

func (r *recordingReporter) ReportChanges(_, _ *smaps.Snapshot, changes []smaps.Change) error {
	r.batches = append(r.batches, changes)
	return nil
}

func snapshotOf(regions ...smaps.Region) *smaps.Snapshot {
	return &smaps.Snapshot{PID: 1, TakenAt: time.Now(), Regions: regions}
}

func region(start, end, rss uint64, name string) smaps.Region {
	return smaps.Region{Start: start, End: end, Size: end - start, RSS: rss, Name: name}
}

func newTestWatcher(t *testing.T, reader SnapshotReader) (*Watcher, *recordingReporter) {
	t.Helper()
	reporter := &recordingReporter{}
	w := New(log.NewNopLogger(), prometheus.NewRegistry(), reader, reporter, 1, time.Hour)
	return w, reporter
}

func TestWatcherInitialSnapshot(t *testing.T) {
	t.Parallel()

	snap := snapshotOf(
		region(0x1000, 0x2000, 4096, "/lib/a.so"),
		region(0x3000, 0x4000, 0, "[heap]"),
	)
	w, _ := newTestWatcher(t, &scriptedReader{script: []func() (*smaps.Snapshot, error){ok(snap)}})

	got, err := w.initialSnapshot(context.Background())
	require.NoError(t, err)
	require.Same(t, snap, got)
}

func TestWatcherInitialSnapshotRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	snap := snapshotOf(region(0x1000, 0x2000, 4096, "/lib/a.so"))
	w, _ := newTestWatcher(t, &scriptedReader{script: []func() (*smaps.Snapshot, error){
		fail(smaps.ErrProcessNotFound),
		ok(snap),
	}})

	got, err := w.initialSnapshot(context.Background())
	require.NoError(t, err)
	require.Same(t, snap, got)
}

func TestWatcherInitialSnapshotPermissionDeniedIsFatal(t *testing.T) {
	t.Parallel()

	reader := &scriptedReader{script: []func() (*smaps.Snapshot, error){
		fail(smaps.ErrPermissionDenied),
		ok(snapshotOf()),
	}}
	w, _ := newTestWatcher(t, reader)

	_, err := w.initialSnapshot(context.Background())
	require.ErrorIs(t, err, smaps.ErrPermissionDenied)
	require.Equal(t, 1, reader.next, "permission denied must not be retried")
}

func TestWatcherFailedTickKeepsPreviousSnapshot(t *testing.T) {
	t.Parallel()

	first := snapshotOf(region(0x1000, 0x2000, 4096, "/lib/a.so"))
	third := snapshotOf(region(0x1000, 0x2000, 8192, "/lib/a.so"))
	w, reporter := newTestWatcher(t, &scriptedReader{script: []func() (*smaps.Snapshot, error){
		fail(smaps.ErrProcessGone),
		ok(third),
	}})
	w.prev = first

	// The gone tick is skipped without touching the stored snapshot.
	require.NoError(t, w.tick())
	require.Same(t, first, w.prev)
	require.Empty(t, reporter.batches)

	// The next good tick diffs against the last known-good state.
	require.NoError(t, w.tick())
	require.Same(t, third, w.prev)
	require.Len(t, reporter.batches, 1)
	require.Len(t, reporter.batches[0], 1)
	require.Equal(t, smaps.Modified, reporter.batches[0][0].Kind)
	require.Equal(t, uint64(4096), reporter.batches[0][0].Old.RSS)
	require.Equal(t, uint64(8192), reporter.batches[0][0].New.RSS)
}

func TestWatcherNoChangeTickReportsNothing(t *testing.T) {
	t.Parallel()

	snap := snapshotOf(region(0x1000, 0x2000, 4096, "/lib/a.so"))
	clone := snapshotOf(region(0x1000, 0x2000, 4096, "/lib/a.so"))
	w, reporter := newTestWatcher(t, &scriptedReader{script: []func() (*smaps.Snapshot, error){ok(clone)}})
	w.prev = snap

	require.NoError(t, w.tick())
	require.Len(t, reporter.batches, 1)
	require.Empty(t, reporter.batches[0])
	require.Same(t, clone, w.prev)
}

func TestWatcherIgnoreFilters(t *testing.T) {
	t.Parallel()

	prev := snapshotOf(region(0x1000, 0x2000, 4096, "/lib/a.so"))
	cur := snapshotOf(
		region(0x1000, 0x2000, 8192, "/lib/a.so"),
		region(0x3000, 0x4000, 0, "/usr/lib/locale/locale-archive"),
	)
	w, reporter := newTestWatcher(t, &scriptedReader{script: []func() (*smaps.Snapshot, error){ok(cur)}})
	w.prev = prev

	require.NoError(t, w.ApplyConfig(&config.Config{IgnoreNames: []string{"^/usr/lib/locale/"}}))

	require.NoError(t, w.tick())
	require.Len(t, reporter.batches, 1)
	require.Len(t, reporter.batches[0], 1)
	require.Equal(t, "/lib/a.so", reporter.batches[0][0].New.Name)
}

func TestWatcherApplyConfigRejectsBadPattern(t *testing.T) {
	t.Parallel()

	w, _ := newTestWatcher(t, &scriptedReader{script: []func() (*smaps.Snapshot, error){ok(snapshotOf())}})
	require.Error(t, w.ApplyConfig(&config.Config{IgnoreNames: []string{"("}}))
}

func TestWatcherRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	snap := snapshotOf(region(0x1000, 0x2000, 4096, "/lib/a.so"))
	reporter := &recordingReporter{}
	w := New(log.NewNopLogger(), prometheus.NewRegistry(), &scriptedReader{script: []func() (*smaps.Snapshot, error){ok(snap)}}, reporter, 1, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, reporter.snapshots, 1, "initial snapshot reported exactly once")
	for _, batch := range reporter.batches {
		require.Empty(t, batch)
	}
}
