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
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/mapwatcher/pkg/smaps"
)

func TestTextReporterSnapshot(t *testing.T) {
	t.Parallel()

	snap := &smaps.Snapshot{
		PID:     42,
		TakenAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Regions: []smaps.Region{
			{Start: 0x1000, End: 0x2000, Size: 0x1000, RSS: 4096, Perms: "r-xp", Dev: "08:01", Inode: 7, Name: "/lib/a.so"},
			{Start: 0x5000, End: 0x6000, Size: 0x1000, RSS: 8192, Perms: "rw-p", Dev: "00:00", Name: "[heap]"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewTextReporter(&buf).ReportSnapshot(snap))

	out := buf.String()
	require.Contains(t, out, "initial maps of pid 42")
	require.Contains(t, out, "1000-2000 r-xp 08:01 7 size=4096 rss=4096 pss=0 swap=0 /lib/a.so")
	require.Contains(t, out, "5000-6000 rw-p 00:00 0 size=4096 rss=8192 pss=0 swap=0 [heap]")
	require.Contains(t, out, "2 named regions, 12 KiB resident")
}

func TestTextReporterChanges(t *testing.T) {
	t.Parallel()

	prev := &smaps.Snapshot{PID: 42, TakenAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	cur := &smaps.Snapshot{PID: 42, TakenAt: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)}

	changes := []smaps.Change{
		{
			Kind: smaps.Modified,
			Old:  smaps.Region{Start: 0x1000, End: 0x2000, Size: 0x1000, RSS: 4096, Name: "/lib/a.so"},
			New:  smaps.Region{Start: 0x1000, End: 0x3000, Size: 0x2000, RSS: 8192, Name: "/lib/a.so"},
		},
		{
			Kind: smaps.Added,
			New:  smaps.Region{Start: 0x5000, End: 0x6000, Size: 0x1000, Name: "[heap]"},
		},
		{
			Kind: smaps.Removed,
			Old:  smaps.Region{Start: 0x7000, End: 0x8000, Size: 0x1000, RSS: 4096, Name: "/lib/gone.so"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewTextReporter(&buf).ReportChanges(prev, cur, changes))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "differences in maps of pid 42 between 2024-05-01T12:00:00Z and 2024-05-01T12:00:01Z:", lines[0])
	require.Equal(t, "CHANGED: 1000-3000 (was 2000) size=8192 (was 4096) rss=8192 (was 4096) /lib/a.so", lines[1])
	require.Equal(t, "MMAP: 5000-6000 size=4096 rss=0 [heap]", lines[2])
	require.Equal(t, "DROP: 7000-8000 size=4096 rss=4096 /lib/gone.so", lines[3])
}

func TestTextReporterNoChangesNoOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, NewTextReporter(&buf).ReportChanges(&smaps.Snapshot{}, &smaps.Snapshot{}, nil))
	require.Zero(t, buf.Len())
}

func TestTextReporterModifiedOnlyAnnotatesChangedFields(t *testing.T) {
	t.Parallel()

	changes := []smaps.Change{
		{
			Kind: smaps.Modified,
			Old:  smaps.Region{Start: 0x1000, End: 0x2000, Size: 0x1000, RSS: 4096, Name: "/lib/a.so"},
			New:  smaps.Region{Start: 0x1000, End: 0x2000, Size: 0x1000, RSS: 8192, Name: "/lib/a.so"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewTextReporter(&buf).ReportChanges(&smaps.Snapshot{}, &smaps.Snapshot{}, changes))
	require.Contains(t, buf.String(), "CHANGED: 1000-2000 size=4096 rss=8192 (was 4096) /lib/a.so")
}
