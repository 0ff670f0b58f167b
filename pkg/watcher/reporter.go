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
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/parca-dev/mapwatcher/pkg/smaps"
)

// Reporter renders diff results for the operator.
type Reporter interface {
	// ReportSnapshot renders a full snapshot, region by region. Used once
	// for the initial state.
	ReportSnapshot(snap *smaps.Snapshot) error
	// ReportChanges renders the delta between two consecutive snapshots.
	ReportChanges(prev, cur *smaps.Snapshot, changes []smaps.Change) error
}

// TextReporter writes one line per region or change event. The MMAP, DROP
// and CHANGED tags make the three event kinds grep-able.
type TextReporter struct {
	w io.Writer
}

func NewTextReporter(w io.Writer) *TextReporter {
	return &TextReporter{w: w}
}

func (r *TextReporter) ReportSnapshot(snap *smaps.Snapshot) error {
	if _, err := fmt.Fprintf(r.w, "initial maps of pid %d at %s:\n", snap.PID, snap.TakenAt.Format(time.RFC3339)); err != nil {
		return err
	}
	for _, region := range snap.Regions {
		_, err := fmt.Fprintf(r.w, "%x-%x %s %s %d size=%d rss=%d pss=%d swap=%d %s\n",
			region.Start, region.End, region.Perms, region.Dev, region.Inode,
			region.Size, region.RSS, region.PSS, region.Swap, region.Name)
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(r.w, "%d named regions, %s resident\n\n",
		snap.Len(), humanize.IBytes(snap.TotalRSS()))
	return err
}

func (r *TextReporter) ReportChanges(prev, cur *smaps.Snapshot, changes []smaps.Change) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := fmt.Fprintf(r.w, "differences in maps of pid %d between %s and %s:\n",
		cur.PID, prev.TakenAt.Format(time.RFC3339), cur.TakenAt.Format(time.RFC3339))
	if err != nil {
		return err
	}
	for _, c := range changes {
		switch c.Kind {
		case smaps.Added:
			_, err = fmt.Fprintf(r.w, "MMAP: %x-%x size=%d rss=%d %s\n",
				c.New.Start, c.New.End, c.New.Size, c.New.RSS, c.New.Name)
		case smaps.Removed:
			_, err = fmt.Fprintf(r.w, "DROP: %x-%x size=%d rss=%d %s\n",
				c.Old.Start, c.Old.End, c.Old.Size, c.Old.RSS, c.Old.Name)
		case smaps.Modified:
			_, err = fmt.Fprintf(r.w, "CHANGED: %x-%x%s size=%d%s rss=%d%s %s\n",
				c.New.Start, c.New.End, was(c.Old.End != c.New.End, fmt.Sprintf("%x", c.Old.End)),
				c.New.Size, was(c.Old.Size != c.New.Size, fmt.Sprintf("%d", c.Old.Size)),
				c.New.RSS, was(c.Old.RSS != c.New.RSS, fmt.Sprintf("%d", c.Old.RSS)),
				c.New.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func was(changed bool, old string) string {
	if !changed {
		return ""
	}
	return " (was " + old + ")"
}
