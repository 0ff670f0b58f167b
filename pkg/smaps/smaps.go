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

// Package smaps parses the per-process smaps report of the Linux kernel
// into snapshots of named memory regions and computes deltas between
// snapshots taken at different times.
package smaps

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Region is one mapped virtual address range of a process at a point in
// time. End is exclusive. Size, RSS, PSS and Swap are in bytes. Name is
// never empty: unnamed (anonymous) mappings are dropped during parsing and
// never enter a Snapshot.
type Region struct {
	Start  uint64
	End    uint64
	Size   uint64
	RSS    uint64
	Perms  string
	Offset uint64
	Dev    string
	Inode  uint64
	PSS    uint64
	Swap   uint64
	Name   string
}

// Snapshot is the collection of named Regions of one process at one
// instant, ascending by start address. Snapshots are immutable once
// constructed.
type Snapshot struct {
	PID     int
	TakenAt time.Time
	Regions []Region
}

// Len returns the number of named regions in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Regions)
}

// Region returns the region starting at the given address, if any.
func (s *Snapshot) Region(start uint64) (Region, bool) {
	if s == nil {
		return Region{}, false
	}
	i := sort.Search(len(s.Regions), func(i int) bool {
		return s.Regions[i].Start >= start
	})
	if i < len(s.Regions) && s.Regions[i].Start == start {
		return s.Regions[i], true
	}
	return Region{}, false
}

// TotalRSS returns the summed resident set size of all regions, in bytes.
func (s *Snapshot) TotalRSS() uint64 {
	var total uint64
	if s == nil {
		return 0
	}
	for _, r := range s.Regions {
		total += r.RSS
	}
	return total
}

// ParseError reports a malformed line in an smaps report. The whole report
// is rejected; a partially parsed snapshot is never returned.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed smaps line %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser turns raw smaps report text into Snapshots.
type Parser struct {
	logger log.Logger
}

func NewParser(logger log.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse parses a raw smaps report. Unnamed mappings are dropped. A
// duplicate start address within one report should not occur; if it does,
// the last value wins and the anomaly is logged.
func (p *Parser) Parse(pid int, data []byte) (*Snapshot, error) {
	snap := &Snapshot{
		PID:     pid,
		TakenAt: time.Now(),
	}

	var (
		current   *Region
		seen      = map[uint64]int{}
		duplicate bool
	)
	retain := func() {
		if current == nil || current.Name == "" {
			current = nil
			return
		}
		if i, ok := seen[current.Start]; ok {
			// Last value wins, but a well-formed report never repeats a
			// start address.
			snap.Regions[i] = *current
			duplicate = true
		} else {
			seen[current.Start] = len(snap.Regions)
			snap.Regions = append(snap.Regions, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if isHeader(fields[0]) {
			retain()
			r, err := parseHeader(line, fields)
			if err != nil {
				return nil, &ParseError{Line: line, Err: err}
			}
			current = r
			continue
		}
		if current == nil {
			return nil, &ParseError{Line: line, Err: fmt.Errorf("attribute line before any mapping header")}
		}
		parseAttribute(current, fields)
	}
	retain()

	if duplicate {
		level.Warn(p.logger).Log("msg", "duplicate start address in smaps report, kept last value", "pid", pid)
	}

	// The kernel emits mappings ascending by start address. The diff's merge
	// pass depends on that, so enforce it rather than assume it.
	sort.Slice(snap.Regions, func(i, j int) bool {
		return snap.Regions[i].Start < snap.Regions[j].Start
	})
	return snap, nil
}

// isHeader reports whether the first field of a line looks like the
// <start>-<end> address range of a mapping header. Attribute lines start
// with a `Key:` token, which never contains a dash.
func isHeader(first string) bool {
	return strings.Contains(first, "-")
}

func parseHeader(line string, fields []string) (*Region, error) {
	if len(fields) < 5 {
		return nil, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}
	bounds := strings.SplitN(fields[0], "-", 2)
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("start address: %w", err)
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("end address: %w", err)
	}
	if end <= start {
		return nil, fmt.Errorf("end address %#x not beyond start %#x", end, start)
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("offset: %w", err)
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("inode: %w", err)
	}
	return &Region{
		Start:  start,
		End:    end,
		Size:   end - start,
		Perms:  fields[1],
		Offset: offset,
		Dev:    fields[3],
		Inode:  inode,
		Name:   strings.Join(fields[5:], " "),
	}, nil
}

// parseAttribute extracts the counters the snapshot model carries from one
// `Key: N kB` line. All other attribute lines, including VmFlags, are
// ignored. Values are kB in the report.
func parseAttribute(r *Region, fields []string) {
	if len(fields) < 2 {
		return
	}
	value, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return
	}
	switch fields[0] {
	case "Rss:":
		r.RSS = value * 1024
	case "Pss:":
		r.PSS = value * 1024
	case "Swap:":
		r.Swap = value * 1024
	}
}
