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

package smaps

// ChangeKind classifies one diff event.
type ChangeKind int

const (
	Added ChangeKind = iota
	Removed
	Modified
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Modified:
		return "modified"
	default:
		return "unknown"
	}
}

// Change is one diff event. New is set for Added, Old for Removed, and both
// for Modified.
type Change struct {
	Kind ChangeKind
	Old  Region
	New  Region
}

// changed reports whether a region with the same start address counts as
// modified. Name is deliberately not part of the predicate: the identity
// key is the start address alone.
func changed(old, cur Region) bool {
	return old.End != cur.End || old.Size != cur.Size || old.RSS != cur.RSS
}

// Diff computes the delta between two snapshots of the same process as an
// ordered sequence of events, ascending by start address, exactly one event
// per address present in either snapshot and none for addresses whose
// end/size/rss are unchanged. A nil prev means there is no previous
// snapshot yet, so every region of cur is reported as Added.
func Diff(prev, cur *Snapshot) []Change {
	var (
		changes []Change
		p, c    []Region
	)
	if prev != nil {
		p = prev.Regions
	}
	if cur != nil {
		c = cur.Regions
	}

	// Both slices are ascending by start address, so a single merge pass
	// visits the union of addresses in order.
	i, j := 0, 0
	for i < len(p) && j < len(c) {
		switch {
		case p[i].Start < c[j].Start:
			changes = append(changes, Change{Kind: Removed, Old: p[i]})
			i++
		case p[i].Start > c[j].Start:
			changes = append(changes, Change{Kind: Added, New: c[j]})
			j++
		default:
			if changed(p[i], c[j]) {
				changes = append(changes, Change{Kind: Modified, Old: p[i], New: c[j]})
			}
			i++
			j++
		}
	}
	for ; i < len(p); i++ {
		changes = append(changes, Change{Kind: Removed, Old: p[i]})
	}
	for ; j < len(c); j++ {
		changes = append(changes, Change{Kind: Added, New: c[j]})
	}
	return changes
}
