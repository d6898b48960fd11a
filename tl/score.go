// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tl

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

// CollInitFunc builds a CollTask for the given arguments. It is the constructor attached to a score range.
type CollInitFunc func(args *CollArgs) (CollTask, error)

// ScoreRange advertises that a team can serve collective CollType over buffers of MemType
// with message sizes in [Start, End), with the given Score (higher is preferred).
type ScoreRange struct {
	CollType CollType
	MemType  MemoryType
	Start    uint64
	End      uint64
	Score    int
	Init     CollInitFunc
	Team     Team
}

// Contains returns whether msgSize falls in the range.
func (r *ScoreRange) Contains(msgSize uint64) bool {
	return msgSize >= r.Start && msgSize < r.End
}

// String implements fmt.Stringer.
func (r *ScoreRange) String() string {
	end := "max"
	if r.End != MsgMax {
		end = humanize.IBytes(r.End)
	}
	return fmt.Sprintf("%s/%s [%s, %s) score=%d", r.CollType, r.MemType, humanize.IBytes(r.Start), end, r.Score)
}

// CollScore is the registry of score ranges a transport team reports to the collective selector.
type CollScore struct {
	ranges []*ScoreRange
}

// NewCollScore returns an empty CollScore.
func NewCollScore() *CollScore {
	return &CollScore{}
}

// AddRange registers one score range. collType must be a single collective type.
func (s *CollScore) AddRange(collType CollType, memType MemoryType, start, end uint64, score int,
	init CollInitFunc, team Team) error {
	if len(collType.Types()) != 1 || collType >= CollLast {
		return Errorf(ErrInvalidParam, "score range requires a single collective type, got %s", collType)
	}
	if start >= end {
		return Errorf(ErrInvalidParam, "invalid score range [%d, %d) for %s", start, end, collType)
	}
	if init == nil {
		return Errorf(ErrInvalidParam, "score range for %s has no constructor", collType)
	}
	s.ranges = append(s.ranges, &ScoreRange{
		CollType: collType,
		MemType:  memType,
		Start:    start,
		End:      end,
		Score:    score,
		Init:     init,
		Team:     team,
	})
	return nil
}

// Ranges returns the registered ranges, in registration order.
func (s *CollScore) Ranges() []*ScoreRange {
	return slices.Clone(s.ranges)
}

// Len returns the number of registered ranges.
func (s *CollScore) Len() int {
	return len(s.ranges)
}

// Lookup returns the highest scored range that serves the given collective, or nil if none does.
// Ties go to the earliest registered range.
func (s *CollScore) Lookup(collType CollType, memType MemoryType, msgSize uint64) *ScoreRange {
	var best *ScoreRange
	for _, r := range s.ranges {
		if r.CollType != collType || r.MemType != memType || !r.Contains(msgSize) {
			continue
		}
		if best == nil || r.Score > best.Score {
			best = r
		}
	}
	return best
}

// String implements fmt.Stringer, one range per line.
func (s *CollScore) String() string {
	var sb strings.Builder
	for _, r := range s.ranges {
		sb.WriteString(r.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
