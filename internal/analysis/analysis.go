// Package analysis holds the pure functions that sit between the LLM and
// the persisted results: validators that check model output against the
// window it was asked to explain, and the deterministic heuristic grouping
// used as fallback when the model cannot satisfy those checks.
//
// Nothing here performs I/O; everything is safe for concurrent use.
package analysis

import (
	"fmt"
	"strings"

	"github.com/7788ken/scribeflow/internal/eventlog"
)

// Reason codes carried by [ValidationError].
const (
	ReasonCoverage        = "coverage"         // output range does not equal the requested range
	ReasonGap             = "gap"              // hole between consecutive segments
	ReasonOverlap         = "overlap"          // consecutive segments overlap
	ReasonSpeakerMismatch = "speaker_mismatch" // fragment inside a segment has a different speaker
	ReasonAdjacentSpeaker = "adjacent_speaker" // adjacent segments share a speaker
	ReasonEmpty           = "empty"            // no segments for a non-empty window
)

// ValidationError describes one way an LLM payload failed the window
// invariants. It is never silently coerced; callers decide whether to retry
// or fall back.
type ValidationError struct {
	// Reason is one of the Reason* constants.
	Reason string

	// Detail is a human-readable description for diagnostics.
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("analysis: invalid model output (%s): %s", e.Reason, e.Detail)
}

// Segment is one speaker turn over a contiguous index range, inclusive on
// both ends.
type Segment struct {
	SpeakerID       string `json:"speakerId"`
	SpeakerName     string `json:"speakerName"`
	StartEventIndex int64  `json:"startEventIndex"`
	EndEventIndex   int64  `json:"endEventIndex"`
}

// Dialogue is a segment plus its (possibly model-corrected) text.
type Dialogue struct {
	Segment
	Content          string `json:"content"`
	CorrectedContent string `json:"correctedContent,omitempty"`
}

// ValidateSegments checks segs against the window events covering
// [start, end]:
//
//	(a) the segments exactly cover [start, end] with no gap or overlap;
//	(b) every fragment inside a segment shares that segment's SpeakerID;
//	(c) no two adjacent segments share a speaker.
//
// events must be the ordered fragments for [start, end].
func ValidateSegments(events []eventlog.Fragment, segs []Segment, start, end int64) error {
	if len(events) == 0 && start > end {
		return nil
	}
	if len(segs) == 0 {
		return &ValidationError{
			Reason: ReasonEmpty,
			Detail: fmt.Sprintf("no segments for window [%d,%d]", start, end),
		}
	}

	byIndex := make(map[int64]eventlog.Fragment, len(events))
	for _, e := range events {
		byIndex[e.EventIndex] = e
	}

	if segs[0].StartEventIndex != start {
		return &ValidationError{
			Reason: ReasonCoverage,
			Detail: fmt.Sprintf("first segment starts at %d, window starts at %d", segs[0].StartEventIndex, start),
		}
	}
	if segs[len(segs)-1].EndEventIndex != end {
		return &ValidationError{
			Reason: ReasonCoverage,
			Detail: fmt.Sprintf("last segment ends at %d, window ends at %d", segs[len(segs)-1].EndEventIndex, end),
		}
	}

	for i, seg := range segs {
		if seg.EndEventIndex < seg.StartEventIndex {
			return &ValidationError{
				Reason: ReasonCoverage,
				Detail: fmt.Sprintf("segment %d has inverted range [%d,%d]", i, seg.StartEventIndex, seg.EndEventIndex),
			}
		}
		if i > 0 {
			prev := segs[i-1]
			switch {
			case seg.StartEventIndex > prev.EndEventIndex+1:
				return &ValidationError{
					Reason: ReasonGap,
					Detail: fmt.Sprintf("gap between index %d and %d", prev.EndEventIndex, seg.StartEventIndex),
				}
			case seg.StartEventIndex <= prev.EndEventIndex:
				return &ValidationError{
					Reason: ReasonOverlap,
					Detail: fmt.Sprintf("segment %d starts at %d inside previous segment ending at %d", i, seg.StartEventIndex, prev.EndEventIndex),
				}
			}
			if seg.SpeakerID == prev.SpeakerID {
				return &ValidationError{
					Reason: ReasonAdjacentSpeaker,
					Detail: fmt.Sprintf("segments %d and %d both attributed to %q; they must be merged", i-1, i, seg.SpeakerID),
				}
			}
		}

		for idx := seg.StartEventIndex; idx <= seg.EndEventIndex; idx++ {
			frag, ok := byIndex[idx]
			if !ok {
				return &ValidationError{
					Reason: ReasonCoverage,
					Detail: fmt.Sprintf("segment %d covers index %d outside the window", i, idx),
				}
			}
			if frag.SpeakerID != seg.SpeakerID {
				return &ValidationError{
					Reason: ReasonSpeakerMismatch,
					Detail: fmt.Sprintf("index %d spoken by %q but segment %d attributed to %q", idx, frag.SpeakerID, i, seg.SpeakerID),
				}
			}
		}
	}
	return nil
}

// ValidateDialogues applies the same invariants as [ValidateSegments] to
// dialogue output.
func ValidateDialogues(events []eventlog.Fragment, dialogues []Dialogue, start, end int64) error {
	segs := make([]Segment, len(dialogues))
	for i, d := range dialogues {
		segs[i] = d.Segment
	}
	return ValidateSegments(events, segs, start, end)
}

// HeuristicGroup is the deterministic fallback grouping: walk the fragments
// in index order and start a new dialogue whenever the speaker changes,
// concatenating content within a group. The output always satisfies the
// invariants checked by [ValidateDialogues] by construction.
//
// events must be ordered by index with no gaps; this is guaranteed by
// [eventlog.Store.GetEventsInRange].
func HeuristicGroup(events []eventlog.Fragment) []Dialogue {
	if len(events) == 0 {
		return []Dialogue{}
	}

	var (
		out   []Dialogue
		cur   Dialogue
		parts []string
	)
	flush := func() {
		cur.Content = strings.Join(parts, " ")
		out = append(out, cur)
	}

	for i, e := range events {
		if i == 0 || e.SpeakerID != cur.SpeakerID {
			if i > 0 {
				flush()
			}
			cur = Dialogue{Segment: Segment{
				SpeakerID:       e.SpeakerID,
				SpeakerName:     e.SpeakerName,
				StartEventIndex: e.EventIndex,
				EndEventIndex:   e.EventIndex,
			}}
			parts = parts[:0]
		} else {
			cur.EndEventIndex = e.EventIndex
		}
		if e.Content != "" {
			parts = append(parts, e.Content)
		}
	}
	flush()
	return out
}

// HeuristicSegments is [HeuristicGroup] projected onto bare segments, for
// the turn segmentation variant that does not persist content.
func HeuristicSegments(events []eventlog.Fragment) []Segment {
	dialogues := HeuristicGroup(events)
	segs := make([]Segment, len(dialogues))
	for i, d := range dialogues {
		segs[i] = d.Segment
	}
	return segs
}
