// Package batching implements the frame-range grammar and the batching
// algorithm that turns a parsed frame set into ordered, contiguous
// SubJob runs (spec §4.2, §8 P1).
package batching

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseFrameRange parses a grammar of the form
//
//	range := term ("," term)*
//	term  := int | int "-" int
//
// into a deduplicated, ascending-sorted slice of frame numbers. Order
// within the input is ignored. Malformed input returns an error the
// caller should surface as BadRequest.
func ParseFrameRange(expr string) ([]int, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty frame range")
	}
	set := make(map[int]struct{})
	for _, term := range strings.Split(expr, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			return nil, fmt.Errorf("empty term in frame range %q", expr)
		}
		if i := strings.IndexByte(term, '-'); i > 0 {
			aStr, bStr := term[:i], term[i+1:]
			a, err := strconv.Atoi(strings.TrimSpace(aStr))
			if err != nil {
				return nil, fmt.Errorf("invalid range start %q: %w", aStr, err)
			}
			b, err := strconv.Atoi(strings.TrimSpace(bStr))
			if err != nil {
				return nil, fmt.Errorf("invalid range end %q: %w", bStr, err)
			}
			if a > b {
				return nil, fmt.Errorf("invalid range %q: start > end", term)
			}
			for f := a; f <= b; f++ {
				set[f] = struct{}{}
			}
			continue
		}
		n, err := strconv.Atoi(term)
		if err != nil {
			return nil, fmt.Errorf("invalid frame %q: %w", term, err)
		}
		set[n] = struct{}{}
	}
	frames := make([]int, 0, len(set))
	for f := range set {
		frames = append(frames, f)
	}
	sort.Ints(frames)
	return frames, nil
}

// Batch is one contiguous run of frames, 1-based dense index in output
// order (spec §4.2, §8 P1).
type Batch struct {
	Index      int
	Start, End int
}

// FrameRange renders the batch as "start-end", or a single integer when
// the run has length 1 (spec §4.2).
func (b Batch) FrameRange() string {
	if b.Start == b.End {
		return strconv.Itoa(b.Start)
	}
	return fmt.Sprintf("%d-%d", b.Start, b.End)
}

// Split packs a frame-range expression into contiguous runs of length at
// most batchSize. Runs are not split to balance across workers; any
// non-contiguous gap (including one introduced by deduplication) starts a
// new run. Batching is deterministic: the same (frameRange, batchSize)
// always produces the same batch sequence (invariant I5).
func Split(frameRange string, batchSize int) ([]Batch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch_size must be positive, got %d", batchSize)
	}
	frames, err := ParseFrameRange(frameRange)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("frame range %q produced no frames", frameRange)
	}

	var batches []Batch
	runStart := frames[0]
	runEnd := frames[0]
	runLen := 1
	flush := func() {
		batches = append(batches, Batch{Index: len(batches) + 1, Start: runStart, End: runEnd})
	}
	for _, f := range frames[1:] {
		contiguous := f == runEnd+1
		if contiguous && runLen < batchSize {
			runEnd = f
			runLen++
			continue
		}
		flush()
		runStart, runEnd, runLen = f, f, 1
	}
	flush()
	return batches, nil
}
