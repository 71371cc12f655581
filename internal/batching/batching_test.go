package batching

import "testing"

func TestParseFrameRange(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []int
		wantErr bool
	}{
		{"single", "5", []int{5}, false},
		{"simple range", "1-3", []int{1, 2, 3}, false},
		{"mixed with dup", "1-3,3,5", []int{1, 2, 3, 5}, false},
		{"unordered input", "8,1-3", []int{1, 2, 3, 8}, false},
		{"empty", "", nil, true},
		{"bad term", "1-", nil, true},
		{"reversed range", "5-3", nil, true},
		{"non-numeric", "abc", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrameRange(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !equalInts(got, tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSplitWorkedExample(t *testing.T) {
	batches, err := Split("1-5,8,10-12", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"1-3", "4-5", "8", "10-12"}
	if len(batches) != len(want) {
		t.Fatalf("got %d batches want %d", len(batches), len(want))
	}
	for i, b := range batches {
		if b.Index != i+1 {
			t.Errorf("batch %d: index = %d, want %d", i, b.Index, i+1)
		}
		if b.FrameRange() != want[i] {
			t.Errorf("batch %d: frame range = %q, want %q", i, b.FrameRange(), want[i])
		}
	}
}

func TestSplitBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		frames    string
		batchSize int
		want      []string
		wantErr   bool
	}{
		{"single frame fits in larger batch", "5", 10, []string{"5"}, false},
		{"exact fit", "1-10", 10, []string{"1-10"}, false},
		{"dedup then repack", "1-10,10,9", 3, []string{"1-3", "4-6", "7-9", "10"}, false},
		{"zero batch size", "1-10", 0, nil, true},
		{"negative batch size", "1-10", -1, nil, true},
		{"empty range", "", 3, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Split(tt.frames, tt.batchSize)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d batches want %d", len(got), len(tt.want))
			}
			for i, b := range got {
				if b.FrameRange() != tt.want[i] {
					t.Errorf("batch %d = %q, want %q", i, b.FrameRange(), tt.want[i])
				}
				if b.Index != i+1 {
					t.Errorf("batch %d index = %d, want %d", i, b.Index, i+1)
				}
			}
		})
	}
}

// TestSplitDeterministic is a light property check (spec §8 P1 / invariant
// I5): the same input always produces the same batch sequence.
func TestSplitDeterministic(t *testing.T) {
	inputs := []string{"1-5,8,10-12", "1,2,3,10,11,20", "100-105"}
	for _, in := range inputs {
		first, err := Split(in, 4)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i := 0; i < 5; i++ {
			again, err := Split(in, 4)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(again) != len(first) {
				t.Fatalf("non-deterministic batch count for %q", in)
			}
			for j := range again {
				if again[j] != first[j] {
					t.Fatalf("non-deterministic batch %d for %q: %+v vs %+v", j, in, again[j], first[j])
				}
			}
		}
	}
}

// TestSplitRoundTrip checks P1: the multiset union of produced batches
// equals dedup(parse(R)), batches are contiguous runs of length <= B.
func TestSplitRoundTrip(t *testing.T) {
	in := "20,1-3,3,4,9,7-8"
	const batchSize = 2
	frames, err := ParseFrameRange(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	batches, err := Split(in, batchSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var rebuilt []int
	for _, b := range batches {
		if b.End-b.Start+1 > batchSize {
			t.Fatalf("batch %+v exceeds batch size %d", b, batchSize)
		}
		for f := b.Start; f <= b.End; f++ {
			rebuilt = append(rebuilt, f)
		}
	}
	if !equalInts(rebuilt, frames) {
		t.Fatalf("round-trip mismatch: got %v want %v", rebuilt, frames)
	}
}
