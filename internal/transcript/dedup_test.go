package transcript

import (
	"math"
	"testing"
)

func TestSimilarityTokenRatio(t *testing.T) {
	tail := tokenize("the quick brown fox").norm
	head := tokenize("brown fox jumps").norm
	got := similarity(tail, head)
	want := 2.0 / 3.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("similarity = %v, want %v", got, want)
	}
	if got := similarity(tail, tokenize("The quick BROWN fox!").norm); got != 1.0 {
		t.Fatalf("similarity case/punct insensitive = %v, want 1.0", got)
	}
}

func TestSharedBoundaryRun(t *testing.T) {
	cases := []struct {
		tail, head string
		want       int
	}{
		{"the quick brown fox", "brown fox jumps", 2},
		{"we shipped it friday", "friday the rollout went fine", 1},
		{"totally different", "words entirely", 0},
		{"a b c", "a b c", 3},
	}
	for _, tc := range cases {
		got := sharedBoundaryRun(tokenize(tc.tail).norm, tokenize(tc.head).norm)
		if got != tc.want {
			t.Fatalf("sharedBoundaryRun(%q, %q) = %d, want %d", tc.tail, tc.head, got, tc.want)
		}
	}
}

func TestDedupPairDropsFullRecapture(t *testing.T) {
	prev := []Segment{{Start: 8.1, End: 9.9, Text: "I led the migration project", Confidence: 0.9}}
	next := []Segment{
		{Start: 0.1, End: 1.9, Text: "I led the migration project", Confidence: 0.85},
		{Start: 2.2, End: 4.0, Text: "and then moved to platform work", Confidence: 0.8},
	}
	tail, head := dedupPair(prev, 10, next, 2, DefaultDedupParams())
	if len(tail) != 1 {
		t.Fatalf("tail = %d segments, want 1", len(tail))
	}
	if len(head) != 1 || head[0].Text != "and then moved to platform work" {
		t.Fatalf("head = %+v, want only the non-duplicate segment", head)
	}
}

func TestDedupPairTrimsBoundaryRepeat(t *testing.T) {
	prev := []Segment{{Start: 7.6, End: 10, Text: "the quick brown fox", Confidence: 0.9}}
	next := []Segment{{Start: 0, End: 2.4, Text: "brown fox jumps", Confidence: 0.85}}
	tail, head := dedupPair(prev, 10, next, 2, DefaultDedupParams())
	if len(tail) != 1 || tail[0].Text != "the quick brown fox" {
		t.Fatalf("tail = %+v, want untouched", tail)
	}
	if len(head) != 1 || head[0].Text != "jumps" {
		t.Fatalf("head = %+v, want trimmed to %q", head, "jumps")
	}
	if head[0].Start <= next[0].Start {
		t.Fatalf("trimmed head start = %v, want prorated past %v", head[0].Start, next[0].Start)
	}
}

func TestDedupPairHigherConfidenceRecaptureWins(t *testing.T) {
	prev := []Segment{{Start: 8.0, End: 9.8, Text: "we scaled the ingest tier", Confidence: 0.6}}
	next := []Segment{{Start: 0.0, End: 1.8, Text: "we scaled the ingest tier", Confidence: 0.75}}
	tail, head := dedupPair(prev, 10, next, 2, DefaultDedupParams())
	if len(tail) != 0 {
		t.Fatalf("tail = %+v, want earlier capture replaced", tail)
	}
	if len(head) != 1 {
		t.Fatalf("head = %+v, want later capture kept", head)
	}
}

func TestDedupPairSmallConfidenceEdgeKeepsEarlier(t *testing.T) {
	prev := []Segment{{Start: 8.0, End: 9.8, Text: "we scaled the ingest tier", Confidence: 0.7}}
	next := []Segment{{Start: 0.0, End: 1.8, Text: "we scaled the ingest tier", Confidence: 0.75}}
	tail, head := dedupPair(prev, 10, next, 2, DefaultDedupParams())
	if len(tail) != 1 {
		t.Fatalf("tail = %+v, want earlier capture kept", tail)
	}
	if len(head) != 0 {
		t.Fatalf("head = %+v, want later duplicate dropped", head)
	}
}

func TestDedupPairRespectsPositionTolerance(t *testing.T) {
	// Same words, but the tail candidate sits 3s earlier in the shared
	// window than the head candidate claims to. Not the same audio.
	prev := []Segment{{Start: 6.2, End: 7.2, Text: "tell me about the outage", Confidence: 0.9}}
	next := []Segment{{Start: 3.5, End: 4.0, Text: "tell me about the outage", Confidence: 0.9}}
	tail, head := dedupPair(prev, 10, next, 4, DefaultDedupParams())
	if len(tail) != 1 || len(head) != 1 {
		t.Fatalf("tail = %d, head = %d segments, want both kept", len(tail), len(head))
	}
}

func TestDedupPairZeroOverlapNoop(t *testing.T) {
	prev := []Segment{{Start: 9, End: 10, Text: "same words", Confidence: 0.9}}
	next := []Segment{{Start: 0, End: 1, Text: "same words", Confidence: 0.9}}
	tail, head := dedupPair(prev, 10, next, 0, DefaultDedupParams())
	if len(tail) != 1 || len(head) != 1 {
		t.Fatalf("zero overlap changed segments: tail=%d head=%d", len(tail), len(head))
	}
}
