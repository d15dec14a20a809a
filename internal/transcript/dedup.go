package transcript

import (
	"math"
	"strings"
	"unicode"
)

// DedupParams tune duplicate detection inside overlap windows.
type DedupParams struct {
	// SimilarityThreshold is the token-overlap ratio at or above which a head
	// segment counts as a full re-capture of a tail segment.
	SimilarityThreshold float64
	// PositionTolerance is the timestamp slack, in seconds, allowed when
	// aligning a head candidate with a tail candidate inside the window.
	PositionTolerance float64
	// ConfidenceEdge is how much a later segment's confidence must exceed the
	// earlier one's before the later capture replaces it.
	ConfidenceEdge float64
	// MinRunTokens is the shortest shared boundary token run worth trimming
	// when two segments only partially repeat each other.
	MinRunTokens int
}

// DefaultDedupParams returns the tuning used in production.
func DefaultDedupParams() DedupParams {
	return DedupParams{
		SimilarityThreshold: 0.8,
		PositionTolerance:   0.5,
		ConfidenceEdge:      0.1,
		MinRunTokens:        2,
	}
}

// dedupPair removes speech transcribed twice because two adjacent chunks share
// an overlap window of overlap seconds. prev holds the retained segments of the
// earlier chunk (chunk-relative times, prevDur seconds long), next the raw
// segments of the later chunk. Both lists come back possibly reduced: a head
// segment that re-captures a tail segment is dropped, unless its confidence
// beats the tail's by more than ConfidenceEdge, in which case the tail goes
// instead. Partial boundary repeats are trimmed from the head.
func dedupPair(prev []Segment, prevDur float64, next []Segment, overlap float64, p DedupParams) ([]Segment, []Segment) {
	if overlap <= 0 || len(prev) == 0 || len(next) == 0 {
		return prev, next
	}
	winLo := prevDur - overlap
	if winLo < 0 {
		winLo = 0
	}

	var tailIdx []int
	for i, t := range prev {
		if t.End >= winLo {
			tailIdx = append(tailIdx, i)
		}
	}

	dropTail := make(map[int]bool)
	headOut := make([]Segment, 0, len(next))

	for _, h := range next {
		if h.Start > overlap+p.PositionTolerance {
			headOut = append(headOut, h)
			continue
		}
		hTok := tokenize(h.Text)
		if len(hTok.norm) == 0 {
			headOut = append(headOut, h)
			continue
		}

		bestSim, bestIdx := 0.0, -1
		bestRun, runIdx := 0, -1
		for _, ti := range tailIdx {
			if dropTail[ti] {
				continue
			}
			t := prev[ti]
			// Position of the tail candidate mapped into the shared window
			// must line up with where the head candidate sits in its own.
			if math.Abs((t.Start-winLo)-h.Start) > p.PositionTolerance {
				continue
			}
			tTok := tokenize(t.Text)
			if sim := similarity(tTok.norm, hTok.norm); sim > bestSim {
				bestSim, bestIdx = sim, ti
			}
			if run := sharedBoundaryRun(tTok.norm, hTok.norm); run > bestRun {
				bestRun, runIdx = run, ti
			}
		}

		if bestIdx >= 0 && bestSim >= p.SimilarityThreshold {
			if h.Confidence > prev[bestIdx].Confidence+p.ConfidenceEdge {
				dropTail[bestIdx] = true
				headOut = append(headOut, h)
			}
			continue
		}
		if runIdx >= 0 && bestRun >= p.MinRunTokens {
			if trimmed, ok := trimLeadingTokens(h, hTok, bestRun); ok {
				headOut = append(headOut, trimmed)
			}
			continue
		}
		headOut = append(headOut, h)
	}

	if len(dropTail) == 0 {
		return prev, headOut
	}
	tailOut := make([]Segment, 0, len(prev))
	for i, t := range prev {
		if !dropTail[i] {
			tailOut = append(tailOut, t)
		}
	}
	return tailOut, headOut
}

// tokens pairs normalized tokens with the whitespace fields they came from so
// trimming can cut the original text, not the normalized form.
type tokens struct {
	fields   []string
	norm     []string
	fieldIdx []int
}

func tokenize(text string) tokens {
	fields := strings.Fields(text)
	tk := tokens{fields: fields}
	for i, f := range fields {
		n := normalizeToken(f)
		if n == "" {
			continue
		}
		tk.norm = append(tk.norm, n)
		tk.fieldIdx = append(tk.fieldIdx, i)
	}
	return tk
}

func normalizeToken(field string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(field) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "'")
}

// similarity is the token-overlap ratio: shared tokens (counted as a multiset)
// over the head candidate's token count.
func similarity(tail, head []string) float64 {
	if len(head) == 0 {
		return 0
	}
	counts := make(map[string]int, len(tail))
	for _, t := range tail {
		counts[t]++
	}
	common := 0
	for _, h := range head {
		if counts[h] > 0 {
			counts[h]--
			common++
		}
	}
	return float64(common) / float64(len(head))
}

// sharedBoundaryRun returns the longest k such that the last k tail tokens
// equal the first k head tokens.
func sharedBoundaryRun(tail, head []string) int {
	max := len(tail)
	if len(head) < max {
		max = len(head)
	}
	for k := max; k > 0; k-- {
		match := true
		for i := 0; i < k; i++ {
			if tail[len(tail)-k+i] != head[i] {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}

// trimLeadingTokens drops the first run normalized tokens from the segment
// text, prorating the start timestamp across the removed share. Returns false
// when nothing would remain.
func trimLeadingTokens(s Segment, tk tokens, run int) (Segment, bool) {
	if run >= len(tk.norm) {
		return Segment{}, false
	}
	cutField := tk.fieldIdx[run]
	rest := strings.Join(tk.fields[cutField:], " ")
	if rest == "" {
		return Segment{}, false
	}
	out := s
	out.Text = rest
	if n := len(tk.norm); n > 0 {
		out.Start = s.Start + s.duration()*float64(run)/float64(n)
	}
	return out, true
}
