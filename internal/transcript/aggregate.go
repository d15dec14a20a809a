package transcript

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Build folds per-chunk transcripts into one session transcript. The result
// depends only on the chunk set and sequence indices, never on the order the
// slice was assembled in, which is what makes recomputation idempotent.
//
// Session-relative offsets accumulate duration minus declared overlap across
// adjacent chunks, so overlap seconds are counted exactly once. Across a hole
// the declared overlap refers to a chunk that never arrived and is not
// subtracted. Dedup runs only between adjacent chunks that both transcribed.
func Build(sessionID string, chunks []ChunkTranscript, expected int, p DedupParams) Transcript {
	ordered := make([]ChunkTranscript, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	received := make([]int, 0, len(ordered))
	var failed []int
	for _, c := range ordered {
		received = append(received, c.Seq)
		if c.Failed {
			failed = append(failed, c.Seq)
		}
	}
	gaps := FindGaps(received, expected)
	if len(failed) > 0 {
		gaps = append(gaps, failed...)
		sort.Ints(gaps)
	}

	var out []PlacedSegment
	var pending []Segment
	var pendingSeq int
	var pendingDur, pendingOffset float64
	pendingFailed := false
	have := false

	flush := func() {
		for _, s := range pending {
			out = append(out, PlacedSegment{
				Seq:        pendingSeq,
				Start:      pendingOffset + s.Start,
				End:        pendingOffset + s.End,
				Text:       s.Text,
				Confidence: s.Confidence,
			})
		}
	}

	for _, c := range ordered {
		segs := make([]Segment, len(c.Segments))
		copy(segs, c.Segments)
		sort.Slice(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })

		if !have {
			pending, pendingSeq, pendingDur, pendingFailed = segs, c.Seq, c.Duration, c.Failed
			pendingOffset = 0
			have = true
			continue
		}

		adjacent := c.Seq == pendingSeq+1
		offset := pendingOffset + pendingDur
		if adjacent {
			offset -= c.Overlap
			if offset < pendingOffset {
				offset = pendingOffset
			}
		}
		if adjacent && !pendingFailed && !c.Failed {
			pending, segs = dedupPair(pending, pendingDur, segs, c.Overlap, p)
		}
		flush()
		pending, pendingSeq, pendingDur, pendingFailed = segs, c.Seq, c.Duration, c.Failed
		pendingOffset = offset
	}
	flush()

	var parts []string
	var weighted, total float64
	for _, s := range out {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
		d := s.End - s.Start
		if d > 0 {
			weighted += s.Confidence * d
			total += d
		}
	}
	confidence := 0.0
	if total > 0 {
		confidence = weighted / total
	}

	return Transcript{
		SessionID:    sessionID,
		Segments:     out,
		FullText:     strings.Join(parts, " "),
		Confidence:   confidence,
		SegmentCount: len(out),
		Gaps:         gaps,
		ComputedAt:   time.Now().UTC(),
	}
}

// Aggregator keeps the raw per-chunk transcripts of live sessions and the
// transcript last built from them. It owns AggregatedTranscript state; nothing
// else mutates it.
type Aggregator struct {
	mu       sync.RWMutex
	params   DedupParams
	sessions map[string]*sessionAggregate
}

type sessionAggregate struct {
	chunks   map[int]ChunkTranscript
	expected int
	frozen   bool
	current  Transcript
}

func NewAggregator(params DedupParams) *Aggregator {
	if params.SimilarityThreshold <= 0 {
		params = DefaultDedupParams()
	}
	return &Aggregator{
		params:   params,
		sessions: make(map[string]*sessionAggregate),
	}
}

// SetExpected records the expected chunk count used for gap reporting.
func (a *Aggregator) SetExpected(sessionID string, expected int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg := a.ensureLocked(sessionID)
	if agg.frozen {
		return
	}
	agg.expected = expected
}

// SetChunk upserts one chunk's raw transcript. Frozen sessions ignore it.
func (a *Aggregator) SetChunk(sessionID string, ct ChunkTranscript) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg := a.ensureLocked(sessionID)
	if agg.frozen {
		return
	}
	agg.chunks[ct.Seq] = ct
}

// Recompute rebuilds the session transcript from the raw chunk set. Calling it
// again without new chunks yields an identical result; on a frozen session it
// returns the frozen snapshot untouched.
func (a *Aggregator) Recompute(sessionID string) Transcript {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg := a.ensureLocked(sessionID)
	if agg.frozen {
		return cloneTranscript(agg.current)
	}
	chunks := make([]ChunkTranscript, 0, len(agg.chunks))
	for _, c := range agg.chunks {
		chunks = append(chunks, c)
	}
	built := Build(sessionID, chunks, agg.expected, a.params)
	agg.current = built
	return cloneTranscript(built)
}

// Current returns the transcript last computed for the session.
func (a *Aggregator) Current(sessionID string) (Transcript, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	agg, ok := a.sessions[sessionID]
	if !ok {
		return Transcript{}, false
	}
	return cloneTranscript(agg.current), true
}

// Freeze recomputes one last time and pins the result. Later SetChunk and
// Recompute calls no longer change it; re-freezing returns the same snapshot.
func (a *Aggregator) Freeze(sessionID string) Transcript {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg := a.ensureLocked(sessionID)
	if agg.frozen {
		return cloneTranscript(agg.current)
	}
	chunks := make([]ChunkTranscript, 0, len(agg.chunks))
	for _, c := range agg.chunks {
		chunks = append(chunks, c)
	}
	built := Build(sessionID, chunks, agg.expected, a.params)
	built.Frozen = true
	agg.current = built
	agg.frozen = true
	return cloneTranscript(built)
}

// Drop forgets a session's aggregate entirely.
func (a *Aggregator) Drop(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

func (a *Aggregator) ensureLocked(sessionID string) *sessionAggregate {
	agg, ok := a.sessions[sessionID]
	if !ok {
		agg = &sessionAggregate{chunks: make(map[int]ChunkTranscript)}
		agg.current = Transcript{SessionID: sessionID, ComputedAt: time.Now().UTC()}
		a.sessions[sessionID] = agg
	}
	return agg
}

func cloneTranscript(t Transcript) Transcript {
	out := t
	if t.Segments != nil {
		out.Segments = make([]PlacedSegment, len(t.Segments))
		copy(out.Segments, t.Segments)
	}
	if t.Gaps != nil {
		out.Gaps = make([]int, len(t.Gaps))
		copy(out.Gaps, t.Gaps)
	}
	return out
}
