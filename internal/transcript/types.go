package transcript

import "time"

// Segment is one span of recognized speech, timed relative to its chunk start.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (s Segment) duration() float64 {
	d := s.End - s.Start
	if d < 0 {
		return 0
	}
	return d
}

// ChunkTranscript is one chunk's raw contribution to a session transcript.
// Duration and Overlap are the values declared at upload time; Failed marks a
// chunk whose transcription was exhausted and contributes no text.
type ChunkTranscript struct {
	Seq      int       `json:"sequence_index"`
	Duration float64   `json:"duration_seconds"`
	Overlap  float64   `json:"overlap_seconds"`
	Failed   bool      `json:"failed,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

// PlacedSegment is a retained segment with session-relative timestamps.
type PlacedSegment struct {
	Seq        int     `json:"sequence_index"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcript is the aggregated, deduplicated view of a session.
type Transcript struct {
	SessionID    string          `json:"session_id"`
	Segments     []PlacedSegment `json:"segments"`
	FullText     string          `json:"full_text"`
	Confidence   float64         `json:"confidence"`
	SegmentCount int             `json:"segment_count"`
	Gaps         []int           `json:"gaps"`
	Frozen       bool            `json:"frozen"`
	ComputedAt   time.Time       `json:"computed_at"`
}
