package stt

import "testing"

func TestParseWhisperJSON(t *testing.T) {
	raw := []byte(`{
		"systeminfo": "AVX = 1",
		"transcription": [
			{"timestamps": {"from": "00:00:00,000", "to": "00:00:01,500"}, "offsets": {"from": 0, "to": 1500}, "text": " And so my fellow"},
			{"offsets": {"from": 1500, "to": 2300}, "text": " Americans"},
			{"offsets": {"from": 2300, "to": 2400}, "text": "   "}
		]
	}`)
	segs, err := parseWhisperJSON(raw, 0.9)
	if err != nil {
		t.Fatalf("parseWhisperJSON() error = %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2 (blank segment dropped)", len(segs))
	}
	if segs[0].Start != 0 || segs[0].End != 1.5 {
		t.Fatalf("segment 0 span [%v, %v], want [0, 1.5]", segs[0].Start, segs[0].End)
	}
	if segs[0].Text != "And so my fellow" || segs[1].Text != "Americans" {
		t.Fatalf("segment texts = %q, %q", segs[0].Text, segs[1].Text)
	}
	if segs[0].Confidence != 0.9 {
		t.Fatalf("Confidence = %v, want 0.9", segs[0].Confidence)
	}
}

func TestParseWhisperJSONMalformed(t *testing.T) {
	if _, err := parseWhisperJSON([]byte("{"), 0.9); err == nil {
		t.Fatalf("malformed JSON accepted")
	}
}
