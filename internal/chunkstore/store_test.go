package chunkstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func wavBytes(payload string) []byte {
	b := []byte("RIFF\x24\x00\x00\x00WAVE")
	return append(b, []byte(payload)...)
}

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), maxBytes)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, 1<<20)
	data := wavBytes("interview audio payload")

	ref, checksum, err := s.Put(context.Background(), "sess-1", 3, data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	sum := sha256.Sum256(data)
	if want := hex.EncodeToString(sum[:]); checksum != want {
		t.Fatalf("checksum = %s, want %s", checksum, want)
	}

	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get returned %d bytes, want the %d stored", len(got), len(data))
	}
}

func TestPutRejectsUnsupportedFormatBeforeWriting(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, 1<<20)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_, _, err = s.Put(context.Background(), "sess-1", 0, []byte("plain text, not audio"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Put = %v, want ErrUnsupportedFormat", err)
	}
	if _, statErr := os.Stat(filepath.Join(root, "sess-1")); !os.IsNotExist(statErr) {
		t.Fatalf("rejected chunk left files on disk")
	}
}

func TestPutRejectsTooLargeBeforeWriting(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, 16)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_, _, err = s.Put(context.Background(), "sess-1", 0, wavBytes("payload well past the limit"))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Put = %v, want ErrTooLarge", err)
	}
	if _, statErr := os.Stat(filepath.Join(root, "sess-1")); !os.IsNotExist(statErr) {
		t.Fatalf("rejected chunk left files on disk")
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, 1<<20)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, _, err := s.Put(context.Background(), "sess-1", 0, wavBytes("chunk")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "sess-1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file %s left behind", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("session dir holds %d files, want 1", len(entries))
	}
}

func TestGetUnknownRef(t *testing.T) {
	s := newTestStore(t, 1<<20)
	if _, err := s.Get("sess-1/000000.wav"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestGetRejectsRefEscapingRoot(t *testing.T) {
	s := newTestStore(t, 1<<20)
	if _, err := s.Get("../../etc/passwd"); err == nil {
		t.Fatalf("Get accepted a ref escaping the store root")
	}
}

func TestDeleteSessionRemovesAllBlobs(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, 1<<20)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	refs := make([]string, 0, 3)
	for seq := 0; seq < 3; seq++ {
		ref, _, err := s.Put(context.Background(), "sess-1", seq, wavBytes("chunk"))
		if err != nil {
			t.Fatalf("Put seq %d: %v", seq, err)
		}
		refs = append(refs, ref)
	}
	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	for _, ref := range refs {
		if _, err := s.Get(ref); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(%s) after DeleteSession = %v, want ErrNotFound", ref, err)
		}
	}
}

func TestDetectFormat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
		ok   bool
	}{
		{"wav", wavBytes("x"), "wav", true},
		{"ogg", append([]byte("OggS\x00\x02"), make([]byte, 10)...), "ogg", true},
		{"webm", append([]byte{0x1A, 0x45, 0xDF, 0xA3}, make([]byte, 10)...), "webm", true},
		{"flac", append([]byte("fLaC"), make([]byte, 10)...), "flac", true},
		{"mp3 id3", append([]byte("ID3\x04\x00"), make([]byte, 10)...), "mp3", true},
		{"mp3 sync", append([]byte{0xFF, 0xFB}, make([]byte, 10)...), "mp3", true},
		{"m4a", append([]byte{0, 0, 0, 0x20}, []byte("ftypM4A \x00\x00\x00\x00")...), "m4a", true},
		{"text", []byte("definitely not audio data"), "", false},
		{"short", []byte("RIFF"), "", false},
	}
	for _, tc := range cases {
		got, ok := DetectFormat(tc.data)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("DetectFormat(%s) = (%q, %v), want (%q, %v)", tc.name, got, ok, tc.want, tc.ok)
		}
	}
}
