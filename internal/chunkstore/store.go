package chunkstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/interviewkit/scribe/internal/reliability"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrTooLarge          = errors.New("chunk too large")
	ErrNotFound          = errors.New("chunk not found")
)

const (
	writeAttempts    = 3
	writeBackoffBase = 50 * time.Millisecond
	writeBackoffCap  = 400 * time.Millisecond
)

// Store keeps chunk blobs on the local filesystem, one file per
// (session, sequence index, checksum). Writes go through a temp file and a
// rename, so a crash mid-write never leaves a partial blob behind a valid ref.
type Store struct {
	root     string
	maxBytes int64
}

func NewStore(root string, maxBytes int64) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("chunkstore root is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("chunkstore max bytes must be > 0")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunkstore root: %w", err)
	}
	return &Store{root: root, maxBytes: maxBytes}, nil
}

// Put validates, checksums and persists one chunk, returning the storage ref
// and the hex sha-256 of the bytes. Rejections happen before anything touches
// disk. Write failures are retried with capped backoff; ctx cancels the wait.
func (s *Store) Put(ctx context.Context, sessionID string, seq int, data []byte) (string, string, error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("empty chunk payload: %w", ErrUnsupportedFormat)
	}
	if int64(len(data)) > s.maxBytes {
		return "", "", fmt.Errorf("chunk is %d bytes, limit %d: %w", len(data), s.maxBytes, ErrTooLarge)
	}
	format, ok := DetectFormat(data)
	if !ok {
		return "", "", ErrUnsupportedFormat
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	// The checksum fragment keeps refs content-distinct: a conflicting
	// re-upload of the same sequence lands on its own path instead of
	// clobbering the original blob.
	ref := filepath.Join(sessionID, fmt.Sprintf("%06d-%s.%s", seq, checksum[:8], format))
	path := filepath.Join(s.root, ref)

	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, writeBackoffBase, writeBackoffCap)
			select {
			case <-ctx.Done():
				return "", "", ctx.Err()
			case <-time.After(wait):
			}
		}
		if lastErr = writeFileAtomic(path, data); lastErr == nil {
			return ref, checksum, nil
		}
	}
	return "", "", fmt.Errorf("write chunk %s seq %d: %w", sessionID, seq, lastErr)
}

// Get returns the exact bytes a successful Put stored under ref.
func (s *Store) Get(ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read chunk %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes a single blob. Missing blobs are not an error.
func (s *Store) Delete(ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete chunk %s: %w", ref, err)
	}
	return nil
}

// DeleteSession releases every blob stored for the session.
func (s *Store) DeleteSession(sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	if err := os.RemoveAll(filepath.Join(s.root, sessionID)); err != nil {
		return fmt.Errorf("delete session %s blobs: %w", sessionID, err)
	}
	return nil
}

func (s *Store) resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty storage ref")
	}
	path := filepath.Join(s.root, filepath.Clean(ref))
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("storage ref %q escapes store root", ref)
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		_ = os.Remove(tmp)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return closeErr
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
