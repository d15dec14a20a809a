package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists terminal sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initArchiveSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initArchiveSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcript_sessions (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			expected_chunks INTEGER NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			full_text TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			segment_count INTEGER NOT NULL DEFAULT 0,
			gaps_at_finalize BIGINT[] NOT NULL DEFAULT '{}',
			fail_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_sessions_archived ON transcript_sessions (archived_at DESC);`,
		`CREATE TABLE IF NOT EXISTS transcript_chunks (
			session_id TEXT NOT NULL REFERENCES transcript_sessions(session_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			storage_ref TEXT NOT NULL DEFAULT '',
			overlap_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			transcript_text TEXT NOT NULL DEFAULT '',
			uploaded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init archive schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, rec SessionArchive) error {
	if rec.ArchivedAt.IsZero() {
		rec.ArchivedAt = time.Now().UTC()
	}
	gaps := rec.GapsAtFinalize
	if gaps == nil {
		gaps = []int{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO transcript_sessions (
			session_id, status, expected_chunks, chunk_count, full_text, confidence,
			segment_count, gaps_at_finalize, fail_reason, created_at, archived_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
		)
		ON CONFLICT (session_id) DO UPDATE SET
			status=EXCLUDED.status,
			expected_chunks=EXCLUDED.expected_chunks,
			chunk_count=EXCLUDED.chunk_count,
			full_text=EXCLUDED.full_text,
			confidence=EXCLUDED.confidence,
			segment_count=EXCLUDED.segment_count,
			gaps_at_finalize=EXCLUDED.gaps_at_finalize,
			fail_reason=EXCLUDED.fail_reason,
			created_at=EXCLUDED.created_at,
			archived_at=EXCLUDED.archived_at`,
		rec.SessionID,
		rec.Status,
		rec.ExpectedChunks,
		rec.ChunkCount,
		rec.FullText,
		rec.Confidence,
		rec.SegmentCount,
		gaps,
		rec.FailReason,
		rec.CreatedAt,
		rec.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM transcript_chunks WHERE session_id=$1`, rec.SessionID); err != nil {
		return fmt.Errorf("delete prior chunks: %w", err)
	}

	for _, c := range rec.Chunks {
		_, err := tx.Exec(ctx,
			`INSERT INTO transcript_chunks (
				session_id, seq, size_bytes, checksum, storage_ref, overlap_seconds,
				duration_seconds, status, transcript_text, uploaded_at
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
			)`,
			rec.SessionID,
			c.Seq,
			c.SizeBytes,
			c.Checksum,
			c.StorageRef,
			c.OverlapSeconds,
			c.DurationSeconds,
			c.Status,
			c.Text,
			c.UploadedAt,
		)
		if err != nil {
			return fmt.Errorf("insert chunk row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (SessionArchive, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_id, status, expected_chunks, chunk_count, full_text, confidence,
		        segment_count, gaps_at_finalize, fail_reason, created_at, archived_at
		   FROM transcript_sessions WHERE session_id=$1`,
		sessionID,
	)
	rec, err := scanSessionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return SessionArchive{}, ErrNotFound
		}
		return SessionArchive{}, fmt.Errorf("get session: %w", err)
	}
	rec.Chunks, err = s.loadChunks(ctx, rec.SessionID)
	if err != nil {
		return SessionArchive{}, err
	}
	return rec, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]SessionArchive, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, status, expected_chunks, chunk_count, full_text, confidence,
		        segment_count, gaps_at_finalize, fail_reason, created_at, archived_at
		   FROM transcript_sessions ORDER BY archived_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]SessionArchive, 0, limit)
	for rows.Next() {
		rec, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) loadChunks(ctx context.Context, sessionID string) ([]ChunkArchive, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, size_bytes, checksum, storage_ref, overlap_seconds, duration_seconds,
		        status, transcript_text, uploaded_at
		   FROM transcript_chunks WHERE session_id=$1 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chunk rows: %w", err)
	}
	defer rows.Close()

	chunks := make([]ChunkArchive, 0, 8)
	for rows.Next() {
		var c ChunkArchive
		if err := rows.Scan(
			&c.Seq,
			&c.SizeBytes,
			&c.Checksum,
			&c.StorageRef,
			&c.OverlapSeconds,
			&c.DurationSeconds,
			&c.Status,
			&c.Text,
			&c.UploadedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	return chunks, nil
}

func scanSessionRow(row pgx.Row) (SessionArchive, error) {
	var rec SessionArchive
	if err := row.Scan(
		&rec.SessionID,
		&rec.Status,
		&rec.ExpectedChunks,
		&rec.ChunkCount,
		&rec.FullText,
		&rec.Confidence,
		&rec.SegmentCount,
		&rec.GapsAtFinalize,
		&rec.FailReason,
		&rec.CreatedAt,
		&rec.ArchivedAt,
	); err != nil {
		return SessionArchive{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
