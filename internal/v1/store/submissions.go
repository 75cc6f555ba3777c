package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

// InsertSubmission persists a queue entry at submit time. The in-memory
// Queue Engine is authoritative for ordering and live vote tallies and does
// not write or reload these rows, so a restart does not rebuild a queue.
func (s *Store) InsertSubmission(ctx context.Context, sub domain.Submission) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, room_id, submitter_id, url, video_id, title, channel, thumbnail, duration_seconds, up_count, down_count, played, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.RoomID, sub.SubmitterID, sub.Media.URL, sub.Media.VideoID, sub.Media.Title,
		sub.Media.Channel, sub.Media.Thumbnail, sub.Media.DurationSeconds,
		sub.UpCount, sub.DownCount, boolToInt(sub.Played), sub.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

// UpdateSubmissionCounts syncs a submission's persisted vote tally with the
// Queue Engine's in-memory counters.
func (s *Store) UpdateSubmissionCounts(ctx context.Context, id domain.SubmissionIDType, upCount, downCount int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE submissions SET up_count = ?, down_count = ? WHERE id = ?`, upCount, downCount, id)
	if err != nil {
		return fmt.Errorf("failed to update submission counts: %w", err)
	}
	return nil
}

// MarkSubmissionPlayed flags a submission as played once the Playback
// Coordinator reports it finished.
func (s *Store) MarkSubmissionPlayed(ctx context.Context, id domain.SubmissionIDType) error {
	_, err := s.db.ExecContext(ctx, `UPDATE submissions SET played = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark submission played: %w", err)
	}
	return nil
}

// GetSubmission fetches a single submission by ID.
func (s *Store) GetSubmission(ctx context.Context, id domain.SubmissionIDType) (domain.Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, submitter_id, url, video_id, title, channel, thumbnail, duration_seconds, up_count, down_count, played, created_at
		 FROM submissions WHERE id = ?`, id)
	return scanSubmission(row)
}

// ListByRoom returns every submission ever made in a room, oldest first,
// including already-played ones (the queue engine filters those out of the
// live view; this is the full history).
func (s *Store) ListByRoom(ctx context.Context, roomID domain.RoomIDType) ([]domain.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, submitter_id, url, video_id, title, channel, thumbnail, duration_seconds, up_count, down_count, played, created_at
		 FROM submissions WHERE room_id = ? ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	var out []domain.Submission
	for rows.Next() {
		sub, err := scanSubmissionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubmission(row *sql.Row) (domain.Submission, error) {
	sub, err := scanSubmissionCommon(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Submission{}, ErrNotFound
	}
	return sub, err
}

func scanSubmissionRows(rows *sql.Rows) (domain.Submission, error) {
	return scanSubmissionCommon(rows)
}

func scanSubmissionCommon(s scannable) (domain.Submission, error) {
	var (
		sub       domain.Submission
		played    int
		createdAt int64
	)
	err := s.Scan(&sub.ID, &sub.RoomID, &sub.SubmitterID, &sub.Media.URL, &sub.Media.VideoID,
		&sub.Media.Title, &sub.Media.Channel, &sub.Media.Thumbnail, &sub.Media.DurationSeconds,
		&sub.UpCount, &sub.DownCount, &played, &createdAt)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("failed to scan submission: %w", err)
	}
	sub.Played = played != 0
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	return sub, nil
}
