package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

// UpsertBallot durably records a member's up/down vote on a submission; a
// second call for the same voter and submission replaces the earlier choice.
// The Queue Engine does not call it and does not read these rows back.
func (s *Store) UpsertBallot(ctx context.Context, submissionID domain.SubmissionIDType, voterID domain.UserIDType, choice domain.BallotChoice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ballots (submission_id, voter_id, choice, cast_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(submission_id, voter_id) DO UPDATE SET choice = excluded.choice, cast_at = excluded.cast_at`,
		submissionID, voterID, int(choice), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ballot: %w", err)
	}
	return nil
}

// RemoveBallot deletes a member's ballot, mirroring Queue Engine ClearVote.
func (s *Store) RemoveBallot(ctx context.Context, submissionID domain.SubmissionIDType, voterID domain.UserIDType) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ballots WHERE submission_id = ? AND voter_id = ?`, submissionID, voterID)
	if err != nil {
		return fmt.Errorf("failed to remove ballot: %w", err)
	}
	return nil
}

// GetBallot fetches a single voter's ballot on a submission, if cast.
func (s *Store) GetBallot(ctx context.Context, submissionID domain.SubmissionIDType, voterID domain.UserIDType) (domain.BallotChoice, bool, error) {
	var choice int
	err := s.db.QueryRowContext(ctx,
		`SELECT choice FROM ballots WHERE submission_id = ? AND voter_id = ?`, submissionID, voterID,
	).Scan(&choice)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get ballot: %w", err)
	}
	return domain.BallotChoice(choice), true, nil
}

// ListBySubmission returns every ballot cast on a submission.
func (s *Store) ListBySubmission(ctx context.Context, submissionID domain.SubmissionIDType) (map[domain.UserIDType]domain.BallotChoice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT voter_id, choice FROM ballots WHERE submission_id = ?`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ballots: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.UserIDType]domain.BallotChoice)
	for rows.Next() {
		var (
			voterID domain.UserIDType
			choice  int
		)
		if err := rows.Scan(&voterID, &choice); err != nil {
			return nil, fmt.Errorf("failed to scan ballot row: %w", err)
		}
		out[voterID] = domain.BallotChoice(choice)
	}
	return out, rows.Err()
}
