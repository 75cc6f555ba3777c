package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

// Append satisfies djstate.HistoryStore. Each DJ transition writes one row:
// a becameDj row for the incoming DJ, a removal row for the outgoing one.
// Zero-value timestamps are stored as NULL rather than the epoch.
func (s *Store) Append(ctx context.Context, entry domain.DJHistoryEntry) error {
	var becameDJAt, removedAt any
	if !entry.BecameDJAt.IsZero() {
		becameDJAt = entry.BecameDJAt.Unix()
	}
	if !entry.RemovedAt.IsZero() {
		removedAt = entry.RemovedAt.Unix()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dj_history (room_id, user_id, became_dj_at, removed_at, reason) VALUES (?, ?, ?, ?, ?)`,
		entry.RoomID, entry.UserID, becameDJAt, removedAt, string(entry.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to append dj history entry: %w", err)
	}
	return nil
}

// LastRemoval satisfies djstate.HistoryStore: the most recent removal of
// userID from roomID for the given reason, used to enforce mutiny cooldown.
func (s *Store) LastRemoval(ctx context.Context, roomID domain.RoomIDType, userID domain.UserIDType, reason domain.DJTransitionReason) (time.Time, bool, error) {
	var removedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT removed_at FROM dj_history
		 WHERE room_id = ? AND user_id = ? AND reason = ? AND removed_at IS NOT NULL
		 ORDER BY removed_at DESC LIMIT 1`,
		roomID, userID, string(reason),
	).Scan(&removedAt)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.Unix(removedAt, 0).UTC(), true, nil
}

// ListByRoom returns a room's full DJ transition audit trail, oldest first.
func (s *Store) ListByRoom(ctx context.Context, roomID domain.RoomIDType) ([]domain.DJHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, user_id, became_dj_at, removed_at, reason FROM dj_history WHERE room_id = ? ORDER BY id ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dj history: %w", err)
	}
	defer rows.Close()

	var out []domain.DJHistoryEntry
	for rows.Next() {
		var (
			entry      domain.DJHistoryEntry
			becameDJAt sql.NullInt64
			removedAt  sql.NullInt64
			reason     string
		)
		if err := rows.Scan(&entry.RoomID, &entry.UserID, &becameDJAt, &removedAt, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan dj history row: %w", err)
		}
		if becameDJAt.Valid {
			entry.BecameDJAt = time.Unix(becameDJAt.Int64, 0).UTC()
		}
		if removedAt.Valid {
			entry.RemovedAt = time.Unix(removedAt.Int64, 0).UTC()
		}
		entry.Reason = domain.DJTransitionReason(reason)
		out = append(out, entry)
	}
	return out, rows.Err()
}
