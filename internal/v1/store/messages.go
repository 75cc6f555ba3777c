package store

import (
	"context"
	"fmt"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

// InsertMessage persists a chat line. Delivery is fan-out over the Shared
// Broadcast Fabric; this row is a best-effort log that ListRecent reads.
func (s *Store) InsertMessage(ctx context.Context, msg domain.Message) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, user_id, content, created_at) VALUES (?, ?, ?, ?)`,
		msg.RoomID, msg.UserID, msg.Content, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return res.LastInsertId()
}

// ListRecent returns a room's last n chat messages, oldest first, for
// replay to a member that just joined.
func (s *Store) ListRecent(ctx context.Context, roomID domain.RoomIDType, n int) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, content, created_at FROM messages
		 WHERE room_id = ? ORDER BY id DESC LIMIT ?`, roomID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var (
			msg       domain.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
