package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

// UpsertMembership inserts a membership or updates its role/last_active if
// the (room, user) pair already exists.
func (s *Store) UpsertMembership(m domain.Membership) error {
	_, err := s.db.Exec(
		`INSERT INTO memberships (room_id, user_id, role, joined_at, last_active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(room_id, user_id) DO UPDATE SET role = excluded.role, last_active = excluded.last_active`,
		m.RoomID, m.UserID, string(m.Role), m.JoinedAt.Unix(), m.LastActive.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

// SetRole satisfies djstate.MembershipStore.
func (s *Store) SetRole(ctx context.Context, roomID domain.RoomIDType, userID domain.UserIDType, role domain.RoleType) error {
	_, err := s.db.Exec(`UPDATE memberships SET role = ? WHERE room_id = ? AND user_id = ?`, string(role), roomID, userID)
	if err != nil {
		return fmt.Errorf("failed to set membership role: %w", err)
	}
	return nil
}

// TouchLastActive stamps a membership's last_active to now.
func (s *Store) TouchLastActive(roomID domain.RoomIDType, userID domain.UserIDType) error {
	_, err := s.db.Exec(`UPDATE memberships SET last_active = ? WHERE room_id = ? AND user_id = ?`,
		time.Now().Unix(), roomID, userID)
	if err != nil {
		return fmt.Errorf("failed to touch last_active: %w", err)
	}
	return nil
}

// GetMembership fetches a single (room, user) membership row.
func (s *Store) GetMembership(roomID domain.RoomIDType, userID domain.UserIDType) (domain.Membership, error) {
	var (
		m          domain.Membership
		role       string
		joinedAt   int64
		lastActive int64
	)
	err := s.db.QueryRow(
		`SELECT room_id, user_id, role, joined_at, last_active FROM memberships WHERE room_id = ? AND user_id = ?`,
		roomID, userID,
	).Scan(&m.RoomID, &m.UserID, &role, &joinedAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Membership{}, ErrNotFound
	}
	if err != nil {
		return domain.Membership{}, fmt.Errorf("failed to scan membership: %w", err)
	}
	m.Role = domain.RoleType(role)
	m.JoinedAt = time.Unix(joinedAt, 0).UTC()
	m.LastActive = time.Unix(lastActive, 0).UTC()
	return m, nil
}

// Members satisfies djstate.MembershipStore / vote.MembershipLister.
func (s *Store) Members(ctx context.Context, roomID domain.RoomIDType) ([]domain.Membership, error) {
	rows, err := s.db.Query(
		`SELECT room_id, user_id, role, joined_at, last_active FROM memberships WHERE room_id = ? ORDER BY joined_at ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []domain.Membership
	for rows.Next() {
		var (
			m          domain.Membership
			role       string
			joinedAt   int64
			lastActive int64
		)
		if err := rows.Scan(&m.RoomID, &m.UserID, &role, &joinedAt, &lastActive); err != nil {
			return nil, fmt.Errorf("failed to scan membership row: %w", err)
		}
		m.Role = domain.RoleType(role)
		m.JoinedAt = time.Unix(joinedAt, 0).UTC()
		m.LastActive = time.Unix(lastActive, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// RemoveMembership deletes a (room, user) membership row.
func (s *Store) RemoveMembership(roomID domain.RoomIDType, userID domain.UserIDType) error {
	_, err := s.db.Exec(`DELETE FROM memberships WHERE room_id = ? AND user_id = ?`, roomID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	return nil
}
