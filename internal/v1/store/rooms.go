package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/waveroomhq/roomserver/internal/v1/domain"
)

// ErrNotFound is returned by Get-style functions when no row matches.
var ErrNotFound = errors.New("store: not found")

// InsertRoom persists a newly created room.
func (s *Store) InsertRoom(room domain.Room) error {
	_, err := s.db.Exec(
		`INSERT INTO rooms (id, code, name, password_hash, owner_id, max_members, mutiny_threshold, dj_cooldown_minutes, auto_randomize_dj, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Code, room.Name, room.PasswordHash, room.OwnerID,
		room.Settings.MaxMembers, room.Settings.MutinyThreshold, room.Settings.DJCooldownMinutes,
		boolToInt(room.Settings.AutoRandomizeDJ), boolToInt(room.Active), room.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert room: %w", err)
	}
	return nil
}

// GetRoomByID fetches a room by its internal ID.
func (s *Store) GetRoomByID(id domain.RoomIDType) (domain.Room, error) {
	return s.scanRoom(s.db.QueryRow(
		`SELECT id, code, name, password_hash, owner_id, max_members, mutiny_threshold, dj_cooldown_minutes, auto_randomize_dj, active, created_at
		 FROM rooms WHERE id = ?`, id))
}

// GetRoomByCode fetches a room by its human-shareable join code.
func (s *Store) GetRoomByCode(code domain.RoomCodeType) (domain.Room, error) {
	return s.scanRoom(s.db.QueryRow(
		`SELECT id, code, name, password_hash, owner_id, max_members, mutiny_threshold, dj_cooldown_minutes, auto_randomize_dj, active, created_at
		 FROM rooms WHERE code = ?`, code))
}

// CodeExists satisfies roomcode.Exists.
func (s *Store) CodeExists(code string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM rooms WHERE code = ?`, code).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check room code: %w", err)
	}
	return n > 0, nil
}

// SetRoomActive flips a room's active flag.
func (s *Store) SetRoomActive(id domain.RoomIDType, active bool) error {
	_, err := s.db.Exec(`UPDATE rooms SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to update room active flag: %w", err)
	}
	return nil
}

// UpdateRoomOwner transfers ownership, used when the current owner leaves
// and the room has remaining members.
func (s *Store) UpdateRoomOwner(id domain.RoomIDType, owner domain.UserIDType) error {
	_, err := s.db.Exec(`UPDATE rooms SET owner_id = ? WHERE id = ?`, owner, id)
	if err != nil {
		return fmt.Errorf("failed to update room owner: %w", err)
	}
	return nil
}

func (s *Store) scanRoom(row *sql.Row) (domain.Room, error) {
	var (
		room            domain.Room
		autoRandomizeDJ int
		active          int
		createdAt       int64
	)
	err := row.Scan(&room.ID, &room.Code, &room.Name, &room.PasswordHash, &room.OwnerID,
		&room.Settings.MaxMembers, &room.Settings.MutinyThreshold, &room.Settings.DJCooldownMinutes,
		&autoRandomizeDJ, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Room{}, ErrNotFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("failed to scan room: %w", err)
	}
	room.Settings.AutoRandomizeDJ = autoRandomizeDJ != 0
	room.Active = active != 0
	room.CreatedAt = time.Unix(createdAt, 0).UTC()
	return room, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
