// Package store is the relational gateway for room, membership and user rows.
// The engine treats the database as the source of truth for membership and
// room lifecycle; everything here is read-only except MarkMemberInactive and
// SyncEmptySince.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Room is an active room row.
type Room struct {
	ID         int64
	Code       string
	OwnerID    int64
	CreatedAt  time.Time
	IsActive   bool
	IsPrivate  bool
	EmptySince *time.Time
}

// Avatar is the public avatar payload carried in presence envelopes.
type Avatar struct {
	Color     string `json:"color"`
	Eyes      string `json:"eyes"`
	Mouth     string `json:"mouth"`
	Accessory string `json:"accessory"`
}

// PublicUser is the user shape shipped to clients.
type PublicUser struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar Avatar `json:"avatar"`
}

// RoomSummary is one row of the lobby snapshot.
type RoomSummary struct {
	Code        string `json:"code"`
	ActiveCount int    `json:"active_count"`
	MaxPlayers  int    `json:"max_players"`
	IsFull      bool   `json:"is_full"`
	IsPrivate   bool   `json:"is_private"`
}

var defaultAvatar = Avatar{Color: "#5eead4", Eyes: "dot", Mouth: "smile", Accessory: "none"}

// Gateway wraps a pgx pool with the queries the room engine needs.
type Gateway struct {
	pool       *pgxpool.Pool
	maxPlayers int
}

// New connects a pool and verifies connectivity.
func New(ctx context.Context, databaseURL string, maxPlayers int) (*Gateway, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return &Gateway{pool: pool, maxPlayers: maxPlayers}, nil
}

// Close releases the pool.
func (g *Gateway) Close() {
	if g != nil && g.pool != nil {
		g.pool.Close()
	}
}

// Ping checks database connectivity. Used by health checks.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}

// GetActiveRoom returns the active room with the given code, or nil.
func (g *Gateway) GetActiveRoom(ctx context.Context, code string) (*Room, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT id, code, owner_id, created_at, is_active, is_private, empty_since
		FROM rooms
		WHERE code = $1 AND is_active = TRUE`, code)

	var r Room
	err := row.Scan(&r.ID, &r.Code, &r.OwnerID, &r.CreatedAt, &r.IsActive, &r.IsPrivate, &r.EmptySince)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active room: %w", err)
	}
	return &r, nil
}

// IsMemberActive reports whether (room, user) has an active membership row.
func (g *Gateway) IsMemberActive(ctx context.Context, roomID, userID int64) (bool, error) {
	var exists bool
	err := g.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM room_members
			WHERE room_id = $1 AND user_id = $2 AND is_active = TRUE
		)`, roomID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is member active: %w", err)
	}
	return exists, nil
}

// ListActiveMembers returns the active members of a room ordered by join time.
func (g *Gateway) ListActiveMembers(ctx context.Context, roomID int64) ([]PublicUser, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT m.user_id,
		       COALESCE(NULLIF(TRIM(p.display_name), ''), NULLIF(u.first_name, ''), SPLIT_PART(u.email, '@', 1), 'Player ' || m.user_id),
		       COALESCE(p.avatar_color, $2),
		       COALESCE(p.avatar_eyes, $3),
		       COALESCE(p.avatar_mouth, $4),
		       COALESCE(p.avatar_accessory, $5)
		FROM room_members m
		JOIN auth_users u ON u.id = m.user_id
		LEFT JOIN player_profiles p ON p.user_id = m.user_id
		WHERE m.room_id = $1 AND m.is_active = TRUE
		ORDER BY m.joined_at ASC`,
		roomID, defaultAvatar.Color, defaultAvatar.Eyes, defaultAvatar.Mouth, defaultAvatar.Accessory)
	if err != nil {
		return nil, fmt.Errorf("list active members: %w", err)
	}
	defer rows.Close()

	var members []PublicUser
	for rows.Next() {
		var u PublicUser
		if err := rows.Scan(&u.ID, &u.Name, &u.Avatar.Color, &u.Avatar.Eyes, &u.Avatar.Mouth, &u.Avatar.Accessory); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, u)
	}
	return members, rows.Err()
}

// ListActiveMemberIDs returns the user ids of a room's active members.
func (g *Gateway) ListActiveMemberIDs(ctx context.Context, code string) ([]int64, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT m.user_id
		FROM room_members m
		JOIN rooms r ON r.id = m.room_id
		WHERE r.code = $1 AND r.is_active = TRUE AND m.is_active = TRUE`, code)
	if err != nil {
		return nil, fmt.Errorf("list active member ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkMemberInactive flips a membership row inactive.
func (g *Gateway) MarkMemberInactive(ctx context.Context, roomID, userID int64) error {
	_, err := g.pool.Exec(ctx, `
		UPDATE room_members SET is_active = FALSE
		WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("mark member inactive: %w", err)
	}
	return nil
}

// SyncEmptySince keeps rooms.empty_since aligned with whether the room still
// has active members. Returns true iff the room is now empty.
func (g *Gateway) SyncEmptySince(ctx context.Context, roomID int64) (bool, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("sync empty since: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var activeCount int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM room_members
		WHERE room_id = $1 AND is_active = TRUE`, roomID).Scan(&activeCount)
	if err != nil {
		return false, fmt.Errorf("sync empty since: %w", err)
	}

	if activeCount > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE rooms SET empty_since = NULL
			WHERE id = $1 AND empty_since IS NOT NULL`, roomID)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE rooms SET empty_since = NOW()
			WHERE id = $1 AND empty_since IS NULL`, roomID)
	}
	if err != nil {
		return false, fmt.Errorf("sync empty since: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("sync empty since: %w", err)
	}
	return activeCount == 0, nil
}

// CleanupInactiveRooms deactivates rooms that have sat empty past the
// retention window and returns their codes so the caller can purge their
// shared-store keys. Rooms empty but missing their marker get it backfilled
// first, so a room always survives at least one full window.
func (g *Gateway) CleanupInactiveRooms(ctx context.Context, emptyMinutes int) ([]string, error) {
	if emptyMinutes < 0 {
		emptyMinutes = 0
	}
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup inactive rooms: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE rooms r SET empty_since = NOW()
		WHERE r.is_active = TRUE AND r.empty_since IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM room_members m
			WHERE m.room_id = r.id AND m.is_active = TRUE
		  )`)
	if err != nil {
		return nil, fmt.Errorf("cleanup inactive rooms: %w", err)
	}

	rows, err := tx.Query(ctx, `
		UPDATE rooms r SET is_active = FALSE
		WHERE r.is_active = TRUE
		  AND r.empty_since IS NOT NULL
		  AND r.empty_since <= NOW() - ($1 * INTERVAL '1 minute')
		  AND NOT EXISTS (
			SELECT 1 FROM room_members m
			WHERE m.room_id = r.id AND m.is_active = TRUE
		  )
		RETURNING r.code`, emptyMinutes)
	if err != nil {
		return nil, fmt.Errorf("cleanup inactive rooms: %w", err)
	}
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale room code: %w", err)
		}
		codes = append(codes, code)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cleanup inactive rooms: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("cleanup inactive rooms: %w", err)
	}
	return codes, nil
}

// IsUserAllowed reports whether a user may join rooms: not banned, not
// soft-deleted, and carrying a non-empty display name.
func (g *Gateway) IsUserAllowed(ctx context.Context, userID int64) (bool, error) {
	var banned, deleted bool
	var displayName string
	err := g.pool.QueryRow(ctx, `
		SELECT COALESCE(s.is_banned, FALSE),
		       COALESCE(s.is_deleted, FALSE),
		       COALESCE(TRIM(p.display_name), '')
		FROM auth_users u
		LEFT JOIN user_status s ON s.user_id = u.id
		LEFT JOIN player_profiles p ON p.user_id = u.id
		WHERE u.id = $1`, userID).Scan(&banned, &deleted, &displayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is user allowed: %w", err)
	}
	return !banned && !deleted && displayName != "", nil
}

// IsUserEnabled is the lobby-level check: not banned, not soft-deleted. A
// display name is not required just to watch the room list.
func (g *Gateway) IsUserEnabled(ctx context.Context, userID int64) (bool, error) {
	var banned, deleted bool
	err := g.pool.QueryRow(ctx, `
		SELECT COALESCE(s.is_banned, FALSE), COALESCE(s.is_deleted, FALSE)
		FROM auth_users u
		LEFT JOIN user_status s ON s.user_id = u.id
		WHERE u.id = $1`, userID).Scan(&banned, &deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is user enabled: %w", err)
	}
	return !banned && !deleted, nil
}

// GetPublicUser returns the public shape of a user, with placeholder fields
// when rows are missing.
func (g *Gateway) GetPublicUser(ctx context.Context, userID int64) (PublicUser, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT COALESCE(NULLIF(TRIM(p.display_name), ''), NULLIF(u.first_name, ''), SPLIT_PART(u.email, '@', 1), 'Player ' || u.id),
		       COALESCE(p.avatar_color, $2),
		       COALESCE(p.avatar_eyes, $3),
		       COALESCE(p.avatar_mouth, $4),
		       COALESCE(p.avatar_accessory, $5)
		FROM auth_users u
		LEFT JOIN player_profiles p ON p.user_id = u.id
		WHERE u.id = $1`,
		userID, defaultAvatar.Color, defaultAvatar.Eyes, defaultAvatar.Mouth, defaultAvatar.Accessory)

	u := PublicUser{ID: userID}
	err := row.Scan(&u.Name, &u.Avatar.Color, &u.Avatar.Eyes, &u.Avatar.Mouth, &u.Avatar.Accessory)
	if errors.Is(err, pgx.ErrNoRows) {
		return PublicUser{ID: userID, Name: fmt.Sprintf("Player %d", userID), Avatar: defaultAvatar}, nil
	}
	if err != nil {
		return PublicUser{}, fmt.Errorf("get public user: %w", err)
	}
	if strings.TrimSpace(u.Name) == "" {
		u.Name = fmt.Sprintf("Player %d", userID)
	}
	return u, nil
}

// ActiveSessionID returns the user's current session id claim, or "".
func (g *Gateway) ActiveSessionID(ctx context.Context, userID int64) (string, error) {
	var sid string
	err := g.pool.QueryRow(ctx, `
		SELECT session_id FROM active_sessions
		WHERE user_id = $1
		LIMIT 1`, userID).Scan(&sid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("active session id: %w", err)
	}
	return sid, nil
}

// RoomsSnapshot produces the lobby listing, newest rooms first.
func (g *Gateway) RoomsSnapshot(ctx context.Context) ([]RoomSummary, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT r.code, r.is_private,
		       COUNT(m.user_id) FILTER (WHERE m.is_active)
		FROM rooms r
		LEFT JOIN room_members m ON m.room_id = r.id
		WHERE r.is_active = TRUE
		GROUP BY r.id
		ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("rooms snapshot: %w", err)
	}
	defer rows.Close()

	summaries := []RoomSummary{}
	for rows.Next() {
		var s RoomSummary
		if err := rows.Scan(&s.Code, &s.IsPrivate, &s.ActiveCount); err != nil {
			return nil, fmt.Errorf("scan room summary: %w", err)
		}
		s.MaxPlayers = g.maxPlayers
		s.IsFull = s.ActiveCount >= g.maxPlayers
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
