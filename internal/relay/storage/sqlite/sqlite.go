// Package sqlite implements the relay's persistence interfaces on an
// embedded SQLite database: room-state snapshots for eviction/restore and
// the lobby projection of visible games.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quorumnet/relaycore/internal/platform/storage/sqlitemigrate"
	"github.com/quorumnet/relaycore/internal/relay/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.StateStore and storage.LobbyStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// The driver serializes writes; a single connection avoids SQLITE_BUSY
	// on concurrent save/list calls.
	db.SetMaxOpenConns(1)
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	if err := sqlitemigrate.Apply(db, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveState implements storage.StateStore.
func (s *Store) SaveState(ctx context.Context, record storage.RoomStateRecord) error {
	savedAt := record.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_states (room_name, data, saved_at) VALUES (?, ?, ?)
		ON CONFLICT (room_name) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		record.RoomName, record.Data, savedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save state %s: %w", record.RoomName, err)
	}
	return nil
}

// LoadState implements storage.StateStore.
func (s *Store) LoadState(ctx context.Context, roomName string) (storage.RoomStateRecord, error) {
	record := storage.RoomStateRecord{RoomName: roomName}
	var savedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, saved_at FROM room_states WHERE room_name = ?`, roomName).
		Scan(&record.Data, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RoomStateRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.RoomStateRecord{}, fmt.Errorf("load state %s: %w", roomName, err)
	}
	record.SavedAt = time.UnixMilli(savedAt)
	return record, nil
}

// DeleteState implements storage.StateStore.
func (s *Store) DeleteState(ctx context.Context, roomName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_states WHERE room_name = ?`, roomName)
	if err != nil {
		return fmt.Errorf("delete state %s: %w", roomName, err)
	}
	return nil
}

// UpsertGame implements storage.LobbyStore.
func (s *Store) UpsertGame(ctx context.Context, listing storage.GameListing) error {
	props, err := json.Marshal(listing.Properties)
	if err != nil {
		return fmt.Errorf("encode listing properties %s: %w", listing.RoomName, err)
	}
	updatedAt := listing.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO game_listings
			(room_name, max_players, player_count, is_open, is_visible, lobby_id, lobby_type, properties, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_name) DO UPDATE SET
			max_players  = excluded.max_players,
			player_count = excluded.player_count,
			is_open      = excluded.is_open,
			is_visible   = excluded.is_visible,
			lobby_id     = excluded.lobby_id,
			lobby_type   = excluded.lobby_type,
			properties   = excluded.properties,
			updated_at   = excluded.updated_at`,
		listing.RoomName, listing.MaxPlayers, listing.PlayerCount,
		boolToInt(listing.IsOpen), boolToInt(listing.IsVisible),
		listing.LobbyID, listing.LobbyType, string(props), updatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", listing.RoomName, err)
	}
	return nil
}

// RemoveGame implements storage.LobbyStore.
func (s *Store) RemoveGame(ctx context.Context, roomName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM game_listings WHERE room_name = ?`, roomName)
	if err != nil {
		return fmt.Errorf("remove listing %s: %w", roomName, err)
	}
	return nil
}

// ListGames implements storage.LobbyStore. Listings come back most recently
// updated first.
func (s *Store) ListGames(ctx context.Context, limit int) ([]storage.GameListing, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_name, max_players, player_count, is_open, is_visible, lobby_id, lobby_type, properties, updated_at
		FROM game_listings
		ORDER BY updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()

	var out []storage.GameListing
	for rows.Next() {
		var listing storage.GameListing
		var isOpen, isVisible int
		var props string
		var updatedAt int64
		if err := rows.Scan(&listing.RoomName, &listing.MaxPlayers, &listing.PlayerCount,
			&isOpen, &isVisible, &listing.LobbyID, &listing.LobbyType, &props, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listing.IsOpen = isOpen != 0
		listing.IsVisible = isVisible != 0
		listing.UpdatedAt = time.UnixMilli(updatedAt)
		if props != "" && props != "{}" {
			if err := json.Unmarshal([]byte(props), &listing.Properties); err != nil {
				return nil, fmt.Errorf("decode listing properties %s: %w", listing.RoomName, err)
			}
		}
		out = append(out, listing)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
