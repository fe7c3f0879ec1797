// Package profile persists the handful of settings a player expects to be
// remembered between sessions: their display name and the last server they
// played on, so the LAN/Netplay UI can pre-fill a reconnect.
package profile

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Profile is the locally remembered state of the last session.
type Profile struct {
	PlayerName string
	LastServer string
	LastPort   int
}

// Store persists a Profile to a single-row SQLite table.
type Store struct {
	db *sql.DB
}

const createTableSQL = `CREATE TABLE IF NOT EXISTS profile (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	player_name TEXT NOT NULL DEFAULT '',
	last_server TEXT NOT NULL DEFAULT '',
	last_port INTEGER NOT NULL DEFAULT 0
);`

// Open opens (creating if needed) the SQLite database at path and ensures
// its schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		os.MkdirAll(dir, 0777)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("profile: open %s: %w", path, err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("profile: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Load reads the stored profile. If none has been saved yet, it returns the
// zero Profile and no error.
func (s *Store) Load() (Profile, error) {
	var p Profile
	row := s.db.QueryRow(`SELECT player_name, last_server, last_port FROM profile WHERE id = 0`)
	err := row.Scan(&p.PlayerName, &p.LastServer, &p.LastPort)
	if err == sql.ErrNoRows {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile: load: %w", err)
	}
	return p, nil
}

// Save upserts the single-row profile.
func (s *Store) Save(p Profile) error {
	_, err := s.db.Exec(`INSERT INTO profile (id, player_name, last_server, last_port)
		VALUES (0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET player_name = excluded.player_name,
			last_server = excluded.last_server, last_port = excluded.last_port`,
		p.PlayerName, p.LastServer, p.LastPort)
	if err != nil {
		return fmt.Errorf("profile: save: %w", err)
	}
	return nil
}
