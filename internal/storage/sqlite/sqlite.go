// Package sqlite persists user preferences: the last-used server
// endpoint, remembered credentials and free-form application state.
// The session core never touches it; the cmd layer reads it at startup
// and writes it on user action.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	db *sql.DB
}

// Account is a remembered login. Password is empty unless the user
// opted to remember it.
type Account struct {
	Username      string
	Password      string
	Remember      bool
	LastConnected time.Time
}

// Server is the last-used server endpoint.
type Server struct {
	Host   string
	Port   int
	Domain string
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "montext.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			username TEXT PRIMARY KEY,
			password TEXT NOT NULL DEFAULT '',
			remember INTEGER NOT NULL DEFAULT 0,
			last_connected INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS server (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			domain TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// SaveAccount upserts a remembered account. A non-remembered account
// keeps its row (for last-login ordering) but stores no password.
func (d *DB) SaveAccount(a Account) error {
	password := ""
	if a.Remember {
		password = a.Password
	}
	_, err := d.db.Exec(
		`INSERT INTO accounts (username, password, remember, last_connected)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
			password = excluded.password,
			remember = excluded.remember,
			last_connected = excluded.last_connected`,
		a.Username, password, boolToInt(a.Remember), a.LastConnected.Unix(),
	)
	return err
}

// LastAccount returns the most recently used account, nil when none is
// stored.
func (d *DB) LastAccount() (*Account, error) {
	row := d.db.QueryRow(
		`SELECT username, password, remember, last_connected
		 FROM accounts ORDER BY last_connected DESC LIMIT 1`,
	)

	var a Account
	var remember int
	var lastConnected int64
	if err := row.Scan(&a.Username, &a.Password, &remember, &lastConnected); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	a.Remember = remember != 0
	a.LastConnected = time.Unix(lastConnected, 0)
	return &a, nil
}

// DeleteAccount forgets a remembered account.
func (d *DB) DeleteAccount(username string) error {
	_, err := d.db.Exec(`DELETE FROM accounts WHERE username = ?`, username)
	return err
}

// SaveServer stores the last-used server endpoint.
func (d *DB) SaveServer(s Server) error {
	_, err := d.db.Exec(
		`INSERT INTO server (id, host, port, domain) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			domain = excluded.domain`,
		s.Host, s.Port, s.Domain,
	)
	return err
}

// LoadServer returns the stored server endpoint, nil when none is
// stored.
func (d *DB) LoadServer() (*Server, error) {
	row := d.db.QueryRow(`SELECT host, port, domain FROM server WHERE id = 1`)

	var s Server
	if err := row.Scan(&s.Host, &s.Port, &s.Domain); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SetState stores a free-form application state value.
func (d *DB) SetState(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO app_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetState reads a free-form application state value; missing keys
// return the empty string.
func (d *DB) GetState(key string) (string, error) {
	row := d.db.QueryRow(`SELECT value FROM app_state WHERE key = ?`, key)

	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
