// Package sqlite persists the local settings document, sync bookkeeping,
// and room activity.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meszmate/mucclient/internal/settings"
)

// App state keys.
const (
	keySyncAccount = "sync.account"
	keySyncCached  = "sync.cached"
)

type DB struct {
	db *sql.DB
}

// New opens the database in dataDir, creating it if needed.
func New(dataDir string) (*DB, error) {
	return Open(filepath.Join(dataDir, "mucclient.db"))
}

// Open opens the database file at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
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
		`CREATE TABLE IF NOT EXISTS settings_document (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			payload BLOB,
			modified INTEGER NOT NULL,
			sync_account TEXT,
			sync_time INTEGER,
			sync_auto INTEGER DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			account TEXT PRIMARY KEY,
			resource TEXT,
			last_connected INTEGER,
			nick TEXT,
			room TEXT,
			show TEXT,
			status_msg TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS room_activity (
			account TEXT NOT NULL,
			room TEXT NOT NULL,
			last_active INTEGER NOT NULL,
			PRIMARY KEY (account, room)
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// LoadSettings returns the local settings document and sync state. A fresh
// database yields zero values.
func (d *DB) LoadSettings(ctx context.Context) (settings.Document, settings.State, error) {
	var (
		doc      settings.Document
		modified int64
		account  sql.NullString
		syncTime sql.NullInt64
		auto     bool
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT payload, modified, sync_account, sync_time, sync_auto
		FROM settings_document WHERE id = 1
	`).Scan(&doc.Payload, &modified, &account, &syncTime, &auto)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return settings.Document{}, settings.State{}, fmt.Errorf("load settings: %w", err)
	default:
		doc.Modified = fromMillis(modified)
		if account.Valid {
			doc.Sync = &settings.Meta{Account: account.String, Time: fromMillis(syncTime.Int64), Auto: auto}
		}
	}

	var state settings.State
	if state.Account, err = d.appState(ctx, keySyncAccount); err != nil {
		return settings.Document{}, settings.State{}, err
	}
	cached, err := d.appState(ctx, keySyncCached)
	if err != nil {
		return settings.Document{}, settings.State{}, err
	}
	if cached != "" {
		ms, err := strconv.ParseInt(cached, 10, 64)
		if err != nil {
			return settings.Document{}, settings.State{}, fmt.Errorf("load settings: cached sync time: %w", err)
		}
		state.Cached = fromMillis(ms)
	}
	return doc, state, nil
}

// SaveSettings stores the document and sync state in one transaction.
func (d *DB) SaveSettings(ctx context.Context, doc settings.Document, state settings.State) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	defer tx.Rollback()

	var (
		account  sql.NullString
		syncTime sql.NullInt64
		auto     bool
	)
	if doc.Sync != nil {
		account = sql.NullString{String: doc.Sync.Account, Valid: true}
		syncTime = sql.NullInt64{Int64: toMillis(doc.Sync.Time), Valid: true}
		auto = doc.Sync.Auto
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO settings_document (id, payload, modified, sync_account, sync_time, sync_auto)
		VALUES (1, ?, ?, ?, ?, ?)
	`, doc.Payload, toMillis(doc.Modified), account, syncTime, auto); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	for key, value := range map[string]string{
		keySyncAccount: state.Account,
		keySyncCached:  strconv.FormatInt(toMillis(state.Cached), 10),
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO app_state (key, value) VALUES (?, ?)
		`, key, value); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	return tx.Commit()
}

func (d *DB) appState(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := d.db.QueryRowContext(ctx, "SELECT value FROM app_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("app state %s: %w", key, err)
	}
	return value.String, nil
}

// Session is the last known session of an account, used to rejoin after a
// restart.
type Session struct {
	Account       string
	Resource      string
	LastConnected time.Time
	Nick          string
	Room          string
	Show          string
	StatusMsg     string
}

func (d *DB) SaveSession(session Session) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO sessions (account, resource, last_connected, nick, room, show, status_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.Account, session.Resource, toMillis(session.LastConnected),
		session.Nick, session.Room, session.Show, session.StatusMsg)
	return err
}

// GetSession returns the stored session, or nil if there is none.
func (d *DB) GetSession(account string) (*Session, error) {
	session := Session{Account: account}
	var (
		lastConnected                         sql.NullInt64
		resource, nick, room, show, statusMsg sql.NullString
	)
	err := d.db.QueryRow(`
		SELECT resource, last_connected, nick, room, show, status_msg
		FROM sessions WHERE account = ?
	`, account).Scan(&resource, &lastConnected, &nick, &room, &show, &statusMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.Resource = resource.String
	session.LastConnected = fromMillis(lastConnected.Int64)
	session.Nick = nick.String
	session.Room = room.String
	session.Show = show.String
	session.StatusMsg = statusMsg.String
	return &session, nil
}

// TouchRoom records activity in a room.
func (d *DB) TouchRoom(account, room string, at time.Time) error {
	_, err := d.db.Exec(`
		INSERT INTO room_activity (account, room, last_active) VALUES (?, ?, ?)
		ON CONFLICT(account, room) DO UPDATE SET last_active = MAX(last_active, excluded.last_active)
	`, account, room, toMillis(at))
	return err
}

// RoomActivity returns the last activity time of every room of account.
func (d *DB) RoomActivity(account string) (map[string]time.Time, error) {
	rows, err := d.db.Query(`SELECT room, last_active FROM room_activity WHERE account = ?`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activity := make(map[string]time.Time)
	for rows.Next() {
		var room string
		var ms int64
		if err := rows.Scan(&room, &ms); err != nil {
			return nil, err
		}
		activity[room] = fromMillis(ms)
	}
	return activity, rows.Err()
}
