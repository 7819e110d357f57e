package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "qmchat.db")

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
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender_id INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			outgoing INTEGER NOT NULL,
			fields_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(account, conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,

		`CREATE TABLE IF NOT EXISTS conversations (
			account TEXT NOT NULL,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			peer TEXT NOT NULL,
			name TEXT,
			photo TEXT,
			occupants_json TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (account, id)
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			display_name TEXT NOT NULL,
			photo_ref TEXT,
			last_updated INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS chat_state (
			account TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			unread INTEGER DEFAULT 0,
			last_read INTEGER,
			PRIMARY KEY (account, conversation_id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

type Message struct {
	ID             string
	ConversationID string
	SenderID       int
	Body           string
	Timestamp      time.Time
	Outgoing       bool
	Fields         map[string]string
}

func (d *DB) SaveMessage(account string, msg Message) error {
	var fieldsJSON sql.NullString
	if len(msg.Fields) > 0 {
		data, err := json.Marshal(msg.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode fields: %w", err)
		}
		fieldsJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO messages (id, account, conversation_id, sender_id, body, timestamp, outgoing, fields_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, account, msg.ConversationID, msg.SenderID, msg.Body, msg.Timestamp.UnixNano(), msg.Outgoing, fieldsJSON)
	return err
}

// GetMessages returns up to limit messages of a conversation, oldest first,
// skipping the offset most recent ones.
func (d *DB) GetMessages(account, conversationID string, limit, offset int) ([]Message, error) {
	rows, err := d.db.Query(`
		SELECT id, conversation_id, sender_id, body, timestamp, outgoing, fields_json
		FROM messages
		WHERE account = ? AND conversation_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, account, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var ts int64
		var fieldsJSON sql.NullString

		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Body, &ts, &msg.Outgoing, &fieldsJSON)
		if err != nil {
			return nil, err
		}

		msg.Timestamp = time.Unix(0, ts)
		if fieldsJSON.Valid {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &msg.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode fields of %s: %w", msg.ID, err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (d *DB) DeleteMessages(account, conversationID string) error {
	_, err := d.db.Exec("DELETE FROM messages WHERE account = ? AND conversation_id = ?", account, conversationID)
	return err
}

func (d *DB) DeleteOldMessages(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixNano()
	result, err := d.db.Exec("DELETE FROM messages WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *DB) GetMessageCount() (int64, error) {
	var count int64
	err := d.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&count)
	return count, err
}

type Conversation struct {
	ID        string
	Kind      string
	Peer      string
	Name      string
	Photo     string
	Occupants []int
	CreatedAt time.Time
}

func (d *DB) SaveConversation(account string, conv Conversation) error {
	occupants, err := json.Marshal(conv.Occupants)
	if err != nil {
		return fmt.Errorf("failed to encode occupants: %w", err)
	}

	_, err = d.db.Exec(`
		INSERT OR REPLACE INTO conversations (account, id, kind, peer, name, photo, occupants_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, account, conv.ID, conv.Kind, conv.Peer, conv.Name, conv.Photo, string(occupants), conv.CreatedAt.Unix())
	return err
}

// GetConversation returns nil, nil when the conversation is unknown.
func (d *DB) GetConversation(account, id string) (*Conversation, error) {
	var conv Conversation
	var name, photo, occupants sql.NullString
	var createdAt int64

	err := d.db.QueryRow(`
		SELECT id, kind, peer, name, photo, occupants_json, created_at
		FROM conversations
		WHERE account = ? AND id = ?
	`, account, id).Scan(&conv.ID, &conv.Kind, &conv.Peer, &name, &photo, &occupants, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if name.Valid {
		conv.Name = name.String
	}
	if photo.Valid {
		conv.Photo = photo.String
	}
	if occupants.Valid && occupants.String != "" {
		if err := json.Unmarshal([]byte(occupants.String), &conv.Occupants); err != nil {
			return nil, fmt.Errorf("failed to decode occupants of %s: %w", id, err)
		}
	}
	conv.CreatedAt = time.Unix(createdAt, 0)

	return &conv, nil
}

func (d *DB) DeleteConversation(account, id string) error {
	_, err := d.db.Exec("DELETE FROM conversations WHERE account = ? AND id = ?", account, id)
	return err
}

type User struct {
	ID          int
	DisplayName string
	PhotoRef    string
	LastUpdated time.Time
}

func (d *DB) SaveUser(user User) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO users (id, display_name, photo_ref, last_updated)
		VALUES (?, ?, ?, ?)
	`, user.ID, user.DisplayName, user.PhotoRef, time.Now().Unix())
	return err
}

// GetUser returns nil, nil when the user is not cached.
func (d *DB) GetUser(id int) (*User, error) {
	var user User
	var photo sql.NullString
	var lastUpdated int64

	err := d.db.QueryRow(`
		SELECT id, display_name, photo_ref, last_updated FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.DisplayName, &photo, &lastUpdated)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if photo.Valid {
		user.PhotoRef = photo.String
	}
	user.LastUpdated = time.Unix(lastUpdated, 0)
	return &user, nil
}

// SearchUsers returns up to limit cached users whose display name contains
// query, ordered by name.
func (d *DB) SearchUsers(query string, limit int) ([]User, error) {
	rows, err := d.db.Query(`
		SELECT id, display_name, photo_ref, last_updated FROM users
		WHERE display_name LIKE '%' || ? || '%'
		ORDER BY display_name, id
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var user User
		var photo sql.NullString
		var lastUpdated int64
		if err := rows.Scan(&user.ID, &user.DisplayName, &photo, &lastUpdated); err != nil {
			return nil, err
		}
		user.PhotoRef = photo.String
		user.LastUpdated = time.Unix(lastUpdated, 0)
		users = append(users, user)
	}
	return users, rows.Err()
}

func (d *DB) IncrementUnread(account, conversationID string) error {
	_, err := d.db.Exec(`
		INSERT INTO chat_state (account, conversation_id, unread)
		VALUES (?, ?, 1)
		ON CONFLICT(account, conversation_id) DO UPDATE SET unread = unread + 1
	`, account, conversationID)
	return err
}

func (d *DB) GetUnreadCount(account, conversationID string) (int, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT unread FROM chat_state
		WHERE account = ? AND conversation_id = ?
	`, account, conversationID).Scan(&count)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

func (d *DB) MarkRead(account, conversationID string) error {
	now := time.Now().Unix()
	_, err := d.db.Exec(`
		INSERT INTO chat_state (account, conversation_id, unread, last_read)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(account, conversation_id) DO UPDATE SET unread = 0, last_read = excluded.last_read
	`, account, conversationID, now)
	return err
}
