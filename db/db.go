package db

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"wizzd/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/pbkdf2"
)

var ErrNoRows = errors.New("no rows found")

const (
	saltSize   = 16
	hashIters  = 64000
	hashKeyLen = 32

	// DefaultPendingLimit bounds how many undelivered messages a single
	// fetch returns, so a login flush cannot saturate the connection.
	DefaultPendingLimit = 50
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			salt TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friends (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			friend TEXT NOT NULL,
			UNIQUE(owner, friend)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TEXT NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pending ON messages(recipient, delivered)`,
		`CREATE INDEX IF NOT EXISTS idx_friends_owner ON friends(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_friends_friend ON friends(friend)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate performs auto-migration for new columns
func (db *DB) migrate() error {
	if !db.columnExists("accounts", "avatar") {
		if _, err := db.conn.Exec("ALTER TABLE accounts ADD COLUMN avatar TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// Account methods

// CreateAccount inserts a new account with a fresh random salt. It
// returns false on a duplicate username, an error only on engine
// failures.
func (db *DB) CreateAccount(username, password string) (bool, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return false, err
	}
	saltHex := hex.EncodeToString(salt)
	hash := hashPassword(password, saltHex)

	_, err := db.conn.Exec(
		"INSERT INTO accounts (username, password_hash, salt) VALUES (?, ?, ?)",
		username, hash, saltHex,
	)
	if err != nil {
		// Unique constraint violation means the name is taken.
		exists, existsErr := db.AccountExists(username)
		if existsErr == nil && exists {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// VerifyCredentials re-derives the salted hash and compares. An unknown
// username and a wrong password are indistinguishable to the caller.
func (db *DB) VerifyCredentials(username, password string) (bool, error) {
	var storedHash, salt string
	err := db.conn.QueryRow(
		"SELECT password_hash, salt FROM accounts WHERE username = ?",
		username,
	).Scan(&storedHash, &salt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	derived := hashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(storedHash)) == 1, nil
}

func (db *DB) AccountExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetAvatar(username string) (string, error) {
	var avatar string
	err := db.conn.QueryRow("SELECT avatar FROM accounts WHERE username = ?", username).Scan(&avatar)
	if err == sql.ErrNoRows {
		return "", ErrNoRows
	}
	if err != nil {
		return "", err
	}
	return avatar, nil
}

func (db *DB) SetAvatar(username, ref string) (bool, error) {
	result, err := db.conn.Exec("UPDATE accounts SET avatar = ? WHERE username = ?", ref, username)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Friend methods

// AddFriend adds a directed edge owner -> friend. Both accounts must
// exist; adding an existing edge is a no-op success.
func (db *DB) AddFriend(owner, friend string) (bool, error) {
	for _, name := range []string{owner, friend} {
		exists, err := db.AccountExists(name)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}

	_, err := db.conn.Exec("INSERT OR IGNORE INTO friends (owner, friend) VALUES (?, ?)", owner, friend)
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFriend deletes the edge if present. Removing a non-existent
// edge is still a success.
func (db *DB) RemoveFriend(owner, friend string) error {
	_, err := db.conn.Exec("DELETE FROM friends WHERE owner = ? AND friend = ?", owner, friend)
	return err
}

func (db *DB) ListFriends(owner string) ([]string, error) {
	return db.listEdges("SELECT friend FROM friends WHERE owner = ? ORDER BY friend", owner)
}

// ListFollowers returns the users who have username as a friend, i.e.
// the reverse edges.
func (db *DB) ListFollowers(username string) ([]string, error) {
	return db.listEdges("SELECT owner FROM friends WHERE friend = ? ORDER BY owner", username)
}

func (db *DB) listEdges(query, key string) ([]string, error) {
	rows, err := db.conn.Query(query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

// Message methods

func (db *DB) StoreMessage(sender, recipient, body string, delivered bool) (int64, error) {
	flag := 0
	if delivered {
		flag = 1
	}
	result, err := db.conn.Exec(
		"INSERT INTO messages (sender, recipient, body, created_at, delivered) VALUES (?, ?, ?, ?, ?)",
		sender, recipient, body, time.Now().UTC().Format(time.RFC3339), flag,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// FetchPending returns up to limit undelivered messages for a user in
// store order.
func (db *DB) FetchPending(recipient string, limit int) ([]models.StoredMessage, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}

	rows, err := db.conn.Query(
		`SELECT id, sender, recipient, body, created_at, delivered
		 FROM messages
		 WHERE recipient = ? AND delivered = 0
		 ORDER BY id ASC
		 LIMIT ?`,
		recipient, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.StoredMessage
	for rows.Next() {
		var m models.StoredMessage
		var createdStr string
		var delivered int
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &createdStr, &delivered); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		m.Delivered = delivered != 0
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *DB) MarkDelivered(messageID int64) error {
	_, err := db.conn.Exec("UPDATE messages SET delivered = 1 WHERE id = ?", messageID)
	return err
}

func hashPassword(password, saltHex string) string {
	key := pbkdf2.Key([]byte(password), []byte(saltHex), hashIters, hashKeyLen, sha256.New)
	return hex.EncodeToString(key)
}
