package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrUserNotFound indicates no account has the given username or id.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidPassword indicates the password does not match the stored hash.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrUsernameTaken indicates a registration collided with an existing account.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrFriendshipNotFound indicates no friendship row exists for the pair.
	ErrFriendshipNotFound = errors.New("friendship not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool (25 connections)
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and migrates the schema to the latest version
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers are fine in WAL mode
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// SQLite allows a single writer, so writes go through one connection
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	if err := runMigrations(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		// Wait and retry instead of failing immediately with SQLITE_BUSY
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// RegisterUser creates an account with a bcrypt hash of password.
func (db *DB) RegisterUser(username, password string) (Identity, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return Identity{}, err
	}

	result, err := db.writeConn.Exec(`
		INSERT INTO User (username, password_hash, created_at)
		VALUES (?, ?, ?)
	`, username, hash, nowMillis())
	if err != nil {
		if isUniqueViolation(err) {
			return Identity{}, ErrUsernameTaken
		}
		return Identity{}, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return Identity{}, err
	}

	logrus.WithFields(logrus.Fields{"function": "RegisterUser", "user_id": id}).Debug("account created")
	return Identity{ID: id, Username: username}, nil
}

// Authenticate verifies password against the stored hash.
func (db *DB) Authenticate(username, password string) (Identity, error) {
	var ident Identity
	var hash string
	err := db.conn.QueryRow(`
		SELECT id, username, password_hash FROM User WHERE username = ?
	`, username).Scan(&ident.ID, &ident.Username, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrUserNotFound
	}
	if err != nil {
		return Identity{}, err
	}

	if err := checkPassword(hash, password); err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// ResolveUser looks up an account by exact username.
func (db *DB) ResolveUser(username string) (Identity, error) {
	var ident Identity
	err := db.conn.QueryRow(`
		SELECT id, username FROM User WHERE username = ?
	`, username).Scan(&ident.ID, &ident.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrUserNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	return ident, nil
}

// ListAllUsernames returns every registered username, sorted.
func (db *DB) ListAllUsernames() ([]string, error) {
	rows, err := db.conn.Query(`SELECT username FROM User ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// SaveMessage stores a private message and returns the persisted record.
func (db *DB) SaveMessage(senderID, receiverID int64, text string) (*Message, error) {
	now := nowMillis()
	result, err := db.writeConn.Exec(`
		INSERT INTO PrivateMessage (sender_id, receiver_id, content, sent_at)
		VALUES (?, ?, ?, ?)
	`, senderID, receiverID, text, now)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	var senderName string
	if err := db.writeConn.QueryRow(`SELECT username FROM User WHERE id = ?`, senderID).Scan(&senderName); err != nil {
		return nil, fmt.Errorf("failed to load sender: %w", err)
	}

	return &Message{
		ID:             id,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		SenderUsername: senderName,
		Text:           text,
		SentAt:         time.UnixMilli(now),
	}, nil
}

// MessageHistory returns all messages exchanged between the two users in
// either direction, oldest first.
func (db *DB) MessageHistory(userA, userB int64) ([]*Message, error) {
	rows, err := db.conn.Query(`
		SELECT m.id, m.sender_id, m.receiver_id, u.username, m.content, m.sent_at
		FROM PrivateMessage m
		JOIN User u ON u.id = m.sender_id
		WHERE (m.sender_id = ? AND m.receiver_id = ?)
		   OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.sent_at ASC, m.id ASC
	`, userA, userB, userB, userA)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var sentAt int64
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.SenderUsername, &msg.Text, &sentAt); err != nil {
			return nil, err
		}
		msg.SentAt = time.UnixMilli(sentAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// GetFriendship returns the row for the canonical pair (userOne < userTwo).
func (db *DB) GetFriendship(userOne, userTwo int64) (*Friendship, error) {
	var f Friendship
	err := db.conn.QueryRow(`
		SELECT id, user_one_id, user_two_id, status, action_user_id
		FROM Friendship
		WHERE user_one_id = ? AND user_two_id = ?
	`, userOne, userTwo).Scan(&f.ID, &f.UserOneID, &f.UserTwoID, &f.Status, &f.ActionUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFriendshipNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// InsertFriendRequest creates a pending row for the canonical pair. It
// returns false without error if a row for the pair already exists.
func (db *DB) InsertFriendRequest(userOne, userTwo, actionUser int64) (bool, error) {
	result, err := db.writeConn.Exec(`
		INSERT INTO Friendship (user_one_id, user_two_id, status, action_user_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_one_id, user_two_id) DO NOTHING
	`, userOne, userTwo, FriendshipPending, actionUser, nowMillis())
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// UpdateFriendshipStatus moves a pending row to status, recording actionUser.
// It returns the number of rows changed: zero when the pair has no pending row.
func (db *DB) UpdateFriendshipStatus(userOne, userTwo int64, status FriendshipStatus, actionUser int64) (int64, error) {
	result, err := db.writeConn.Exec(`
		UPDATE Friendship
		SET status = ?, action_user_id = ?
		WHERE user_one_id = ? AND user_two_id = ? AND status = ?
	`, status, actionUser, userOne, userTwo, FriendshipPending)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// FriendsOf returns everyone with an accepted friendship with userID,
// sorted by username.
func (db *DB) FriendsOf(userID int64) ([]Identity, error) {
	rows, err := db.conn.Query(`
		SELECT u.id, u.username
		FROM Friendship f
		JOIN User u ON u.id = CASE WHEN f.user_one_id = ? THEN f.user_two_id ELSE f.user_one_id END
		WHERE (f.user_one_id = ? OR f.user_two_id = ?) AND f.status = ?
		ORDER BY u.username ASC
	`, userID, userID, userID, FriendshipAccepted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []Identity
	for rows.Next() {
		var ident Identity
		if err := rows.Scan(&ident.ID, &ident.Username); err != nil {
			return nil, err
		}
		friends = append(friends, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return friends, nil
}

// PendingIncomingOf returns the usernames of users with a pending request
// that userID has not acted on, sorted.
func (db *DB) PendingIncomingOf(userID int64) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT u.username
		FROM Friendship f
		JOIN User u ON u.id = f.action_user_id
		WHERE (f.user_one_id = ? OR f.user_two_id = ?)
		  AND f.status = ?
		  AND f.action_user_id != ?
		ORDER BY u.username ASC
	`, userID, userID, FriendshipPending, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
