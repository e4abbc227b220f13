package store

import (
	"database/sql"
	"time"
)

// MessageExists reports whether a row with the given (messageID, sessionKey)
// pair is already persisted. This is the dedup gate for replayed history.
func (db *DB) MessageExists(messageID, sessionKey string) (bool, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE message_id = ? AND session_key = ?`,
		messageID, sessionKey).Scan(&n)
	return n > 0, err
}

// InsertMessage appends a message row and returns the generated row id.
// The caller is expected to have checked MessageExists first; the UNIQUE
// constraint is the backstop.
func (db *DB) InsertMessage(m *Message) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO messages (message_id, sender_jid, recipient_jid, content, message_type, timestamp, session_key, phone_number, account_jid, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.SenderJID, m.RecipientJID, m.Content, m.MessageType,
		m.TimestampMilli, m.SessionKey, m.PhoneNumber, m.AccountJID, m.UserID,
		time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetMessage returns a persisted row by id scoped to a user, or nil.
func (db *DB) GetMessage(userID, id int64) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, message_id, sender_jid, recipient_jid, content, message_type, timestamp, session_key, phone_number, account_jid, user_id
		FROM messages WHERE user_id = ? AND id = ?`, userID, id).
		Scan(&m.ID, &m.MessageID, &m.SenderJID, &m.RecipientJID, &m.Content,
			&m.MessageType, &m.TimestampMilli, &m.SessionKey, &m.PhoneNumber,
			&m.AccountJID, &m.UserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListConversation returns the newest messages exchanged between the user's
// account and one remote party, newest first.
func (db *DB) ListConversation(userID int64, contactJID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, message_id, sender_jid, recipient_jid, content, message_type, timestamp, session_key, phone_number, account_jid, user_id
		FROM messages
		WHERE user_id = ? AND (
			(recipient_jid = ? AND sender_jid = 'me') OR
			(sender_jid = ? AND recipient_jid = 'me')
		)
		ORDER BY timestamp DESC
		LIMIT ?`, userID, contactJID, contactJID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MessageID, &m.SenderJID, &m.RecipientJID,
			&m.Content, &m.MessageType, &m.TimestampMilli, &m.SessionKey,
			&m.PhoneNumber, &m.AccountJID, &m.UserID); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of persisted messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
