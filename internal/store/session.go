package store

import "time"

// SaveAccountSession persists a (user, phone) session record keyed by the
// session key it authenticated under. Idempotent: an existing pair is left
// untouched and 0 is returned; a new row returns its id.
func (db *DB) SaveAccountSession(userID int64, phoneNumber, sessionKey string) (int64, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND phone_number = ?`,
		userID, phoneNumber).Scan(&n)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}

	res, err := db.Exec(`
		INSERT INTO sessions (user_id, phone_number, session_key, created_at)
		VALUES (?, ?, ?, ?)`,
		userID, phoneNumber, sessionKey, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListAccountSessions returns the persisted session records for a user.
func (db *DB) ListAccountSessions(userID int64) ([]AccountSession, error) {
	rows, err := db.Query(`
		SELECT id, user_id, phone_number, session_key
		FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []AccountSession
	for rows.Next() {
		var s AccountSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.PhoneNumber, &s.SessionKey); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
