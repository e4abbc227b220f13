package store

import (
	"database/sql"
	"time"
)

// UpsertContact refreshes an existing contact's last-seen timestamp or
// inserts a new row. Returns the new row id on insert, 0 when an existing
// row was refreshed. The alias is never touched here.
func (db *DB) UpsertContact(c *Contact) (int64, error) {
	now := time.Now().UnixMilli()

	res, err := db.Exec(
		`UPDATE contacts SET last_seen = ? WHERE contact_jid = ? AND user_id = ? AND phone_number = ?`,
		now, c.ContactJID, c.UserID, c.PhoneNumber)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n > 0 {
		return 0, nil
	}

	res, err = db.Exec(`
		INSERT INTO contacts (contact_jid, user_id, phone_number, jid, alias, last_seen)
		VALUES (?, ?, ?, ?, '', ?)`,
		c.ContactJID, c.UserID, c.PhoneNumber, c.JID, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListContacts returns the user's contacts, most recently seen first.
func (db *DB) ListContacts(userID int64) ([]Contact, error) {
	rows, err := db.Query(`
		SELECT id, contact_jid, user_id, phone_number, jid, alias, last_seen
		FROM contacts WHERE user_id = ? ORDER BY last_seen DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.ContactJID, &c.UserID, &c.PhoneNumber,
			&c.JID, &c.Alias, &c.LastSeenMilli); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// GetContact returns a contact by row id scoped to a user, or nil.
func (db *DB) GetContact(userID, id int64) (*Contact, error) {
	var c Contact
	err := db.QueryRow(`
		SELECT id, contact_jid, user_id, phone_number, jid, alias, last_seen
		FROM contacts WHERE user_id = ? AND id = ?`, userID, id).
		Scan(&c.ID, &c.ContactJID, &c.UserID, &c.PhoneNumber, &c.JID, &c.Alias, &c.LastSeenMilli)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateContactAlias sets the user-editable alias on a contact row.
// Returns false if no such contact exists for the user.
func (db *DB) UpdateContactAlias(id, userID int64, alias string) (bool, error) {
	res, err := db.Exec(
		`UPDATE contacts SET alias = ? WHERE id = ? AND user_id = ?`,
		alias, id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
