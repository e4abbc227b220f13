package store

// Message is one persisted message row. Rows are append-only: once
// inserted they are never mutated, and (MessageID, SessionKey) is unique.
type Message struct {
	ID             int64
	MessageID      string
	SenderJID      string
	RecipientJID   string
	Content        string
	MessageType    string
	TimestampMilli int64
	SessionKey     string
	PhoneNumber    string
	AccountJID     string
	UserID         int64
}

// Contact is one row of the per-user contact directory. Unique on
// (ContactJID, UserID, PhoneNumber); upserts refresh LastSeenMilli.
// Alias is user-editable out-of-band.
type Contact struct {
	ID            int64
	ContactJID    string
	UserID        int64
	PhoneNumber   string
	JID           string
	Alias         string
	LastSeenMilli int64
}

// AccountSession is one persisted (user, phone) session record with the
// session key it was last started under.
type AccountSession struct {
	ID          int64
	UserID      int64
	PhoneNumber string
	SessionKey  string
}

// OutboxEntry is one pending outgoing text message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	SessionKey   string
	RecipientJID string
	Body         string
	UserID       int64
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}
