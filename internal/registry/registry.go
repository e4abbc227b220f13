// Package registry tracks live communication sessions keyed by session key.
// The table is mutex-guarded: every multi-step sequence (lookup, rekey,
// pending-index move) completes under one lock so concurrent session
// handlers never observe a half-moved entry.
package registry

import (
	"sync"

	"github.com/facilitys/backwhatsapp-baileys/internal/apperr"
)

// State is a session lifecycle state.
type State string

const (
	Initializing State = "INITIALIZING"
	AwaitingScan State = "AWAITING_SCAN"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Terminated   State = "TERMINATED"
)

// Entry is the live state of one session. The key under which an Entry is
// stored begins as an arbitrary token and is rekeyed to the authenticated
// phone number exactly once.
type Entry struct {
	Key            string
	UserID         int64
	PhoneNumber    string
	AccountJID     string
	State          State
	QRImage        string
	ReconnectCount int
}

// Pending records the original session key behind an effective key, so a
// later terminal logout can restart the session under its original token.
type Pending struct {
	UserID      int64
	OriginalKey string
}

// Registry is the keyed store of session entries plus the pending index.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	pending map[string]Pending
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		pending: make(map[string]Pending),
	}
}

// Register creates an entry in state INITIALIZING. Fails with a Conflict
// error if the key is already present.
func (r *Registry) Register(key string, userID int64) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return nil, apperr.Conflictf("session %s already active", key)
	}
	e := &Entry{Key: key, UserID: userID, State: Initializing}
	r.entries[key] = e
	r.pending[key] = Pending{UserID: userID, OriginalKey: key}
	return snapshot(e), nil
}

// snapshot copies an entry so the live struct never leaves the lock. All
// reads outside Update see a point-in-time value.
func snapshot(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Rekey atomically moves the entry and its pending-index record from oldKey
// to newKey, preserving user, QR image and reconnect count. No-op if oldKey
// is absent. After a successful rekey oldKey is gone and newKey is present.
func (r *Registry) Rekey(oldKey, newKey string) {
	if oldKey == newKey {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[oldKey]
	if !ok {
		return
	}
	delete(r.entries, oldKey)
	e.Key = newKey
	r.entries[newKey] = e

	p, ok := r.pending[oldKey]
	if !ok {
		p = Pending{UserID: e.UserID, OriginalKey: oldKey}
	}
	delete(r.pending, oldKey)
	r.pending[newKey] = p
}

// Get returns a snapshot of the entry for key, or nil. Mutation goes
// through Update only.
func (r *Registry) Get(key string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.entries[key])
}

// Remove deletes the entry and its pending-index record.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	delete(r.pending, key)
}

// ListByUser returns snapshots of all entries owned by userID.
func (r *Registry) ListByUser(userID int64) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.UserID == userID {
			out = append(out, snapshot(e))
		}
	}
	return out
}

// ResolveEffective returns the effective key for an original session key:
// the pending-index key whose record points back at originalKey. ok is
// false when the key was never registered or already purged.
func (r *Registry) ResolveEffective(originalKey string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, p := range r.pending {
		if p.OriginalKey == originalKey {
			return key, true
		}
	}
	return "", false
}

// PendingFor returns the pending record stored under effectiveKey.
func (r *Registry) PendingFor(effectiveKey string) (Pending, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pending[effectiveKey]
	return p, ok
}

// Update runs fn on the entry for key under the write lock. Returns false
// if the entry is absent.
func (r *Registry) Update(key string, fn func(*Entry)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	fn(e)
	return true
}
