// Package supervisor owns session lifecycles: it dials the engine, runs one
// receive loop per session, drives the state machine in the registry, and
// hands inbound messages to the ingestion pipeline. Reconnection and the
// rekey-to-phone-number transition both happen here.
package supervisor

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/facilitys/backwhatsapp-baileys/internal/apperr"
	"github.com/facilitys/backwhatsapp-baileys/internal/bus"
	"github.com/facilitys/backwhatsapp-baileys/internal/engine"
	"github.com/facilitys/backwhatsapp-baileys/internal/ingest"
	"github.com/facilitys/backwhatsapp-baileys/internal/registry"
	"github.com/facilitys/backwhatsapp-baileys/internal/store"
)

const qrImageSize = 256

// SessionEvent is the bus payload for session lifecycle notifications.
type SessionEvent struct {
	SessionKey  string `json:"sessionKey"`
	OriginalKey string `json:"originalKey,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	State       string `json:"state"`
	QRImage     string `json:"qr,omitempty"`
	Reason      string `json:"reason,omitempty"`
	UserID      int64  `json:"userId"`
}

type session struct {
	handle engine.Handle
	cancel context.CancelFunc
}

// Supervisor starts, reconnects and tears down engine sessions. One receive
// loop goroutine per live session consumes the handle's event channel; all
// registry mutation for a session happens from that loop.
type Supervisor struct {
	reg      *registry.Registry
	dialer   engine.Dialer
	db       *store.DB
	pipeline *ingest.Pipeline
	bus      *bus.Bus
	logger   *zap.Logger

	budget int
	delay  time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. reconnectBudget caps consecutive recoverable
// reconnect attempts per session.
func New(reg *registry.Registry, dialer engine.Dialer, db *store.DB, pipeline *ingest.Pipeline, b *bus.Bus, logger *zap.Logger, reconnectBudget int) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		reg:      reg,
		dialer:   dialer,
		db:       db,
		pipeline: pipeline,
		bus:      b,
		logger:   logger,
		budget:   reconnectBudget,
		delay:    time.Second,
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers a new session under key and dials the engine. It returns
// once the connection attempt is underway; authentication progress is
// reported through bus events. A key already in use yields a Conflict error
// and a dial failure a Transient one, with the registration rolled back.
// The connection is bound to the supervisor's lifetime, not the caller's
// ctx: the QR pairing flow keeps running after the request that started
// the session has returned.
func (s *Supervisor) Start(ctx context.Context, key string, userID int64) (*registry.Entry, error) {
	entry, err := s.reg.Register(key, userID)
	if err != nil {
		return nil, err
	}

	h, err := s.dialer.Dial(s.ctx, key)
	if err != nil {
		s.reg.Remove(key)
		return nil, apperr.Transientf(err, "dial session %s", key)
	}

	s.adopt(key, h)
	return entry, nil
}

// Stop tears down a live session without touching its credentials, so it
// can be started again later.
func (s *Supervisor) Stop(key string) error {
	effective := s.effectiveKey(key)
	s.mu.Lock()
	sess := s.sessions[effective]
	delete(s.sessions, effective)
	s.mu.Unlock()
	if sess == nil {
		return apperr.NotFoundf("session %s not running", key)
	}
	sess.cancel()
	sess.handle.Close()
	s.reg.Remove(effective)
	return nil
}

// HandleFor returns the live engine handle behind key, following the
// pending index for pre-rekey keys. Nil when the session is not running.
func (s *Supervisor) HandleFor(key string) engine.Handle {
	effective := s.effectiveKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[effective]; sess != nil {
		return sess.handle
	}
	return nil
}

// Shutdown cancels every receive loop and closes every handle. Blocks until
// the loops have drained.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.handle.Close()
	}
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) effectiveKey(key string) string {
	if entry := s.reg.Get(key); entry != nil {
		return key
	}
	if effective, ok := s.reg.ResolveEffective(key); ok {
		return effective
	}
	return key
}

// adopt records the handle and spawns the receive loop for a freshly dialed
// session. startKey is the key the session was started under; it never
// changes for the lifetime of the loop, even across rekey.
func (s *Supervisor) adopt(startKey string, h engine.Handle) {
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.sessions[startKey] = &session{handle: h, cancel: cancel}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, startKey, h)
}

func (s *Supervisor) run(ctx context.Context, startKey string, h engine.Handle) {
	defer s.wg.Done()
	effective := startKey
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-h.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case engine.QRChallenge:
				s.onQR(effective, e)
			case engine.ConnectionOpen:
				effective = s.onOpen(startKey, effective, e)
			case engine.CredentialsUpdated:
				if err := h.SaveCredentials(ctx); err != nil {
					s.logger.Error("saving credentials failed",
						zap.String("session", effective), zap.Error(err))
				}
			case engine.InboundMessage:
				s.pipeline.Ingest(ctx, effective, h, e)
			case engine.ConnectionClosed:
				next, ok := s.onClosed(ctx, startKey, effective, h, e)
				if !ok {
					return
				}
				h = next
			}
		}
	}
}

func (s *Supervisor) onQR(effective string, e engine.QRChallenge) {
	img, err := qrcode.Encode(e.Code, qrcode.Medium, qrImageSize)
	if err != nil {
		s.logger.Error("qr encoding failed", zap.String("session", effective), zap.Error(err))
		return
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)

	var userID int64
	ok := s.reg.Update(effective, func(en *registry.Entry) {
		en.State = registry.AwaitingScan
		en.QRImage = dataURL
		userID = en.UserID
	})
	if !ok {
		// Entry already torn down; a QR for a dead session is noise.
		return
	}
	s.publish("session.qr", SessionEvent{
		SessionKey: effective,
		State:      string(registry.AwaitingScan),
		QRImage:    dataURL,
		UserID:     userID,
	})
}

// onOpen handles a completed handshake: on first authentication the session
// is rekeyed from its start token to the account's phone number. Returns
// the key the session lives under from now on.
func (s *Supervisor) onOpen(startKey, effective string, e engine.ConnectionOpen) string {
	phone := phoneFromIdentity(e.Identity)
	if phone == "" {
		s.logger.Warn("connection open with unparsable identity",
			zap.String("session", effective), zap.String("identity", e.Identity))
		return effective
	}

	if phone != effective {
		s.reg.Rekey(effective, phone)
		s.mu.Lock()
		if sess, ok := s.sessions[effective]; ok {
			delete(s.sessions, effective)
			s.sessions[phone] = sess
		}
		s.mu.Unlock()
		effective = phone
	}

	var userID int64
	s.reg.Update(effective, func(en *registry.Entry) {
		en.PhoneNumber = phone
		en.AccountJID = phone + "@s.whatsapp.net"
		en.State = registry.Connected
		en.QRImage = ""
		en.ReconnectCount = 0
		userID = en.UserID
	})

	if _, err := s.db.SaveAccountSession(userID, phone, effective); err != nil {
		s.logger.Error("persisting account session failed",
			zap.String("session", effective), zap.Error(err))
	}

	s.publish("session.open", SessionEvent{
		SessionKey:  effective,
		OriginalKey: startKey,
		PhoneNumber: phone,
		State:       string(registry.Connected),
		UserID:      userID,
	})
	return effective
}

// onClosed handles a transport drop. For recoverable drops it redials in
// place, bounded by the reconnect budget; waits are cancellable through
// ctx. For terminal logouts it purges credentials and, when the pending
// index still points back to the start key, restarts the session under
// that original key. The second return value is false when the loop must
// exit.
func (s *Supervisor) onClosed(ctx context.Context, startKey, effective string, h engine.Handle, e engine.ConnectionClosed) (engine.Handle, bool) {
	if e.LoggedOut {
		s.terminate(ctx, startKey, effective, h, e.Reason)
		return nil, false
	}

	h.Close()

	var userID int64
	var attempt int
	s.reg.Update(effective, func(en *registry.Entry) {
		en.ReconnectCount++
		en.State = registry.Reconnecting
		attempt = en.ReconnectCount
		userID = en.UserID
	})

	for attempt <= s.budget {
		s.publish("session.reconnecting", SessionEvent{
			SessionKey: effective,
			State:      string(registry.Reconnecting),
			Reason:     e.Reason,
			UserID:     userID,
		})
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		next, err := s.dialer.Dial(ctx, effective)
		if err == nil {
			s.mu.Lock()
			if sess, ok := s.sessions[effective]; ok {
				sess.handle = next
			}
			s.mu.Unlock()
			return next, true
		}

		s.logger.Warn("reconnect dial failed",
			zap.String("session", effective), zap.Int("attempt", attempt), zap.Error(err))
		attempt++
		s.reg.Update(effective, func(en *registry.Entry) {
			en.ReconnectCount = attempt
		})
	}

	s.logger.Error("reconnect budget exhausted, giving up",
		zap.String("session", effective), zap.Int("attempts", attempt-1))
	s.dropSession(effective)
	s.reg.Remove(effective)
	s.publish("session.closed", SessionEvent{
		SessionKey: effective,
		State:      string(registry.Terminated),
		Reason:     e.Reason,
		UserID:     userID,
	})
	return nil, false
}

// terminate handles a logout: credentials are gone on the server side, so
// the local copy is purged and the session restarted from scratch under
// the key it was originally started with.
func (s *Supervisor) terminate(ctx context.Context, startKey, effective string, h engine.Handle, reason string) {
	if err := h.RemoveCredentials(ctx); err != nil {
		s.logger.Error("purging credentials failed",
			zap.String("session", effective), zap.Error(err))
	}
	h.Close()
	s.dropSession(effective)

	pending, restart := s.reg.PendingFor(effective)
	entry := s.reg.Get(effective)
	var userID int64
	if entry != nil {
		userID = entry.UserID
	}
	s.reg.Remove(effective)

	s.publish("session.logout", SessionEvent{
		SessionKey:  effective,
		OriginalKey: startKey,
		State:       string(registry.Terminated),
		Reason:      reason,
		UserID:      userID,
	})

	if !restart || pending.OriginalKey != startKey {
		return
	}
	if _, err := s.Start(s.ctx, pending.OriginalKey, pending.UserID); err != nil {
		s.logger.Error("restart after logout failed",
			zap.String("session", pending.OriginalKey), zap.Error(err))
	}
}

func (s *Supervisor) dropSession(key string) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
}

func (s *Supervisor) publish(kind string, evt SessionEvent) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Session:   evt.SessionKey,
		Timestamp: time.Now(),
		Payload:   evt,
	})
}

// phoneFromIdentity extracts the bare phone number from a full account JID
// such as "5511999990000:12@s.whatsapp.net".
func phoneFromIdentity(identity string) string {
	user, _, ok := strings.Cut(identity, "@")
	if !ok {
		user = identity
	}
	user, _, _ = strings.Cut(user, ":")
	return user
}
