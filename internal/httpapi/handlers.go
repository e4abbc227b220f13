package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/facilitys/backwhatsapp-baileys/internal/apperr"
	"github.com/facilitys/backwhatsapp-baileys/internal/engine"
	"github.com/facilitys/backwhatsapp-baileys/internal/media"
	"github.com/facilitys/backwhatsapp-baileys/internal/registry"
)

type sessionView struct {
	SessionKey     string `json:"sessionKey"`
	State          string `json:"state"`
	PhoneNumber    string `json:"phoneNumber,omitempty"`
	ReconnectCount int    `json:"reconnectCount"`
}

type contactView struct {
	ID         int64  `json:"id"`
	ContactJID string `json:"contactJid"`
	Alias      string `json:"alias,omitempty"`
	LastSeen   int64  `json:"lastSeen"`
}

type messageView struct {
	ID           int64  `json:"id"`
	MessageID    string `json:"messageId"`
	SenderJID    string `json:"senderJid"`
	RecipientJID string `json:"recipientJid"`
	Content      string `json:"content"`
	MessageType  string `json:"type"`
	Timestamp    int64  `json:"timestamp"`
	SessionKey   string `json:"sessionKey"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionKey string `json:"sessionKey"`
		UserID     int64  `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validationf("malformed body: %v", err))
		return
	}
	if req.UserID <= 0 {
		s.writeError(w, apperr.Validationf("userId is required"))
		return
	}
	if req.SessionKey == "" {
		req.SessionKey = uuid.NewString()
	}

	entry, err := s.sup.Start(r.Context(), req.SessionKey, req.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sessionView{
		SessionKey: entry.Key,
		State:      string(entry.State),
	})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(mux.Vars(r)["key"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionQR(w http.ResponseWriter, r *http.Request) {
	entry := s.lookupEntry(mux.Vars(r)["key"])
	if entry == nil {
		s.writeError(w, apperr.NotFoundf("session not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"state": string(entry.State),
		"qr":    entry.QRImage,
	})
}

func (s *Server) sendText(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req struct {
		To     string `json:"to"`
		Text   string `json:"text"`
		UserID int64  `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validationf("malformed body: %v", err))
		return
	}
	if req.To == "" || req.Text == "" {
		s.writeError(w, apperr.Validationf("to and text are required"))
		return
	}

	entry := s.lookupEntry(key)
	if entry == nil {
		s.writeError(w, apperr.NotFoundf("session not found"))
		return
	}

	clientMsgID := uuid.NewString()
	if err := s.db.QueueOutbox(clientMsgID, entry.Key, req.To, req.Text, entry.UserID); err != nil {
		s.logger.Error("failed to queue text", zap.Error(err))
		s.writeError(w, apperr.Transientf(err, "could not queue message"))
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"clientMsgId": clientMsgID})
}

func (s *Server) sendMedia(cat media.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		limit := s.mediaLimit(cat)
		r.Body = http.MaxBytesReader(w, r.Body, limit+4096)
		if err := r.ParseMultipartForm(limit); err != nil {
			s.writeError(w, apperr.Validationf("upload too large or malformed: %v", err))
			return
		}

		to := r.FormValue("to")
		if to == "" {
			s.writeError(w, apperr.Validationf("to is required"))
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			s.writeError(w, apperr.Validationf("file is required"))
			return
		}
		defer func() { _ = file.Close() }()

		data, err := io.ReadAll(file)
		if err != nil {
			s.writeError(w, apperr.Transientf(err, "could not read upload"))
			return
		}

		handle := s.sup.HandleFor(key)
		if handle == nil {
			s.writeError(w, apperr.NotFoundf("session not connected"))
			return
		}

		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		var seconds uint32
		if v := r.FormValue("duration"); v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				seconds = uint32(n)
			}
		}

		serverMsgID, err := handle.SendMedia(r.Context(), to, engine.Media{
			Kind:     kindFor(cat),
			Data:     data,
			MimeType: mimeType,
			Caption:  r.FormValue("caption"),
			FileName: header.Filename,
			Seconds:  seconds,
		})
		if err != nil {
			s.logger.Error("media send failed", zap.String("session", key), zap.Error(err))
			s.writeError(w, apperr.Transientf(err, "send failed"))
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"serverMsgId": serverMsgID})
	}
}

func (s *Server) liveSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries := s.reg.ListByUser(userID)
	views := make([]sessionView, 0, len(entries))
	for _, e := range entries {
		views = append(views, sessionView{
			SessionKey:     e.Key,
			State:          string(e.State),
			PhoneNumber:    e.PhoneNumber,
			ReconnectCount: e.ReconnectCount,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) persistedSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	sessions, err := s.db.ListAccountSessions(userID)
	if err != nil {
		s.writeError(w, apperr.Transientf(err, "could not list sessions"))
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) listContacts(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	contacts, err := s.db.ListContacts(userID)
	if err != nil {
		s.writeError(w, apperr.Transientf(err, "could not list contacts"))
		return
	}
	views := make([]contactView, 0, len(contacts))
	for _, c := range contacts {
		views = append(views, contactView{
			ID:         c.ID,
			ContactJID: c.ContactJID,
			Alias:      c.Alias,
			LastSeen:   c.LastSeenMilli,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) updateAlias(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	contactID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Validationf("malformed body: %v", err))
		return
	}

	ok, err := s.db.UpdateContactAlias(contactID, userID, req.Alias)
	if err != nil {
		s.writeError(w, apperr.Transientf(err, "could not update alias"))
		return
	}
	if !ok {
		s.writeError(w, apperr.NotFoundf("contact not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	jid := mux.Vars(r)["jid"]

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := s.db.ListConversation(userID, jid, limit)
	if err != nil {
		s.writeError(w, apperr.Transientf(err, "could not list messages"))
		return
	}
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView{
			ID:           m.ID,
			MessageID:    m.MessageID,
			SenderJID:    m.SenderJID,
			RecipientJID: m.RecipientJID,
			Content:      m.Content,
			MessageType:  m.MessageType,
			Timestamp:    m.TimestampMilli,
			SessionKey:   m.SessionKey,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) redownload(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userId")
	if err != nil {
		s.writeError(w, err)
		return
	}
	rowID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, err)
		return
	}

	row, err := s.db.GetMessage(userID, rowID)
	if err != nil {
		s.writeError(w, apperr.Transientf(err, "loading message %d", rowID))
		return
	}
	if row == nil {
		s.writeError(w, apperr.NotFoundf("message not found"))
		return
	}

	handle := s.sup.HandleFor(row.SessionKey)
	if handle == nil {
		s.writeError(w, apperr.NotFoundf("session not connected"))
		return
	}

	asset, err := s.resolver.Redownload(r.Context(), handle, row.Content, row.MessageID)
	if err != nil {
		s.logger.Error("media redownload failed",
			zap.String("message_id", row.MessageID), zap.Error(err))
		s.writeError(w, apperr.Transientf(err, "download failed"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"messageId": row.MessageID,
		"fileUrl":   asset.URL,
		"mimetype":  asset.MimeType,
		"duration":  asset.Duration,
		"caption":   asset.Caption,
	})
}

func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cat, ok := media.CategoryForCode(vars["code"])
	if !ok {
		http.NotFound(w, r)
		return
	}
	name := vars["file"]
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", media.ContentTypeFor(cat, name))
	http.ServeFile(w, r, s.resolver.FilePath(cat, name))
}

// lookupEntry resolves a session key to its registry entry, following the
// pending index for pre-rekey tokens.
func (s *Server) lookupEntry(key string) *registry.Entry {
	if entry := s.reg.Get(key); entry != nil {
		return entry
	}
	if effective, ok := s.reg.ResolveEffective(key); ok {
		return s.reg.Get(effective)
	}
	return nil
}

func (s *Server) mediaLimit(cat media.Category) int64 {
	switch cat {
	case media.Image:
		return s.cfg.MaxImageBytes
	case media.Audio:
		return s.cfg.MaxAudioBytes
	case media.Video:
		return s.cfg.MaxVideoBytes
	default:
		return s.cfg.MaxDocumentBytes
	}
}

func kindFor(cat media.Category) engine.MediaKind {
	switch cat {
	case media.Image:
		return engine.MediaImage
	case media.Audio:
		return engine.MediaAudio
	case media.Video:
		return engine.MediaVideo
	default:
		return engine.MediaDocument
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validationf("invalid %s", name)
	}
	return id, nil
}
