// Package httpapi exposes the REST surface: session lifecycle, contact and
// conversation reads, outgoing text and media sends, media redownload and
// the uploads file server.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/facilitys/backwhatsapp-baileys/internal/apperr"
	"github.com/facilitys/backwhatsapp-baileys/internal/config"
	"github.com/facilitys/backwhatsapp-baileys/internal/media"
	"github.com/facilitys/backwhatsapp-baileys/internal/registry"
	"github.com/facilitys/backwhatsapp-baileys/internal/store"
	"github.com/facilitys/backwhatsapp-baileys/internal/supervisor"
)

// Server hosts the REST API.
type Server struct {
	cfg      *config.Config
	sup      *supervisor.Supervisor
	reg      *registry.Registry
	db       *store.DB
	resolver *media.Resolver
	logger   *zap.Logger
	srv      *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg *config.Config, sup *supervisor.Supervisor, reg *registry.Registry, db *store.DB, resolver *media.Resolver, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sup:      sup,
		reg:      reg,
		db:       db,
		resolver: resolver,
		logger:   logger,
	}
	s.srv = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for handler tests.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.startSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{key}", s.stopSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{key}/qr", s.sessionQR).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{key}/messages/text", s.sendText).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{key}/messages/image", s.sendMedia(media.Image)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{key}/messages/audio", s.sendMedia(media.Audio)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{key}/messages/video", s.sendMedia(media.Video)).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{key}/messages/document", s.sendMedia(media.Document)).Methods(http.MethodPost)

	api.HandleFunc("/users/{userId}/sessions/live", s.liveSessions).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/sessions", s.persistedSessions).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/contacts", s.listContacts).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/contacts/{id}/alias", s.updateAlias).Methods(http.MethodPut)
	api.HandleFunc("/users/{userId}/conversations/{jid}", s.conversation).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/messages/{id}/redownload", s.redownload).Methods(http.MethodPost)

	r.HandleFunc("/uploads/{code}/{file}", s.serveUpload).Methods(http.MethodGet)

	return r
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http api listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Transient:
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
