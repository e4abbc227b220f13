package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/facilitys/backwhatsapp-baileys/internal/bus"
	"github.com/facilitys/backwhatsapp-baileys/internal/config"
	"github.com/facilitys/backwhatsapp-baileys/internal/engine"
	"github.com/facilitys/backwhatsapp-baileys/internal/ingest"
	"github.com/facilitys/backwhatsapp-baileys/internal/media"
	"github.com/facilitys/backwhatsapp-baileys/internal/registry"
	"github.com/facilitys/backwhatsapp-baileys/internal/store"
	"github.com/facilitys/backwhatsapp-baileys/internal/supervisor"
	"github.com/facilitys/backwhatsapp-baileys/internal/wa"
)

type fakeHandle struct {
	mu        sync.Mutex
	mediaSent []engine.Media
	download  []byte
}

func (h *fakeHandle) Events() <-chan any { return make(chan any) }

func (h *fakeHandle) SendText(context.Context, string, string) (string, error) {
	return "SRV1", nil
}

func (h *fakeHandle) SendMedia(_ context.Context, _ string, m engine.Media) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mediaSent = append(h.mediaSent, m)
	return "SRV-MEDIA", nil
}

func (h *fakeHandle) DownloadMedia(context.Context, *waE2E.Message) ([]byte, error) {
	if h.download == nil {
		return nil, errors.New("no media")
	}
	return h.download, nil
}

func (h *fakeHandle) SaveCredentials(context.Context) error   { return nil }
func (h *fakeHandle) RemoveCredentials(context.Context) error { return nil }
func (h *fakeHandle) Close()                                  {}

type fakeDialer struct {
	handle *fakeHandle
	err    error
}

func (d *fakeDialer) Dial(context.Context, string) (engine.Handle, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.handle, nil
}

type fixture struct {
	srv    *Server
	router http.Handler
	db     *store.DB
	reg    *registry.Registry
	sup    *supervisor.Supervisor
	handle *fakeHandle
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default(dir)

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	resolver, err := media.NewResolver(cfg.UploadDir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	b := bus.New()
	handle := &fakeHandle{}
	pipeline := ingest.New(db, reg, resolver, b, zap.NewNop(), cfg.StalenessHours)
	sup := supervisor.New(reg, &fakeDialer{handle: handle}, db, pipeline, b, zap.NewNop(), cfg.ReconnectBudget)
	t.Cleanup(sup.Shutdown)

	srv := NewServer(cfg, sup, reg, db, resolver, zap.NewNop())
	return &fixture{
		srv:    srv,
		router: srv.Routes(),
		db:     db,
		reg:    reg,
		sup:    sup,
		handle: handle,
		dir:    dir,
	}
}

func (fx *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

// connectSession starts a session and marks it authenticated the way the
// supervisor does after the handshake.
func (fx *fixture) connectSession(t *testing.T, key string, userID int64) {
	t.Helper()
	if _, err := fx.sup.Start(context.Background(), key, userID); err != nil {
		t.Fatal(err)
	}
	fx.reg.Update(key, func(e *registry.Entry) {
		e.PhoneNumber = "5511999990000"
		e.AccountJID = "5511999990000@s.whatsapp.net"
		e.State = registry.Connected
	})
}

func TestStartSession(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/sessions", map[string]any{"sessionKey": "sess-1", "userId": 7})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionKey != "sess-1" || resp.State != string(registry.Initializing) {
		t.Errorf("response = %+v", resp)
	}

	// Same key again conflicts.
	rec = fx.do(t, http.MethodPost, "/api/sessions", map[string]any{"sessionKey": "sess-1", "userId": 7})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d", rec.Code)
	}
}

func TestStartSessionValidatesUser(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/sessions", map[string]any{"sessionKey": "sess-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStartSessionGeneratesKey(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/sessions", map[string]any{"userId": 7})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionKey == "" {
		t.Error("no session key generated")
	}
}

func TestSendTextQueuesOutbox(t *testing.T) {
	fx := newFixture(t)
	fx.connectSession(t, "sess-1", 7)

	rec := fx.do(t, http.MethodPost, "/api/sessions/sess-1/messages/text",
		map[string]any{"to": "dest@s.whatsapp.net", "text": "hello"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	pending, err := fx.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Body != "hello" || pending[0].UserID != 7 {
		t.Errorf("pending = %+v", pending)
	}
}

func TestSendTextUnknownSession(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/sessions/ghost/messages/text",
		map[string]any{"to": "dest@s.whatsapp.net", "text": "hello"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSendImageMultipart(t *testing.T) {
	fx := newFixture(t)
	fx.connectSession(t, "sess-1", 7)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("to", "dest@s.whatsapp.net")
	_ = mw.WriteField("caption", "look at this")
	fw, _ := mw.CreateFormFile("file", "photo.jpg")
	_, _ = fw.Write([]byte("jpeg-bytes"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/sess-1/messages/image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	fx.handle.mu.Lock()
	defer fx.handle.mu.Unlock()
	if len(fx.handle.mediaSent) != 1 {
		t.Fatalf("got %d media sends, want 1", len(fx.handle.mediaSent))
	}
	sent := fx.handle.mediaSent[0]
	if sent.Kind != engine.MediaImage || sent.Caption != "look at this" || string(sent.Data) != "jpeg-bytes" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestLiveSessions(t *testing.T) {
	fx := newFixture(t)
	fx.connectSession(t, "sess-1", 7)

	rec := fx.do(t, http.MethodGet, "/api/users/7/sessions/live", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].State != string(registry.Connected) {
		t.Errorf("views = %+v", views)
	}

	// Another tenant sees nothing.
	rec = fx.do(t, http.MethodGet, "/api/users/8/sessions/live", nil)
	var other []sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &other); err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("tenant 8 sees %d sessions", len(other))
	}
}

func TestContactsAndAlias(t *testing.T) {
	fx := newFixture(t)

	id, err := fx.db.UpsertContact(&store.Contact{
		ContactJID:    "a@s.whatsapp.net",
		UserID:        7,
		PhoneNumber:   "5511999990000",
		JID:           "5511999990000@s.whatsapp.net",
		LastSeenMilli: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := fx.do(t, http.MethodGet, "/api/users/7/contacts", nil)
	var contacts []contactView
	if err := json.Unmarshal(rec.Body.Bytes(), &contacts); err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].ContactJID != "a@s.whatsapp.net" {
		t.Fatalf("contacts = %+v", contacts)
	}

	rec = fx.do(t, http.MethodPut, "/api/users/7/contacts/"+itoa(id)+"/alias",
		map[string]string{"alias": "Ana"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("alias status = %d", rec.Code)
	}

	// Wrong tenant cannot rename.
	rec = fx.do(t, http.MethodPut, "/api/users/8/contacts/"+itoa(id)+"/alias",
		map[string]string{"alias": "Eve"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("foreign alias status = %d, want 404", rec.Code)
	}
}

func TestConversation(t *testing.T) {
	fx := newFixture(t)

	for i, id := range []string{"M1", "M2"} {
		_, err := fx.db.InsertMessage(&store.Message{
			MessageID:      id,
			SenderJID:      "a@s.whatsapp.net",
			RecipientJID:   "me",
			Content:        "msg",
			MessageType:    "conversation",
			TimestampMilli: time.Now().UnixMilli() + int64(i),
			SessionKey:     "5511999990000",
			PhoneNumber:    "5511999990000",
			AccountJID:     "5511999990000@s.whatsapp.net",
			UserID:         7,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rec := fx.do(t, http.MethodGet, "/api/users/7/conversations/a@s.whatsapp.net", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var messages []messageView
	if err := json.Unmarshal(rec.Body.Bytes(), &messages); err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Errorf("got %d messages, want 2", len(messages))
	}
}

func TestRedownloadEndpoint(t *testing.T) {
	fx := newFixture(t)
	fx.connectSession(t, "5511999990000", 7)
	fx.handle.download = []byte("jpeg-bytes")

	raw, err := wa.MarshalRaw(&waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Mimetype: proto.String("image/jpeg"),
			MediaKey: []byte{1, 2, 3},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	rowID, err := fx.db.InsertMessage(&store.Message{
		MessageID:      "IMG1",
		SenderJID:      "a@s.whatsapp.net",
		RecipientJID:   "me",
		Content:        string(raw),
		MessageType:    "imageMessage",
		TimestampMilli: time.Now().UnixMilli(),
		SessionKey:     "5511999990000",
		PhoneNumber:    "5511999990000",
		AccountJID:     "5511999990000@s.whatsapp.net",
		UserID:         7,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := fx.do(t, http.MethodPost, "/api/users/7/messages/"+itoa(rowID)+"/redownload", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	url, _ := resp["fileUrl"].(string)
	if !strings.HasPrefix(url, "/uploads/m/") {
		t.Errorf("fileUrl = %q", url)
	}
}

func TestRedownloadStorageFailureIsTransient(t *testing.T) {
	fx := newFixture(t)
	_ = fx.db.Close()

	rec := fx.do(t, http.MethodPost, "/api/users/7/messages/1/redownload", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestRedownloadUnknownMessageIsNotFound(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/users/7/messages/12345/redownload", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServeUpload(t *testing.T) {
	fx := newFixture(t)

	path := fx.srv.resolver.FilePath(media.Audio, "123-MSG1.ogg")
	if err := os.WriteFile(path, []byte("opus-bytes"), 0600); err != nil {
		t.Fatal(err)
	}

	rec := fx.do(t, http.MethodGet, "/uploads/a/123-MSG1.ogg", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "audio/") {
		t.Errorf("content type = %q", ct)
	}

	// Traversal attempts miss.
	rec = fx.do(t, http.MethodGet, "/uploads/a/..%2Fsecret", nil)
	if rec.Code == http.StatusOK {
		t.Error("traversal path served")
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
