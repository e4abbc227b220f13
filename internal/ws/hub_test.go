package ws

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/facilitys/backwhatsapp-baileys/internal/bus"
	"github.com/facilitys/backwhatsapp-baileys/internal/engine"
	"github.com/facilitys/backwhatsapp-baileys/internal/media"
	"github.com/facilitys/backwhatsapp-baileys/internal/store"
	"github.com/facilitys/backwhatsapp-baileys/internal/wa"
)

type fakeHandle struct {
	data []byte
	err  error
}

func (f *fakeHandle) Events() <-chan any { return nil }

func (f *fakeHandle) SendText(context.Context, string, string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeHandle) SendMedia(context.Context, string, engine.Media) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeHandle) DownloadMedia(context.Context, *waE2E.Message) ([]byte, error) {
	return f.data, f.err
}

func (f *fakeHandle) SaveCredentials(context.Context) error   { return nil }
func (f *fakeHandle) RemoveCredentials(context.Context) error { return nil }
func (f *fakeHandle) Close()                                  {}

type fakeResolver struct {
	key    string
	handle engine.Handle
}

func (r *fakeResolver) HandleFor(key string) engine.Handle {
	if key == r.key {
		return r.handle
	}
	return nil
}

type fixture struct {
	hub    *Hub
	db     *store.DB
	bus    *bus.Bus
	cancel context.CancelFunc
}

func newFixture(t *testing.T, handles HandleResolver) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	resolver, err := media.NewResolver(filepath.Join(dir, "uploads"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	hub := NewHub(db, handles, resolver, b, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return &fixture{hub: hub, db: db, bus: b, cancel: cancel}
}

func testClient(fx *fixture, userID int64) *Client {
	c := &Client{
		hub:    fx.hub,
		send:   make(chan []byte, 16),
		userID: userID,
		rooms:  make(map[string]bool),
	}
	fx.hub.register <- c
	return c
}

func recvFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func TestHubScopesEventsToRooms(t *testing.T) {
	fx := newFixture(t, &fakeResolver{})
	joined := testClient(fx, 7)
	other := testClient(fx, 8)

	fx.hub.handleAction(context.Background(), joined, []byte(`{"action":"joinSession","sessionKey":"5511999990000"}`))
	// Joins are serialized through the run loop.
	time.Sleep(50 * time.Millisecond)

	fx.bus.Publish(bus.Event{
		Kind:    "message.new",
		Session: "5511999990000",
		Payload: map[string]string{"text": "oi"},
	})

	f := recvFrame(t, joined)
	if f.Event != "message.new" || f.Session != "5511999990000" {
		t.Errorf("frame = %+v", f)
	}

	select {
	case raw := <-other.send:
		t.Errorf("unjoined client received frame %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubBroadcastsSessionlessEvents(t *testing.T) {
	fx := newFixture(t, &fakeResolver{})
	a := testClient(fx, 7)
	b := testClient(fx, 8)

	fx.bus.Publish(bus.Event{Kind: "daemon.ready"})

	if f := recvFrame(t, a); f.Event != "daemon.ready" {
		t.Errorf("frame = %+v", f)
	}
	if f := recvFrame(t, b); f.Event != "daemon.ready" {
		t.Errorf("frame = %+v", f)
	}
}

func TestSendMessageActionQueuesOutbox(t *testing.T) {
	fx := newFixture(t, &fakeResolver{})
	c := testClient(fx, 7)

	fx.hub.handleAction(context.Background(), c,
		[]byte(`{"action":"sendMessage","sessionKey":"5511999990000","to":"dest@s.whatsapp.net","text":"hello"}`))

	f := recvFrame(t, c)
	if f.Event != "outbox.queued" {
		t.Fatalf("frame = %+v", f)
	}

	pending, err := fx.db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].RecipientJID != "dest@s.whatsapp.net" || pending[0].UserID != 7 {
		t.Errorf("entry = %+v", pending[0])
	}
}

func TestSendMessageActionValidatesFields(t *testing.T) {
	fx := newFixture(t, &fakeResolver{})
	c := testClient(fx, 7)

	fx.hub.handleAction(context.Background(), c, []byte(`{"action":"sendMessage","text":"hello"}`))

	if f := recvFrame(t, c); f.Event != "error" {
		t.Errorf("frame = %+v, want error", f)
	}
}

func TestRedownloadActionResolvesMedia(t *testing.T) {
	handle := &fakeHandle{data: []byte("jpeg-bytes")}
	fx := newFixture(t, &fakeResolver{key: "5511999990000", handle: handle})
	c := testClient(fx, 7)

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

	req, _ := json.Marshal(Action{Action: "redownloadImage", MessageID: rowID})
	fx.hub.handleAction(context.Background(), c, req)

	f := recvFrame(t, c)
	if f.Event != "media.resolved" {
		t.Fatalf("frame = %+v", f)
	}
	data := f.Data.(map[string]any)
	if data["messageId"] != "IMG1" || data["fileUrl"] == "" {
		t.Errorf("payload = %v", data)
	}
}

func TestShutdownReleasesClientTeardown(t *testing.T) {
	fx := newFixture(t, &fakeResolver{})
	c := testClient(fx, 7)

	fx.cancel()

	released := make(chan struct{})
	go func() {
		fx.hub.detach(c)
		fx.hub.handleAction(context.Background(), c, []byte(`{"action":"joinSession","sessionKey":"5511999990000"}`))
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("client teardown blocked after hub shutdown")
	}

	if fx.hub.attach(&Client{hub: fx.hub, send: make(chan []byte, 1), rooms: make(map[string]bool)}) {
		t.Error("attach accepted a client after shutdown")
	}
}

func TestRedownloadActionRejectsForeignMessage(t *testing.T) {
	fx := newFixture(t, &fakeResolver{})
	c := testClient(fx, 7)

	rowID, err := fx.db.InsertMessage(&store.Message{
		MessageID:      "IMG1",
		SenderJID:      "a@s.whatsapp.net",
		RecipientJID:   "b@s.whatsapp.net",
		Content:        "{}",
		MessageType:    "imageMessage",
		TimestampMilli: time.Now().UnixMilli(),
		SessionKey:     "5511999990000",
		PhoneNumber:    "5511999990000",
		AccountJID:     "b@s.whatsapp.net",
		UserID:         99,
	})
	if err != nil {
		t.Fatal(err)
	}

	req, _ := json.Marshal(Action{Action: "redownloadImage", MessageID: rowID})
	fx.hub.handleAction(context.Background(), c, req)

	if f := recvFrame(t, c); f.Event != "error" {
		t.Errorf("frame = %+v, want error", f)
	}
}
