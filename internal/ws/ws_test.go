package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kiosk/internal/activity"
	"kiosk/internal/face"
	"kiosk/internal/pipeline"
	"kiosk/internal/tracking"
)

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastTracks(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	lobby := dial(t, srv, "/ws/streams/lobby")
	desk := dial(t, srv, "/ws/streams/desk")
	waitFor(t, func() bool { return hub.HasClients("lobby") && hub.HasClients("desk") })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	hub.OnEvent(pipeline.Event{
		Type:      pipeline.EventTracks,
		StreamID:  "lobby",
		Timestamp: now,
		Tracks: []tracking.Track{
			{ID: "t1", BBox: face.BBox{X: 10, Y: 20, Width: 30, Height: 40}, Confidence: 0.9,
				Identity: tracking.Identity{Name: "alice", Recognized: true, Confidence: 0.8}},
			{ID: "t2", BBox: face.BBox{X: 1, Y: 2, Width: 3, Height: 4}, Confidence: 0.7},
		},
	})

	lobby.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg TracksMessage
	if err := lobby.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Type != "tracks" || msg.StreamID != "lobby" || len(msg.Tracks) != 2 {
		t.Fatalf("message = %+v", msg)
	}
	if got := msg.Tracks[0]; got.Identity == nil || *got.Identity != "alice" || !got.IsKnown || got.BBox[3] != 40 {
		t.Errorf("Tracks[0] = %+v", got)
	}
	if got := msg.Tracks[1]; got.Identity != nil || got.Similarity != nil {
		t.Errorf("Tracks[1] unresolved = %+v", got)
	}

	// The desk subscriber only sees its own stream.
	hub.OnEvent(pipeline.Event{Type: pipeline.EventStream, StreamID: "desk", State: pipeline.StateIdle})
	desk.SetReadDeadline(time.Now().Add(5 * time.Second))
	var raw map[string]any
	if err := desk.ReadJSON(&raw); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if raw["type"] != "stream" || raw["state"] != "idle" {
		t.Errorf("desk message = %v, want stream idle", raw)
	}
}

func TestHub_Activity(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "/ws/streams/lobby")
	waitFor(t, func() bool { return hub.HasClients("lobby") })

	rec := activity.Record{ID: "r1", StreamID: "lobby", TrackID: "t1", Name: "bob", Reason: activity.ReasonChange, Snapshot: []byte("jpeg")}
	hub.OnEvent(pipeline.Event{Type: pipeline.EventActivity, StreamID: "lobby", Activity: &rec})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var msg ActivityMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if msg.Record.Name != "bob" || string(msg.Record.Snapshot) != "jpeg" {
		t.Errorf("record = %+v", msg.Record)
	}
}

func TestHandler_Disconnect(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "/ws/streams/lobby")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHandler_MissingStreamID(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(NewHub()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/streams/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub))
	defer srv.Close()

	conn := dial(t, srv, "/ws/streams/lobby")
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("ReadMessage() error = nil after hub close")
	}
}
