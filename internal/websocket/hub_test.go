package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorwatch/internal/models"
)

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	go hub.Run()

	h := NewHandler(hub, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/relay", h.HandleRelay)
	mux.HandleFunc("/health", h.GetHealthHandler())
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.RelayFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame models.RelayFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readType skips messages until one of the given type arrives
func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]json.RawMessage {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg map[string]json.RawMessage
		require.NoError(t, conn.ReadJSON(&msg))
		var got string
		require.NoError(t, json.Unmarshal(msg["type"], &got))
		if got == typ {
			return msg
		}
	}
}

func TestRelayPresenceAndFanOut(t *testing.T) {
	_, srv := newTestServer(t)

	a := dial(t, srv, "/relay?topic=123456")
	join := readFrame(t, a)
	assert.Equal(t, models.FrameJoin, join.Type)
	assert.Equal(t, 1, join.Members)

	b := dial(t, srv, "/relay?topic=123456")
	for _, conn := range []*websocket.Conn{a, b} {
		join := readFrame(t, conn)
		assert.Equal(t, models.FrameJoin, join.Type)
		assert.Equal(t, 2, join.Members)
		assert.Equal(t, "123456", join.Topic)
	}

	require.NoError(t, a.WriteJSON(models.RelayFrame{
		Type:    models.FrameMessage,
		Payload: json.RawMessage(`{"hello":"shore"}`),
	}))
	msg := readFrame(t, b)
	assert.Equal(t, models.FrameMessage, msg.Type)
	assert.JSONEq(t, `{"hello":"shore"}`, string(msg.Payload))
	assert.NotEmpty(t, msg.ClientID)

	// the sender does not get its own message back
	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := a.ReadMessage()
	require.Error(t, err)
}

func TestRelayLeaveNotifiesRemainingMembers(t *testing.T) {
	hub, srv := newTestServer(t)

	a := dial(t, srv, "/relay?topic=654321")
	readFrame(t, a)
	b := dial(t, srv, "/relay?topic=654321")
	readFrame(t, a)
	readFrame(t, b)

	require.NoError(t, b.Close())
	leave := readFrame(t, a)
	assert.Equal(t, models.FrameLeave, leave.Type)
	assert.Equal(t, 1, leave.Members)
	assert.Eventually(t, func() bool { return hub.TopicMembers("654321") == 1 }, time.Second, 10*time.Millisecond)
}

func TestRelayTopicsAreIsolated(t *testing.T) {
	_, srv := newTestServer(t)

	a := dial(t, srv, "/relay?topic=111111")
	readFrame(t, a)
	b := dial(t, srv, "/relay?topic=222222")
	readFrame(t, b)

	require.NoError(t, a.WriteJSON(models.RelayFrame{Type: models.FrameMessage, Payload: json.RawMessage(`1`)}))
	b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := b.ReadMessage()
	require.Error(t, err)
}

func TestRelayRejectsMissingTopic(t *testing.T) {
	_, srv := newTestServer(t)

	for _, path := range []string{"/relay", "/relay?topic=ui"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestUIClientReceivesInitialDataAndSnapshots(t *testing.T) {
	hub, srv := newTestServer(t)
	hub.SetInitialData(func() []interface{} {
		return []interface{}{NewSnapshotMessage(models.IdleSnapshot())}
	})

	conn := dial(t, srv, "/ws")
	readType(t, conn, "welcome")
	initial := readType(t, conn, "snapshot")
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(initial["snapshot"], &snap))
	assert.Equal(t, models.StateIdle, snap.State)

	live := models.IdleSnapshot()
	live.State = models.StateAlarm
	live.DistanceFromAnchor = 55
	hub.BroadcastSnapshot(live)

	msg := readType(t, conn, "snapshot")
	require.NoError(t, json.Unmarshal(msg["snapshot"], &snap))
	assert.Equal(t, models.StateAlarm, snap.State)
	assert.Equal(t, 55.0, snap.DistanceFromAnchor)
}

func TestUICommands(t *testing.T) {
	hub, srv := newTestServer(t)
	hub.SetCommandHandler(func(cmd models.ClientCommand) (interface{}, error) {
		if cmd.Command == "ack" {
			return map[string]string{"type": "ack_result", "id": cmd.ID}, nil
		}
		return nil, assert.AnError
	})

	conn := dial(t, srv, "/ws")
	readType(t, conn, "welcome")

	require.NoError(t, conn.WriteJSON(models.CommandMessage{Type: "ping", Params: map[string]interface{}{"time": 42}}))
	pong := readType(t, conn, "pong")
	assert.JSONEq(t, "42", string(pong["time"]))

	require.NoError(t, conn.WriteJSON(models.CommandMessage{Type: "ack", ID: "c1"}))
	result := readType(t, conn, "ack_result")
	assert.JSONEq(t, `"c1"`, string(result["id"]))

	require.NoError(t, conn.WriteJSON(models.CommandMessage{Type: "bogus"}))
	errMsg := readType(t, conn, "error")
	assert.Contains(t, string(errMsg["error"]), assert.AnError.Error())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	errMsg = readType(t, conn, "error")
	assert.Contains(t, string(errMsg["data"]), "invalid_format")
}

func TestHealthHandler(t *testing.T) {
	_, srv := newTestServer(t)
	dial(t, srv, "/ws")

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Status    string `json:"status"`
			UIClients int    `json:"uiClients"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return body.Status == "ok" && body.UIClients == 1
	}, time.Second, 20*time.Millisecond)
}
