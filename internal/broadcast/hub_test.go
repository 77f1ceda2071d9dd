package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/nfcbridge/internal/api"
	"github.com/g960059/nfcbridge/internal/model"
)

func newHubServer(t *testing.T, handle RequestHandler) (*Hub, string) {
	t.Helper()
	snapshot := func(context.Context) (api.PushMessage, bool) {
		st := model.DefaultState()
		return api.PushMessage{Action: api.PushStateUpdate, State: &st}, true
	}
	hub := NewHub(nil, handle, snapshot)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestHubSendsSnapshotOnAttach(t *testing.T) {
	_, url := newHubServer(t, nil)
	conn := dial(t, url)

	var msg api.PushMessage
	readJSON(t, conn, &msg)
	assert.Equal(t, api.PushStateUpdate, msg.Action)
	require.NotNil(t, msg.State)
	assert.Equal(t, -1, msg.State.SelectedReaderIndex)
}

func TestHubBroadcastReachesEveryClient(t *testing.T) {
	hub, url := newHubServer(t, nil)
	a := dial(t, url)
	b := dial(t, url)
	var skip api.PushMessage
	readJSON(t, a, &skip)
	readJSON(t, b, &skip)
	require.Equal(t, 2, hub.ClientCount())

	hub.Broadcast(api.PushMessage{Action: api.PushFillUID, UID: "04A2B3C4", Formatted: "04 A2 B3 C4"})

	for _, conn := range []*websocket.Conn{a, b} {
		var msg api.PushMessage
		readJSON(t, conn, &msg)
		assert.Equal(t, api.PushFillUID, msg.Action)
		assert.Equal(t, "04 A2 B3 C4", msg.Formatted)
	}
}

func TestHubAnswersSocketRequests(t *testing.T) {
	var got api.ActionRequest
	_, url := newHubServer(t, func(_ context.Context, req api.ActionRequest) (api.ActionReply, error) {
		got = req
		if req.Action == "boom" {
			return api.ActionReply{}, errors.New("coordinator stopped")
		}
		return api.ActionReply{Success: true}, nil
	})
	conn := dial(t, url)
	var skip api.PushMessage
	readJSON(t, conn, &skip)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"7","action":"start-listening","readerIndex":1}`)))
	var reply api.SocketReply
	readJSON(t, conn, &reply)
	assert.Equal(t, api.PushReply, reply.Action)
	assert.Equal(t, "7", reply.ID)
	assert.True(t, reply.Success)
	require.NotNil(t, got.ReaderIndex)
	assert.Equal(t, 1, *got.ReaderIndex)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"8","action":"boom"}`)))
	reply = api.SocketReply{}
	readJSON(t, conn, &reply)
	assert.Equal(t, "8", reply.ID)
	assert.False(t, reply.Success)
	assert.Equal(t, "coordinator stopped", reply.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	reply = api.SocketReply{}
	readJSON(t, conn, &reply)
	assert.Equal(t, "invalid request", reply.Error)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub, url := newHubServer(t, nil)
	conn := dial(t, url)
	var skip api.PushMessage
	readJSON(t, conn, &skip)

	hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Zero(t, hub.ClientCount())
}

func TestClientTrySendDropsWhenFull(t *testing.T) {
	c := &client{send: make(chan []byte, 1)}
	assert.True(t, c.trySend([]byte("a")))
	assert.False(t, c.trySend([]byte("b")))
	c.close()
	assert.False(t, c.trySend([]byte("c")))
	c.close()
}
