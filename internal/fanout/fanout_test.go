package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nexusops/ticketsync/internal/changelog"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	cl := changelog.New(changelog.Config{Addr: mr.Addr()}, nil, nil)
	return New(cl, nil, nil)
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServeSendsConnectionEventThenTicketUpdate(t *testing.T) {
	h := newTestHub(t)
	sysID := strings.Repeat("a", 32)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, h.Serve(w, r, "incident", sysID))
	}))
	defer srv.Close()

	client := dialWS(t, srv)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first PushEvent
	require.NoError(t, client.ReadJSON(&first))
	require.Equal(t, "connection", first.Type)
	require.Equal(t, sysID, first.SysID)

	_, err := h.changelog.Append(context.Background(), "incident", changelog.ChangeEvent{
		SysID: sysID, Table: "incident", Kind: "updated", Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	var second PushEvent
	require.NoError(t, client.ReadJSON(&second))
	require.Equal(t, "ticket-updated", second.Type)
	require.Equal(t, sysID, second.SysID)
}

func TestServeIgnoresEventsForOtherSysID(t *testing.T) {
	h := newTestHub(t)
	sysID := strings.Repeat("b", 32)
	other := strings.Repeat("c", 32)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, h.Serve(w, r, "incident", sysID))
	}))
	defer srv.Close()

	client := dialWS(t, srv)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first PushEvent
	require.NoError(t, client.ReadJSON(&first))
	require.Equal(t, "connection", first.Type)

	_, err := h.changelog.Append(context.Background(), "incident", changelog.ChangeEvent{
		SysID: other, Table: "incident", Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	var second PushEvent
	err = client.ReadJSON(&second)
	require.Error(t, err) // read times out: the unrelated event was never pushed
}

func TestActiveConnectionsTracksAttachAndDetach(t *testing.T) {
	h := newTestHub(t)
	sysID := strings.Repeat("d", 32)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, h.Serve(w, r, "incident", sysID))
	}))
	defer srv.Close()

	client := dialWS(t, srv)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first PushEvent
	require.NoError(t, client.ReadJSON(&first))
	require.Equal(t, 1, h.ActiveConnections())

	client.Close()
	require.Eventually(t, func() bool { return h.ActiveConnections() == 0 }, 2*time.Second, 50*time.Millisecond)
}
