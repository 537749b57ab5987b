package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// realtimeTestServer upgrades incoming websocket connections and hands
// the server side of each to the test.
type realtimeTestServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newRealtimeTestServer(t *testing.T) *realtimeTestServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	rts := &realtimeTestServer{conns: make(chan *websocket.Conn, 1)}
	rts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/realtime/v1/websocket") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rts.conns <- conn
	}))
	t.Cleanup(rts.srv.Close)
	return rts
}

func (rts *realtimeTestServer) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:        rts.srv.URL,
		ServiceRoleKey: "service-key",
		Environment:    "dev",
	}, log.New(os.Stderr))
	require.NoError(t, err)
	return c
}

func TestSubscribeInsertsDeliversWakeUpsOffReadLoop(t *testing.T) {
	rts := newRealtimeTestServer(t)

	var calls atomic.Int32
	started := make(chan struct{}, 8)
	release := make(chan struct{})

	sub, err := rts.client(t).SubscribeInserts(context.Background(), func() {
		calls.Add(1)
		started <- struct{}{}
		<-release
	})
	require.NoError(t, err)
	defer sub.Close()

	conn := <-rts.conns
	defer conn.Close()

	var join realtimeMessage
	require.NoError(t, conn.ReadJSON(&join))
	assert.Equal(t, "phx_join", join.Event)
	assert.Contains(t, join.Topic, queueTable)
	go func() {
		// Swallow heartbeats so the client's writes never back up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	insert := realtimeMessage{Topic: join.Topic, Event: "INSERT", Payload: json.RawMessage("{}")}
	require.NoError(t, conn.WriteJSON(insert))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("insert event never reached the handler")
	}

	// Two more inserts while the handler is still busy. The read loop must
	// keep consuming them, and they coalesce into one pending wake-up.
	require.NoError(t, conn.WriteJSON(insert))
	require.NoError(t, conn.WriteJSON(insert))
	time.Sleep(50 * time.Millisecond)
	close(release)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("coalesced wake-up never delivered")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load(), "burst coalesces to one pending wake-up")
}

func TestSubscribeInsertsCloseStopsPumps(t *testing.T) {
	rts := newRealtimeTestServer(t)

	sub, err := rts.client(t).SubscribeInserts(context.Background(), func() {})
	require.NoError(t, err)

	conn := <-rts.conns
	defer conn.Close()
	var join realtimeMessage
	require.NoError(t, conn.ReadJSON(&join))

	done := make(chan struct{})
	go func() {
		sub.Close()
		sub.Close() // idempotent
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
