package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_StreamsTopicsToSubscribers(t *testing.T) {
	f := newFixture(t)
	runHub(t, f.hub)

	conn := dialHub(t, f, "&topics=exit")
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	f.hub.Publish(TopicTick, map[string]int{"open": 3})
	f.hub.Publish(TopicExit, map[string]string{"position_id": "pos-1"})

	env := readEnvelope(t, conn)
	assert.Equal(t, TopicExit, env["type"], "tick is filtered out")
	payload, ok := env["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "pos-1", payload["position_id"])
}

func TestHub_RequiresToken(t *testing.T) {
	f := newFixture(t)
	runHub(t, f.hub)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	f := newFixture(t)
	runHub(t, f.hub)

	conn := dialHub(t, f, "")
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return f.hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	logger, hook := test.NewNullLogger()
	h := NewHub(logger)

	// Nothing drains the queue; publishing past its capacity drops messages.
	for i := 0; i < 300; i++ {
		h.Publish(TopicTick, i)
	}
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Websocket broadcast queue full, dropping message", hook.LastEntry().Message)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.hub.Run(ctx)
		close(done)
	}()

	conn := dialHub(t, f, "")
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection closes when the hub stops")
}
