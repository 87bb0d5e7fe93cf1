package websocket

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"execution_core/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_ReceivesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"F.US.MGC","price":2400.5}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	received := make(chan []byte, 1)
	client := NewClient(Config{URL: wsURL(server), ReconnectWait: 10 * time.Millisecond}, func(msg []byte) {
		received <- msg
	}, logging.NopLogger{})
	client.Start()
	defer client.Stop()

	select {
	case msg := <-received:
		assert.Contains(t, string(msg), "F.US.MGC")
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
	assert.Eventually(t, client.Connected, time.Second, 10*time.Millisecond)
}

func TestClient_Heartbeat(t *testing.T) {
	var pings int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(Config{
		URL:           wsURL(server),
		ReconnectWait: 10 * time.Millisecond,
		PingInterval:  100 * time.Millisecond,
		PingWait:      50 * time.Millisecond,
		PongWait:      200 * time.Millisecond,
	}, nil, logging.NopLogger{})
	client.Start()
	defer client.Stop()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&pings) >= 2 }, 2*time.Second, 20*time.Millisecond)
}

func TestClient_ReconnectsOnPongTimeout(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&connections, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(Config{
		URL:           wsURL(server),
		ReconnectWait: 10 * time.Millisecond,
		PingInterval:  100 * time.Millisecond,
		PingWait:      50 * time.Millisecond,
		PongWait:      200 * time.Millisecond,
	}, nil, logging.NopLogger{})
	client.Start()
	defer client.Stop()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&connections) >= 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestClient_SendWithoutConnection(t *testing.T) {
	client := NewClient(Config{URL: "ws://127.0.0.1:1"}, nil, logging.NopLogger{})
	assert.ErrorIs(t, client.Send(map[string]string{"op": "subscribe"}), ErrNotConnected)
}

func TestClient_StopDoesNotLeakGoroutines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	time.Sleep(100 * time.Millisecond)
	initial := runtime.NumGoroutine()

	client := NewClient(Config{
		URL:          wsURL(server),
		PingInterval: 10 * time.Millisecond,
		PingWait:     10 * time.Millisecond,
		PongWait:     time.Second,
	}, nil, logging.NopLogger{})
	client.Start()
	require.Eventually(t, client.Connected, time.Second, 10*time.Millisecond)
	client.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), initial+1, "possible goroutine leak")
}
