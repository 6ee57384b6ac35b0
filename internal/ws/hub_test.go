package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestHubBroadcastsToConnectedClient(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server side a moment to register the client before publishing.
	time.Sleep(20 * time.Millisecond)
	hub.Publish("check_result", map[string]string{"object": "web1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Kind != "check_result" {
		t.Fatalf("expected kind check_result, got %q", got.Kind)
	}
}

func TestPublishDoesNotBlockWhenChannelFull(t *testing.T) {
	hub := NewHub(zap.NewNop())
	for i := 0; i < 300; i++ {
		hub.Publish("check_result", i)
	}
	// No Run goroutine draining: with a 256-capacity channel, excess
	// publishes must drop rather than deadlock the caller.
}
