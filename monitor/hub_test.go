package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"recordlink/ml"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d", want)
}

func TestHubBroadcastsTrainingProgress(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	hub.PublishTrainingProgress(ml.IterationMetrics{Iteration: 10, Loss: 0.42, Accuracy: 0.88})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	if message.Type != TrainingProgress {
		t.Fatalf("type = %q, want %q", message.Type, TrainingProgress)
	}
	var metrics ml.IterationMetrics
	if err := json.Unmarshal(message.Data, &metrics); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if metrics.Iteration != 10 || metrics.Loss != 0.42 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestHubDisconnectsClientsOnStop(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()

	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)
	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestStopDoesNotLeakClientGoroutines(t *testing.T) {
	baseline := runtime.NumGoroutine()

	hub := NewHub(nil)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForClients(t, hub, 1)

	// Stop first, then close the connection: the client's read pump exits
	// afterwards and must not block on the unregister channel nobody
	// drains anymore.
	hub.Stop()
	conn.Close()
	server.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= baseline {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutines = %d, want at most the pre-hub count %d", runtime.NumGoroutine(), baseline)
}
