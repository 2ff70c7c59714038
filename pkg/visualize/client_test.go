package visualize

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/asrkit/pkg/metrics"
)

func TestClientSendsScalars(t *testing.T) {
	got := make(chan Message, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			got <- msg
		}
	}))
	defer srv.Close()

	c := New(Options{Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"), Env: "asr"})
	defer c.Close()
	c.RecordEvent(metrics.Scalar("train/loss", 7, 0.25, map[string]string{"run_id": "r1"}))

	select {
	case msg := <-got:
		want := Message{Cmd: "scalar", Env: "asr", Win: "train/loss", Run: "r1", X: 7, Y: 0.25}
		if msg != want {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received")
	}
}

func TestClientUnreachableOpensBreaker(t *testing.T) {
	c := New(Options{Endpoint: "ws://127.0.0.1:1/socket", FailureThreshold: 2, Cooldown: time.Hour})
	dials := 0
	c.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}
	for i := 0; i < 10; i++ {
		c.RecordEvent(metrics.Scalar("train/loss", int64(i), 1, nil))
	}
	if dials != 2 {
		t.Fatalf("expected dialing to stop once the breaker opened, got %d dials", dials)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close without connection: %v", err)
	}
}
