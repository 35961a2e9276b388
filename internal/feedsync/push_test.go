package feedsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestPushConsumerRequiresHandlerAndURL(t *testing.T) {
	if _, err := NewPushConsumer(nil, PushConsumerOptions{URL: "ws://example"}); err == nil {
		t.Fatalf("expected an error for a nil handler")
	}
	if _, err := NewPushConsumer(func([]byte) error { return nil }, PushConsumerOptions{}); err == nil {
		t.Fatalf("expected an error for a missing url")
	}
}

func TestPushConsumerDeliversPayloads(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		conn.Write(ctx, websocket.MessageText, []byte(`{"n":1}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"n":2}`))
		<-ctx.Done()
	}))
	defer server.Close()

	payloads := make(chan string, 4)
	consumer, err := NewPushConsumer(func(payload []byte) error {
		payloads <- string(payload)
		return nil
	}, PushConsumerOptions{
		URL:       "ws" + strings.TrimPrefix(server.URL, "http"),
		Token:     "secret",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPushConsumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		select {
		case got := <-payloads:
			if got != want {
				t.Fatalf("expected payload %s, got %s", want, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("payload %s never arrived", want)
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if auth, _ := gotAuth.Load().(string); auth != "Bearer secret" {
		t.Fatalf("expected bearer token on the dial request, got %q", auth)
	}
}

func TestPushConsumerReconnects(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connections, 1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection immediately to force a reconnect.
			conn.Close(websocket.StatusInternalError, "going away")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		conn.Write(r.Context(), websocket.MessageText, []byte(`{"after":"reconnect"}`))
		<-r.Context().Done()
	}))
	defer server.Close()

	payloads := make(chan string, 1)
	consumer, err := NewPushConsumer(func(payload []byte) error {
		payloads <- string(payload)
		return nil
	}, PushConsumerOptions{
		URL:       "ws" + strings.TrimPrefix(server.URL, "http"),
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPushConsumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	select {
	case got := <-payloads:
		if got != `{"after":"reconnect"}` {
			t.Fatalf("unexpected payload %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("consumer never recovered from the dropped connection")
	}
	if atomic.LoadInt32(&connections) < 2 {
		t.Fatalf("expected at least two connections, got %d", connections)
	}
}
