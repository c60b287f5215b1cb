package ws

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSSEClientFramesAndClose(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Send([]byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: {\"type\":\"pong\"}\n\n") || !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("unexpected stream body %q", body)
	}

	client.Close()
	client.Close()
	select {
	case <-client.Done():
	default:
		t.Fatalf("done channel not closed")
	}
	if err := client.Send([]byte("x")); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
