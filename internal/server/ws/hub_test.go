package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/playermarket/internal/view"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}

func startHub(t *testing.T, bus *chanBus) (*Hub, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHub(nil, logger)
	if bus != nil {
		h = NewHub(bus, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, player string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?player="+player, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	return env.Type, env.Payload
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShowPushesViewAndTracksForeground(t *testing.T) {
	h, url := startHub(t, nil)
	conn := dial(t, url, "p1")

	if typ, _ := readEnvelope(t, conn); typ != TypeHello {
		t.Fatalf("first frame = %s", typ)
	}

	h.Show("p1", view.Session{ID: "s1", PlayerID: "p1", Page: 2})
	typ, payload := readEnvelope(t, conn)
	if typ != TypeView {
		t.Fatalf("frame type = %s", typ)
	}
	var s view.Session
	if err := json.Unmarshal(payload, &s); err != nil || s.ID != "s1" || s.Page != 2 {
		t.Fatalf("payload = %s (%v)", payload, err)
	}
	if !h.Showing("p1", "s1") || h.Showing("p1", "other") {
		t.Fatal("foreground session not tracked")
	}
}

func TestCloseMessageHidesAndNotifies(t *testing.T) {
	h, url := startHub(t, nil)
	closed := make(chan string, 1)
	h.SetOnClose(func(p string) {
		select {
		case closed <- p:
		default:
		}
	})

	conn := dial(t, url, "p1")
	readEnvelope(t, conn)
	h.Show("p1", view.Session{ID: "s1"})
	readEnvelope(t, conn)

	if err := conn.WriteJSON(map[string]string{"action": "close"}); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-closed:
		if p != "p1" {
			t.Fatalf("closed %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not fired")
	}
	if h.Showing("p1", "s1") {
		t.Fatal("session still in foreground")
	}
}

func TestDisconnectHides(t *testing.T) {
	h, url := startHub(t, nil)
	conn := dial(t, url, "p1")
	readEnvelope(t, conn)
	h.Show("p1", view.Session{ID: "s1"})

	conn.Close()
	waitFor(t, func() bool { return h.ClientCount() == 0 })
	waitFor(t, func() bool { return !h.Showing("p1", "s1") })
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	h, url := startHub(t, nil)
	first := dial(t, url, "p1")
	readEnvelope(t, first)
	second := dial(t, url, "p1")
	readEnvelope(t, second)

	waitFor(t, func() bool { return h.ClientCount() == 1 })
	h.Show("p1", view.Session{ID: "s2"})
	if typ, _ := readEnvelope(t, second); typ != TypeView {
		t.Fatalf("second connection got %s", typ)
	}
	if !h.Showing("p1", "s2") {
		t.Fatal("replacement dropped the foreground session")
	}
}

func TestMarketEventsForwarded(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 1)}
	h, url := startHub(t, bus)
	conn := dial(t, url, "p1")
	readEnvelope(t, conn)
	waitFor(t, func() bool { return h.ClientCount() == 1 })

	bus.ch <- []byte(`{"type":"listing_sold","listing_id":"l1"}`)
	typ, payload := readEnvelope(t, conn)
	if typ != TypeMarketEvent || !strings.Contains(string(payload), "listing_sold") {
		t.Fatalf("got %s %s", typ, payload)
	}
}

func TestMissingPlayerRejected(t *testing.T) {
	_, url := startHub(t, nil)
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != 400 {
		t.Fatalf("dial without player: resp=%v err=%v", resp, err)
	}
}
