package wallet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/lntools/paywatch/internal/domain"
)

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"graphql-transport-ws"},
}

// wsTestServer runs a scripted graphql-ws endpoint. The script receives the
// upgraded connection after the handler acknowledged the init frame (unless
// ackType overrides it).
type wsTestServer struct {
	*httptest.Server
	// ackType is the frame type sent in response to connection_init.
	ackType string
	// skipAck leaves the init frame unanswered to exercise the timeout.
	skipAck bool
	// closeAfterInit drops the connection right after the init frame,
	// before any ack.
	closeAfterInit bool
	script         func(conn *websocket.Conn)
}

func newWSTestServer(t *testing.T, script func(conn *websocket.Conn)) *wsTestServer {
	t.Helper()
	s := &wsTestServer{ackType: frameConnectionAck, script: script}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var init wsFrame
		if err := conn.ReadJSON(&init); err != nil || init.Type != frameConnectionInit {
			return
		}
		if s.closeAfterInit {
			conn.Close()
			return
		}
		if s.skipAck {
			time.Sleep(time.Second)
			return
		}
		if err := conn.WriteJSON(wsFrame{Type: s.ackType}); err != nil {
			return
		}
		if s.script != nil {
			s.script(conn)
		} else {
			// Keep the connection open until the client goes away.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func wsURL(s *wsTestServer) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func dialTest(t *testing.T, s *wsTestServer, health *domain.ConnectionHealth) *SubscriptionConn {
	t.Helper()
	conn, err := DialSubscription(context.Background(), wsURL(s), "key", time.Second, health)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestDialPerformsHandshake(t *testing.T) {
	health := &domain.ConnectionHealth{}
	s := newWSTestServer(t, nil)

	dialTest(t, s, health)

	if health.Snapshot().Connects != 1 {
		t.Error("expected the connect counter to be recorded")
	}
}

func TestDialTimesOutWithoutAck(t *testing.T) {
	s := newWSTestServer(t, nil)
	s.skipAck = true

	_, err := DialSubscription(context.Background(), wsURL(s), "key", 50*time.Millisecond, &domain.ConnectionHealth{})
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
}

// TestDialConnectionLossIsNotReportedAsTimeout: the timeout sentinel is
// reserved for an unanswered init; a dropped connection surfaces the
// underlying transport error.
func TestDialConnectionLossIsNotReportedAsTimeout(t *testing.T) {
	s := newWSTestServer(t, nil)
	s.closeAfterInit = true

	_, err := DialSubscription(context.Background(), wsURL(s), "key", time.Second, &domain.ConnectionHealth{})
	if err == nil {
		t.Fatal("expected an error when the upstream drops before the ack")
	}
	if errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("connection loss misreported as a handshake timeout: %v", err)
	}
}

func TestDialRejectsWrongAckFrame(t *testing.T) {
	s := newWSTestServer(t, nil)
	s.ackType = frameError

	if _, err := DialSubscription(context.Background(), wsURL(s), "key", time.Second, &domain.ConnectionHealth{}); err == nil {
		t.Fatal("expected an error for a non-ack handshake response")
	}
}

func TestNextFrameBecomesPaymentUpdate(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"lnInvoicePaymentStatus": map[string]string{"status": "PAID"},
		},
	})
	s := newWSTestServer(t, func(conn *websocket.Conn) {
		// Wait for the subscribe frame, then push the status update.
		var sub wsFrame
		if err := conn.ReadJSON(&sub); err != nil || sub.Type != frameSubscribe {
			return
		}
		conn.WriteJSON(wsFrame{ID: sub.ID, Type: frameNext, Payload: payload})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := dialTest(t, s, &domain.ConnectionHealth{})
	if err := conn.Subscribe("inv-1", "lnbc1..."); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	select {
	case update := <-conn.Updates():
		if update.InvoiceID != "inv-1" || update.Status != "PAID" {
			t.Errorf("unexpected update: %+v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}
}

func TestSubscribeIsIdempotentPerInvoice(t *testing.T) {
	frames := make(chan wsFrame, 8)
	s := newWSTestServer(t, func(conn *websocket.Conn) {
		for {
			var f wsFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			frames <- f
		}
	})

	conn := dialTest(t, s, &domain.ConnectionHealth{})
	conn.Subscribe("inv-1", "lnbc1...")
	conn.Subscribe("inv-1", "lnbc1...") // Duplicate must not produce a second frame
	conn.Ping()                         // Marker frame: everything before it has been flushed

	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case f := <-frames:
			got = append(got, f.Type)
		case <-deadline:
			t.Fatalf("frames not received, got %v", got)
		}
	}
	if got[0] != frameSubscribe || got[1] != framePing {
		t.Errorf("expected one subscribe then the ping, got %v", got)
	}
}

func TestServerPingIsAnsweredWithPong(t *testing.T) {
	answered := make(chan wsFrame, 1)
	s := newWSTestServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(wsFrame{Type: framePing})
		var f wsFrame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		answered <- f
	})

	dialTest(t, s, &domain.ConnectionHealth{})

	select {
	case f := <-answered:
		if f.Type != framePong {
			t.Errorf("expected pong, got %s", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ping was never answered")
	}
}

func TestPongRecordsHealth(t *testing.T) {
	health := &domain.ConnectionHealth{}
	s := newWSTestServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(wsFrame{Type: framePong})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	dialTest(t, s, health)

	deadline := time.After(2 * time.Second)
	for health.LastPong().IsZero() {
		select {
		case <-deadline:
			t.Fatal("pong receipt never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestCloseUnblocksReadLoopDuringBurst: with no consumer draining updates, a
// burst larger than the channel buffer leaves the read loop blocked on the
// send; Close must still let it exit and close the updates channel.
func TestCloseUnblocksReadLoopDuringBurst(t *testing.T) {
	const burst = 30
	payload := json.RawMessage(`{"data":{"lnInvoicePaymentStatus":{"status":"PAID"}}}`)
	s := newWSTestServer(t, func(conn *websocket.Conn) {
		var sub wsFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		for i := 0; i < burst; i++ {
			if err := conn.WriteJSON(wsFrame{ID: sub.ID, Type: frameNext, Payload: payload}); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := dialTest(t, s, &domain.ConnectionHealth{})
	if err := conn.Subscribe("inv-1", "lnbc1..."); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Let the burst fill the buffer and block the read loop.
	time.Sleep(100 * time.Millisecond)
	conn.Close()

	drained := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-conn.Updates():
			if !ok {
				if drained >= burst {
					t.Errorf("expected the burst to exceed the buffer, drained %d", drained)
				}
				return
			}
			drained++
		case <-deadline:
			t.Fatalf("updates channel never closed; read loop still blocked after %d updates", drained)
		}
	}
}

func TestConnectionLossClosesUpdates(t *testing.T) {
	s := newWSTestServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	conn := dialTest(t, s, &domain.ConnectionHealth{})

	select {
	case _, ok := <-conn.Updates():
		if ok {
			t.Fatal("expected the updates channel to close, not deliver")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("updates channel never closed")
	}
	if conn.Err() == nil {
		t.Error("expected a terminal error after connection loss")
	}
}

func TestUnexpectedFrameFailsConnection(t *testing.T) {
	s := newWSTestServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(wsFrame{Type: "bogus"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := dialTest(t, s, &domain.ConnectionHealth{})

	select {
	case _, ok := <-conn.Updates():
		if ok {
			t.Fatal("expected the updates channel to close on a protocol violation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("updates channel never closed")
	}
	if conn.Err() == nil || !strings.Contains(conn.Err().Error(), "unexpected frame") {
		t.Errorf("expected an unexpected-frame error, got %v", conn.Err())
	}
}

func TestSubscriptionErrorFrameIsNotFatal(t *testing.T) {
	s := newWSTestServer(t, func(conn *websocket.Conn) {
		var sub wsFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		conn.WriteJSON(wsFrame{ID: sub.ID, Type: frameError, Payload: json.RawMessage(`[{"message":"bad request"}]`)})
		// A later subscribe for the same invoice must reach us: the error
		// dropped the subscription bookkeeping.
		var again wsFrame
		if err := conn.ReadJSON(&again); err != nil {
			return
		}
		if again.Type == frameSubscribe && again.ID == sub.ID {
			conn.WriteJSON(wsFrame{ID: again.ID, Type: frameNext, Payload: json.RawMessage(
				`{"data":{"lnInvoicePaymentStatus":{"status":"PAID"}}}`)})
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := dialTest(t, s, &domain.ConnectionHealth{})
	conn.Subscribe("inv-1", "lnbc1...")

	// Give the error frame time to arrive, then re-subscribe.
	time.Sleep(50 * time.Millisecond)
	if err := conn.Subscribe("inv-1", "lnbc1..."); err != nil {
		t.Fatalf("re-subscribe failed: %v", err)
	}

	select {
	case update := <-conn.Updates():
		if update.Status != "PAID" {
			t.Errorf("unexpected update: %+v", update)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection should survive a per-subscription error")
	}
}
