package registry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/protocol"
)

// dialSocket upgrades one server-side Socket with a running write pump and
// hands back the client end of the connection.
func dialSocket(t *testing.T) (*Socket, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	sockCh := make(chan *Socket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := newSocket(ws, zap.NewNop())
		go s.writePump()
		sockCh <- s
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return <-sockCh, client
}

func TestSocketCloseRacesWriters(t *testing.T) {
	sock, client := dialSocket(t)

	// Writers race the close the way a displacement races the displaced
	// agent's live pump. The race detector flags this test if anything but
	// the pump touches the connection's write side.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				env, err := protocol.NewEnvelope(protocol.TypePing, "", nil)
				if err != nil {
					t.Error(err)
					return
				}
				if sock.WriteEnvelope(env) != nil {
					return
				}
			}
		}()
	}
	sock.Close(protocol.CloseNormal, "New connection from same machine")
	wg.Wait()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
				t.Fatalf("expected close 1000, got %v", err)
			}
			if ce.Text != "New connection from same machine" {
				t.Errorf("close reason: got %q", ce.Text)
			}
			return
		}
	}
}

func TestSocketCloseIdempotent(t *testing.T) {
	sock, _ := dialSocket(t)
	sock.Close(protocol.CloseNormal, "first")
	sock.Close(protocol.CloseInternal, "second")
	if err := sock.WriteEnvelope(&protocol.Envelope{Type: protocol.TypePing}); !errors.Is(err, errSocketClosed) {
		t.Errorf("write after close: got %v, want errSocketClosed", err)
	}
}

func TestReadLoopSustainsFrameBursts(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())
	h := NewSocketHandler(r, zap.NewNop())

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/ws/agent", h.Handle)
	srv := httptest.NewServer(engine)
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/agent", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	reg := mustEnvelope(t, protocol.TypeRegister, "", &protocol.RegisterPayload{
		CustomerID: "cust",
		MachineID:  "m1",
		Hostname:   "desk-01",
		OS:         "linux",
	})
	if err := client.WriteJSON(reg); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env protocol.Envelope
	if err := client.ReadJSON(&env); err != nil || env.Type != protocol.TypeRegistered {
		t.Fatalf("registered frame: %v (type %q)", err, env.Type)
	}

	// 175 pongs plus the heartbeat run 76 frames past the limiter burst:
	// about 1.5s at the inbound rate when each frame costs one token.
	start := time.Now()
	for i := 0; i < 175; i++ {
		if err := client.WriteJSON(&protocol.Envelope{Type: protocol.TypePong}); err != nil {
			t.Fatal(err)
		}
	}
	hb := mustEnvelope(t, protocol.TypeHeartbeat, "hb-1", &protocol.HeartbeatPayload{PowerState: "PASSIVE"})
	if err := client.WriteJSON(hb); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(8 * time.Second))
	var ack protocol.Envelope
	if err := client.ReadJSON(&ack); err != nil || ack.Type != protocol.TypeHeartbeatAck {
		t.Fatalf("heartbeat ack: %v (type %q)", err, ack.Type)
	}
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Errorf("burst drained in %v, throttle is overcharging frames", elapsed)
	}
}
