package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/screenlink/broker/internal/protocol"
	"github.com/screenlink/broker/internal/store"
)

const (
	writeWait      = 10 * time.Second
	registerWait   = 30 * time.Second
	sendBufferSize = 32
	// maxFrameBytes bounds a single inbound frame; screenshots travel in
	// responses, so this is generous.
	maxFrameBytes = 32 << 20
)

// inboundFramesPerSec throttles a single agent's read loop.
const inboundFramesPerSec = 50

var errSocketClosed = errors.New("agent socket closed")

// Socket wraps a gorilla websocket with the single-writer pump that
// AgentConn requires. All outbound frames funnel through the send channel;
// the write pump is the only goroutine touching the connection's write
// side.
type Socket struct {
	ws        *websocket.Conn
	send      chan *protocol.Envelope
	closed    chan struct{}
	closeOnce sync.Once
	closeMsg  []byte
	logger    *zap.Logger
}

func newSocket(ws *websocket.Conn, logger *zap.Logger) *Socket {
	return &Socket{
		ws:     ws,
		send:   make(chan *protocol.Envelope, sendBufferSize),
		closed: make(chan struct{}),
		logger: logger,
	}
}

// WriteEnvelope queues a frame for the write pump. It fails fast when the
// socket is closed or the agent stops draining its buffer.
func (s *Socket) WriteEnvelope(env *protocol.Envelope) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	select {
	case s.send <- env:
		return nil
	case <-s.closed:
		return errSocketClosed
	case <-time.After(writeWait):
		return errors.New("agent send buffer full")
	}
}

// Close asks the write pump to send the close frame and tear the transport
// down. Idempotent, and safe from any goroutine: the pump stays the only
// writer on the connection.
func (s *Socket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.closeMsg = websocket.FormatCloseMessage(code, reason)
		close(s.closed)
	})
	return nil
}

func (s *Socket) RemoteAddr() string {
	return s.ws.RemoteAddr().String()
}

// writePump serializes outbound frames. When Close fires it writes the close
// frame itself, so no other goroutine ever touches the write side.
func (s *Socket) writePump() {
	defer s.ws.Close()
	for {
		select {
		case env := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(env); err != nil {
				s.logger.Debug("agent socket write", zap.Error(err))
				s.Close(protocol.CloseInternal, "write failure")
				return
			}
		case <-s.closed:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.CloseMessage, s.closeMsg); err != nil &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.logger.Debug("write close frame", zap.Error(err))
			}
			return
		}
	}
}

// SocketHandler upgrades /ws/agent requests and runs the per-agent read
// loop.
type SocketHandler struct {
	registry *Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewSocketHandler builds the agent socket endpoint handler.
func NewSocketHandler(r *Registry, logger *zap.Logger) *SocketHandler {
	return &SocketHandler{
		registry: r,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents authenticate by registration payload, not Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle is the gin handler for the agent websocket endpoint.
func (h *SocketHandler) Handle(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("agent socket upgrade", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	sock := newSocket(ws, h.logger)
	go sock.writePump()

	// The socket outlives the HTTP request context.
	ctx := context.Background()

	env, err := readEnvelope(ws, registerWait)
	if err != nil || env.Type != protocol.TypeRegister {
		sock.Close(protocol.CloseRejected, "expected register message")
		return
	}
	var reg protocol.RegisterPayload
	if err := env.Decode(&reg); err != nil {
		sock.Close(protocol.CloseRejected, "malformed register payload")
		return
	}

	agent, err := h.registry.Register(ctx, sock, &reg)
	if err != nil {
		h.logger.Warn("agent registration failed",
			zap.String("machine_id", reg.MachineID), zap.Error(err))
		sock.Close(protocol.CloseRejected, "registration failed")
		return
	}
	defer func() {
		sock.Close(protocol.CloseNormal, "")
		h.registry.Unregister(ctx, agent.ConnID)
	}()

	h.readLoop(ctx, sock, ws, agent.ConnID)
}

// readLoop decodes frames until the socket dies or the agent goes silent
// for three heartbeat intervals.
func (h *SocketHandler) readLoop(ctx context.Context, sock *Socket, ws *websocket.Conn, connID uuid.UUID) {
	limiter := rate.NewLimiter(rate.Limit(inboundFramesPerSec), 2*inboundFramesPerSec)

	for {
		deadline := 3 * HeartbeatInterval(h.registry.powerState(connID))
		env, err := readEnvelope(ws, deadline)
		if err != nil {
			if netTimeout(err) {
				h.logger.Info("agent heartbeat silence", zap.String("conn_id", connID.String()))
				sock.Close(protocol.CloseInternal, "heartbeat timeout")
			}
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		switch env.Type {
		case protocol.TypeResponse, protocol.TypeError:
			h.registry.HandleResponse(connID, env)

		case protocol.TypePong:
			h.registry.UpdatePing(connID)

		case protocol.TypeHeartbeat:
			var hb protocol.HeartbeatPayload
			if err := env.Decode(&hb); err != nil {
				h.logger.Debug("malformed heartbeat", zap.Error(err))
				continue
			}
			ack, err := h.registry.HandleHeartbeat(ctx, connID, &hb)
			if err != nil {
				return
			}
			out, err := protocol.NewEnvelope(protocol.TypeHeartbeatAck, env.ID, ack)
			if err == nil {
				sock.WriteEnvelope(out)
			}

		case protocol.TypeStateChange:
			var sc protocol.StateChangePayload
			if err := env.Decode(&sc); err != nil {
				h.logger.Debug("malformed state change", zap.Error(err))
				continue
			}
			cfg, err := h.registry.HandleStateChange(ctx, connID, &sc)
			if err != nil {
				return
			}
			if cfg != nil {
				out, err := protocol.NewEnvelope(protocol.TypeConfig, "", gin.H{"config": cfg})
				if err == nil {
					sock.WriteEnvelope(out)
				}
			}

		default:
			h.logger.Debug("unknown agent frame", zap.String("type", env.Type))
		}
	}
}

// powerState reads the agent's current power state for deadline math.
func (r *Registry) powerState(connID uuid.UUID) store.PowerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.byConn[connID]; a != nil {
		return a.PowerState
	}
	return store.PowerPassive
}

func readEnvelope(ws *websocket.Conn, timeout time.Duration) (*protocol.Envelope, error) {
	ws.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func netTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
