package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/literati-app/literati-backend/internal/monitoring"
)

// StreamConfig holds the live dashboard stream configuration.
type StreamConfig struct {
	PushInterval    time.Duration
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultStreamConfig returns the stream defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PushInterval:    5 * time.Second,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
		MaxMessageSize:  4 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      8,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// StreamMessage is the envelope pushed to connected dashboard clients.
type StreamMessage struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// MonitorStream fans dashboard snapshots out to WebSocket clients. Slow
// clients are disconnected rather than allowed to back up the push loop.
type MonitorStream struct {
	monitor    *monitoring.Monitor
	clients    map[uuid.UUID]*streamClient
	clientsMu  sync.RWMutex
	register   chan *streamClient
	unregister chan *streamClient
	logger     *slog.Logger
	tracer     trace.Tracer
	config     StreamConfig

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type streamClient struct {
	id     uuid.UUID
	userID string
	conn   *websocket.Conn
	send   chan []byte
	stream *MonitorStream
}

// NewMonitorStream creates the stream hub. Start must be called before
// clients connect.
func NewMonitorStream(monitor *monitoring.Monitor, logger *slog.Logger) *MonitorStream {
	return &MonitorStream{
		monitor:    monitor,
		clients:    make(map[uuid.UUID]*streamClient),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		logger:     logger,
		tracer:     otel.Tracer("api.rest.stream"),
		config:     DefaultStreamConfig(),
	}
}

// Start launches the hub loop and the periodic dashboard push.
func (s *MonitorStream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop disconnects all clients and halts the push loop.
func (s *MonitorStream) Stop() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

func (s *MonitorStream) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case client := <-s.register:
			s.clientsMu.Lock()
			s.clients[client.id] = client
			s.clientsMu.Unlock()
			s.logger.Info("dashboard stream client connected",
				"client_id", client.id,
				"user_id", client.userID,
			)

		case client := <-s.unregister:
			s.removeClient(client)

		case <-ticker.C:
			s.pushSnapshot()

		case <-ctx.Done():
			s.clientsMu.Lock()
			for _, client := range s.clients {
				close(client.send)
			}
			s.clients = make(map[uuid.UUID]*streamClient)
			s.clientsMu.Unlock()
			return
		}
	}
}

func (s *MonitorStream) removeClient(client *streamClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[client.id]; ok {
		delete(s.clients, client.id)
		close(client.send)
	}
	s.clientsMu.Unlock()
}

// pushSnapshot serializes the dashboard once and fans it out. A client
// with a full send buffer is dropped.
func (s *MonitorStream) pushSnapshot() {
	message := StreamMessage{
		ID:        uuid.New().String(),
		Type:      "dashboard",
		Timestamp: time.Now().UTC(),
		Data:      s.monitor.Dashboard(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		s.logger.Error("failed to marshal dashboard snapshot", "error", err)
		return
	}

	s.clientsMu.Lock()
	for id, client := range s.clients {
		select {
		case client.send <- payload:
		default:
			delete(s.clients, id)
			close(client.send)
			s.logger.Warn("dropping slow dashboard stream client", "client_id", id)
		}
	}
	s.clientsMu.Unlock()
}

// ClientCount reports the connected client count.
func (s *MonitorStream) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// HandleWebSocket upgrades the request and attaches the client to the
// hub. Authentication happens upstream in the middleware chain.
func (s *MonitorStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	_, span := s.tracer.Start(r.Context(), "stream.connect")
	defer span.End()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.ReadBufferSize,
		WriteBufferSize: s.config.WriteBufferSize,
		CheckOrigin:     s.config.CheckOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		id:     uuid.New(),
		userID: UserIDFrom(r.Context()),
		conn:   conn,
		send:   make(chan []byte, s.config.SendBuffer),
		stream: s,
	}

	conn.SetReadLimit(s.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
		return nil
	})

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	// Initial state so clients render before the first tick
	welcome := StreamMessage{
		ID:        uuid.New().String(),
		Type:      "dashboard",
		Timestamp: time.Now().UTC(),
		Data:      s.monitor.Dashboard(),
	}
	if payload, err := json.Marshal(welcome); err == nil {
		select {
		case client.send <- payload:
		default:
		}
	}

	span.SetAttributes(
		attribute.String("client_id", client.id.String()),
		attribute.String("user_id", client.userID),
	)
}

// readPump drains inbound frames. The stream is push-only, so reads
// exist only to process control frames and observe disconnects.
func (c *streamClient) readPump() {
	defer func() {
		select {
		case c.stream.unregister <- c:
		case <-c.stream.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.stream.logger.Error("websocket read error", "error", err, "client_id", c.id)
			}
			return
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(c.stream.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.stream.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.stream.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
