package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rbrundritt/offline-data-manager/internal/domain"
	"github.com/rbrundritt/offline-data-manager/pkg/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// allTopics lists every topic a client may subscribe to.
var allTopics = []string{
	domain.TopicRegistered,
	domain.TopicStatus,
	domain.TopicProgress,
	domain.TopicComplete,
	domain.TopicExpired,
	domain.TopicError,
	domain.TopicDeferred,
	domain.TopicDeleted,
	domain.TopicStopped,
	domain.TopicConnectivity,
}

// eventFrame is the wire shape pushed to websocket clients.
type eventFrame struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// EventWebSocketHandler streams emitter topics to WebSocket clients in
// real time.
type EventWebSocketHandler struct {
	emitter *events.Emitter
	logger  *zap.Logger
}

// NewEventWebSocketHandler creates a new WebSocket handler
func NewEventWebSocketHandler(emitter *events.Emitter, log *zap.Logger) *EventWebSocketHandler {
	return &EventWebSocketHandler{
		emitter: emitter,
		logger:  log,
	}
}

// HandleWebSocket handles WebSocket connections for event streaming. The
// optional topics query parameter narrows the subscription, e.g.
// ?topics=progress,complete.
func (h *EventWebSocketHandler) HandleWebSocket(c *gin.Context) {
	topics := allTopics
	if q := c.Query("topics"); q != "" {
		topics = strings.Split(q, ",")
	}

	// Upgrade connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("WebSocket client connected",
		zap.Strings("topics", topics),
		zap.String("remote_addr", c.Request.RemoteAddr))

	// Listener goroutines feed frames through a buffered channel so the
	// synchronous emitter fan-out never blocks on a slow client.
	frames := make(chan eventFrame, 256)
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		t := topic
		unsubs = append(unsubs, h.emitter.On(t, func(payload interface{}) {
			select {
			case frames <- eventFrame{Topic: t, Payload: payload}:
			default:
				// Drop frames rather than stall the emitter.
			}
		}))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	// Read messages from client (for ping/pong and close detection)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case frame := <-frames:
			data, err := json.Marshal(frame)
			if err != nil {
				h.logger.Error("Failed to marshal event frame", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
