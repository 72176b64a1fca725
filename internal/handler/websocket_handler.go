// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sweep-service/internal/service"
	"sweep-service/internal/utils"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	pumpWait     = time.Second
	pumpIdleWait = 250 * time.Millisecond
)

// WebSocketHandler streams scans and device events to WebSocket clients
type WebSocketHandler struct {
	upgrader      websocket.Upgrader
	connections   *ConnectionManager
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(deviceService *service.DeviceService, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		connections:   NewConnectionManager(),
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/scans", h.HandleScanConnection)
	router.GET("/events", h.HandleEventConnection)
}

// Run pumps scans from the device queue and events from the bus to clients
// until ctx ends. Each queued scan goes to every scan client connected when
// it is taken from the queue.
func (h *WebSocketHandler) Run(ctx context.Context) {
	events, unsubscribe := h.deviceService.Events().Subscribe(256)
	defer unsubscribe()

	go h.forwardEvents(ctx, events)
	h.pumpScans(ctx)
	h.connections.CloseAll()
}

func (h *WebSocketHandler) pumpScans(ctx context.Context) {
	for {
		if len(h.connections.GetClients(ClientTypeScans)) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-h.connections.Changed():
				continue
			}
		}

		scan, err := h.deviceService.NextScan(ctx, pumpWait)
		switch {
		case err == nil:
			h.broadcast(h.connections.GetClients(ClientTypeScans), &WebSocketMessage{
				Type:      "scan",
				Data:      NewScanResponse(scan),
				Timestamp: time.Now(),
			})
		case ctx.Err() != nil:
			return
		case errors.Is(err, context.DeadlineExceeded):
		default:
			// not scanning or session unusable: wait for something to change
			select {
			case <-ctx.Done():
				return
			case <-time.After(pumpIdleWait):
			}
		}
	}
}

func (h *WebSocketHandler) forwardEvents(ctx context.Context, events <-chan service.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			message := &WebSocketMessage{Type: "device_event", Data: ev, Timestamp: ev.Timestamp}
			if ev.Type == service.EventScan {
				h.broadcast(h.connections.GetClients(ClientTypeEvents), message)
				continue
			}
			h.broadcast(h.connections.GetAllClients(), message)
		}
	}
}

// HandleScanConnection serves a live scan stream
// @Summary Live scan stream
// @Description Upgrades to a WebSocket that receives every scan taken from the queue and device state changes
// @Tags Scanning
// @Router /ws/scans [get]
func (h *WebSocketHandler) HandleScanConnection(c *gin.Context) {
	h.serve(c, ClientTypeScans)
}

// HandleEventConnection serves the device event stream
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	h.serve(c, ClientTypeEvents)
}

func (h *WebSocketHandler) serve(c *gin.Context, clientType string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 64),
		Type:        clientType,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	h.connections.Register(client)
	h.logger.Info("WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("type", clientType),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "status",
		Data:      h.deviceService.Status(),
		Timestamp: time.Now(),
	})

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadLimit(4096)
	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		return client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "invalid message")
			continue
		}

		switch message.Type {
		case "ping":
			h.sendMessage(client, &WebSocketMessage{Type: "pong", Timestamp: time.Now()})
		case "status":
			h.sendMessage(client, &WebSocketMessage{Type: "status", Data: h.deviceService.Status(), Timestamp: time.Now()})
		default:
			h.sendError(client, "unknown message type: "+message.Type)
		}
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	if !h.connections.Send(client, messageBytes) {
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
	})
}

// broadcast sends one message to several clients
func (h *WebSocketHandler) broadcast(clients []*Client, message *WebSocketMessage) {
	if len(clients) == 0 {
		return
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	for _, client := range clients {
		if !h.connections.Send(client, messageBytes) {
			h.logger.Warn("Client send channel full during broadcast",
				zap.String("client_id", client.ID),
			)
		}
	}
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}
