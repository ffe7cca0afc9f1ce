package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	clientBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// LogFrame is one task log line as pushed to subscribers
type LogFrame struct {
	Type      string `json:"type"`
	ProfileID int    `json:"profileId"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type hubClient struct {
	id      string
	hub     *LogHub
	conn    *websocket.Conn
	send    chan []byte
	profile int // 0 = all profiles
}

// LogHub fans task log lines out to websocket subscribers. It implements
// engine.Broadcaster.
type LogHub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}

	router *gin.Engine
	server *http.Server
}

// NewLogHub creates a hub with its gin router
func NewLogHub() *LogHub {
	gin.SetMode(gin.ReleaseMode)
	h := &LogHub{clients: make(map[*hubClient]struct{})}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": h.ClientCount()})
	})
	router.GET("/ws/logs", h.handleWebSocket)
	h.router = router
	return h
}

// Handler exposes the router, mainly for tests
func (h *LogHub) Handler() http.Handler { return h.router }

// Start serves the hub on addr in the background
func (h *LogHub) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.server = &http.Server{Handler: h.router, ReadHeaderTimeout: 10 * time.Second}
	srv := h.server
	h.mu.Unlock()

	LogInfo("log_hub").Str("addr", ln.Addr().String()).Msg("Log hub listening")
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			LogError("log_hub").Err(err).Msg("Log hub stopped")
		}
	}()
	return nil
}

// Stop closes the HTTP server and every subscriber
func (h *LogHub) Stop(ctx context.Context) error {
	h.mu.Lock()
	srv := h.server
	h.server = nil
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ClientCount returns the number of connected subscribers
func (h *LogHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a log line to subscribers of the profile and of "all".
// Slow subscribers drop lines instead of blocking the task.
func (h *LogHub) Broadcast(profileID int, message string) {
	data, err := json.Marshal(LogFrame{
		Type:      "log",
		ProfileID: profileID,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.profile != 0 && c.profile != profileID {
			continue
		}
		select {
		case c.send <- data:
		default:
			LogWarn("log_hub").Str("client", c.id).Msg("Subscriber buffer full, dropping log line")
		}
	}
}

// parseProfileFilter reads ?profile=<id|all>
func parseProfileFilter(raw string) (int, error) {
	if raw == "" || raw == "all" {
		return 0, nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, errors.New("profile must be a positive id or 'all'")
	}
	return id, nil
}

func (h *LogHub) handleWebSocket(c *gin.Context) {
	profile, err := parseProfileFilter(c.Query("profile"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		LogWarn("log_hub").Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &hubClient{
		id:      uuid.NewString(),
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, clientBuffer),
		profile: profile,
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}

func (h *LogHub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	LogInfo("log_hub").Str("client", c.id).Int("profile", c.profile).Int("total", total).Msg("Subscriber connected")
}

func (h *LogHub) unregister(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	LogInfo("log_hub").Str("client", c.id).Int("total", total).Msg("Subscriber disconnected")
}

// readPump only drains control frames; subscribers never send data
func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				LogDebug("log_hub").Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		if r := recover(); r != nil {
			LogPanic("log_hub", r, string(debug.Stack()))
		}
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
