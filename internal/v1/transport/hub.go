// Package transport owns the websocket surface: handshake, authentication,
// membership checks, and the read/write pumps feeding the room engine.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sketchparty/server/internal/v1/auth"
	"github.com/sketchparty/server/internal/v1/bus"
	"github.com/sketchparty/server/internal/v1/config"
	"github.com/sketchparty/server/internal/v1/game"
	"github.com/sketchparty/server/internal/v1/logging"
	"github.com/sketchparty/server/internal/v1/metrics"
	"github.com/sketchparty/server/internal/v1/ratelimit"
	"github.com/sketchparty/server/internal/v1/store"
)

// roomGateway is the relational surface the hub needs during a handshake.
// *store.Gateway implements it.
type roomGateway interface {
	GetActiveRoom(ctx context.Context, code string) (*store.Room, error)
	IsMemberActive(ctx context.Context, roomID, userID int64) (bool, error)
	IsUserAllowed(ctx context.Context, userID int64) (bool, error)
	IsUserEnabled(ctx context.Context, userID int64) (bool, error)
	ActiveSessionID(ctx context.Context, userID int64) (string, error)
	RoomsSnapshot(ctx context.Context) ([]store.RoomSummary, error)
}

// Hub wires authenticated websocket sessions into the room engine and the
// lobby group.
type Hub struct {
	engine      *game.Engine
	fabric      *bus.Fabric
	gw          roomGateway
	validator   *auth.Validator
	cfg         *config.Config
	rateLimiter *ratelimit.RateLimiter
}

// NewHub builds the websocket hub.
func NewHub(engine *game.Engine, fabric *bus.Fabric, gw roomGateway, validator *auth.Validator, cfg *config.Config, rateLimiter *ratelimit.RateLimiter) *Hub {
	return &Hub{
		engine:      engine,
		fabric:      fabric,
		gw:          gw,
		validator:   validator,
		cfg:         cfg,
		rateLimiter: rateLimiter,
	}
}

// validateOrigin checks the request origin against the allowlist. Requests
// without an Origin header pass; non-browser clients send none.
func validateOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return false
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	logging.Warn(context.Background(), "Origin not in allowed list", zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return false
}

func (h *Hub) upgrade(c *gin.Context) (wsConnection, error) {
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, allowedOrigins)
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// bearerToken pulls the access token from the auth cookie, falling back to a
// query parameter for non-browser clients.
func (h *Hub) bearerToken(r *http.Request) string {
	if token := auth.CookieToken(r, h.cfg.JWTAccessCookie); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// reject closes a just-upgraded socket with an application close code. Codes
// in the 4400 range mirror their HTTP cousins so clients can branch on them.
func reject(conn wsConnection, closeCode int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason))
	_ = conn.Close()
}

// authenticate validates the bearer and pins it to the user's latest session.
func (h *Hub) authenticate(ctx context.Context, r *http.Request) (*auth.Claims, bool) {
	token := h.bearerToken(r)
	if token == "" {
		return nil, false
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "Token validation failed", zap.Error(err))
		return nil, false
	}
	sid, err := h.gw.ActiveSessionID(ctx, claims.UserID)
	if err != nil {
		logging.Warn(ctx, "Session lookup failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		return nil, false
	}
	if sid != "" && sid != claims.SessionID {
		logging.Warn(ctx, "Stale session token rejected", zap.Int64("user_id", claims.UserID))
		return nil, false
	}
	return claims, true
}

// ServeRoom upgrades a room connection. Authorization failures close the
// socket with an application code rather than an HTTP status: the handshake
// must complete before a browser client can read a close reason.
func (h *Hub) ServeRoom(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return
	}
	code := strings.ToUpper(c.Param("code"))
	ctx := c.Request.Context()

	conn, err := h.upgrade(c)
	if err != nil {
		return
	}

	claims, ok := h.authenticate(ctx, c.Request)
	if !ok {
		reject(conn, game.CloseUnauthorized, "authentication required")
		return
	}

	h.engine.CleanupRooms(ctx)

	room, err := h.gw.GetActiveRoom(ctx, code)
	if err != nil {
		logging.Error(ctx, "Room lookup failed", zap.String("room", code), zap.Error(err))
		reject(conn, game.CloseServerError, "server error")
		return
	}
	if room == nil {
		reject(conn, game.CloseNotFound, "room not found")
		return
	}

	allowed, err := h.gw.IsUserAllowed(ctx, claims.UserID)
	if err != nil {
		logging.Error(ctx, "User check failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		reject(conn, game.CloseServerError, "server error")
		return
	}
	if !allowed {
		reject(conn, game.CloseForbidden, "not allowed")
		return
	}

	// Membership is established by the REST join flow; the socket only attaches.
	member, err := h.gw.IsMemberActive(ctx, room.ID, claims.UserID)
	if err != nil {
		logging.Error(ctx, "Membership check failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		reject(conn, game.CloseServerError, "server error")
		return
	}
	if !member {
		reject(conn, game.CloseForbidden, "not a member")
		return
	}

	client := newClient(conn, claims.UserID)
	client.onMessage = func(ctx context.Context, data []byte) {
		h.engine.HandleMessage(ctx, client, room, data)
	}
	client.onDisconnect = func() {
		h.engine.Disconnect(context.Background(), client, room)
	}

	go client.writePump()
	if err := h.engine.Connect(ctx, client, room); err != nil {
		logging.Error(ctx, "Room connect failed", zap.String("room", code), zap.Error(err))
		client.Shutdown(game.CloseServerError, "server error")
		return
	}

	logging.Info(ctx, "Player connected",
		zap.String("room", code),
		zap.Int64("user_id", claims.UserID))
	go client.readPump()
}

// ServeLobby upgrades a lobby connection: read-mostly, it receives the room
// list on connect and on every change, and answers pings.
func (h *Hub) ServeLobby(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return
	}
	ctx := c.Request.Context()

	conn, err := h.upgrade(c)
	if err != nil {
		return
	}

	claims, ok := h.authenticate(ctx, c.Request)
	if !ok {
		reject(conn, game.CloseUnauthorized, "authentication required")
		return
	}

	enabled, err := h.gw.IsUserEnabled(ctx, claims.UserID)
	if err != nil {
		logging.Error(ctx, "User check failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		reject(conn, game.CloseServerError, "server error")
		return
	}
	if !enabled {
		reject(conn, game.CloseForbidden, "not allowed")
		return
	}

	client := newClient(conn, claims.UserID)
	client.onMessage = func(ctx context.Context, data []byte) {
		h.handleLobbyMessage(client, data)
	}
	client.onDisconnect = func() {
		h.fabric.LeaveGroup(game.LobbyGroup, client)
		metrics.DecConnection()
	}

	h.fabric.JoinGroup(game.LobbyGroup, client)
	metrics.IncConnection()

	go client.writePump()
	h.sendRoomsList(ctx, client)
	go client.readPump()
}

func (h *Hub) handleLobbyMessage(client *Client, data []byte) {
	var in struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}
	if in.Type == "ping" {
		client.Deliver([]byte(`{"type":"pong"}`))
	}
}

func (h *Hub) sendRoomsList(ctx context.Context, client *Client) {
	rooms, err := h.gw.RoomsSnapshot(ctx)
	if err != nil {
		logging.Warn(ctx, "Lobby snapshot failed", zap.Error(err))
		return
	}
	data, err := json.Marshal(game.NewRoomsList(rooms))
	if err != nil {
		logging.Error(ctx, "Failed to marshal rooms list", zap.Error(err))
		return
	}
	client.Deliver(data)
}
