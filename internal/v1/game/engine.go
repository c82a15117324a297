// Package game implements the room engine: per-room game state, round
// scheduling, guess scoring, kick votes and presence, coordinated across
// server instances through the shared store and the group fabric.
package game

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sketchparty/server/internal/v1/bus"
	"github.com/sketchparty/server/internal/v1/config"
	"github.com/sketchparty/server/internal/v1/logging"
	"github.com/sketchparty/server/internal/v1/metrics"
	"github.com/sketchparty/server/internal/v1/store"
)

// Application close codes on the websocket.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
	CloseNotFound     = 4404
	CloseServerError  = 4500
	CloseLeft         = 4003
)

// LobbyGroup is the fabric group carrying room list updates.
const LobbyGroup = "rooms_lobby"

// RoomGroup names the fabric group for one room.
func RoomGroup(code string) string {
	return "room_" + code
}

// Session is one connected player socket. Deliver and Shutdown come from the
// fabric contract; the engine never blocks on them.
type Session interface {
	bus.Conn
}

// Gateway is the relational surface the engine depends on. *store.Gateway
// implements it; tests substitute an in-memory fake.
type Gateway interface {
	GetActiveRoom(ctx context.Context, code string) (*store.Room, error)
	IsMemberActive(ctx context.Context, roomID, userID int64) (bool, error)
	ListActiveMembers(ctx context.Context, roomID int64) ([]store.PublicUser, error)
	ListActiveMemberIDs(ctx context.Context, code string) ([]int64, error)
	MarkMemberInactive(ctx context.Context, roomID, userID int64) error
	SyncEmptySince(ctx context.Context, roomID int64) (bool, error)
	CleanupInactiveRooms(ctx context.Context, emptyMinutes int) ([]string, error)
	GetPublicUser(ctx context.Context, userID int64) (store.PublicUser, error)
	RoomsSnapshot(ctx context.Context) ([]store.RoomSummary, error)
}

// roomRuntime is the process-local side of one room: connected sessions, chat
// rate limiter state and the timers this instance is running. Everything here
// is instance-scoped; the shared GameState is what crosses instances.
type roomRuntime struct {
	code string

	mu                sync.Mutex
	state             *GameState
	sessions          map[Session]store.PublicUser
	chatTimes         map[int64][]time.Time
	chatPenalties     map[int64]int
	chatCooldowns     map[int64]time.Time
	disconnectCancels map[int64]context.CancelFunc
	kickCancels       map[int64]context.CancelFunc
	roundCancel       context.CancelFunc
}

// Engine coordinates every room this instance serves.
type Engine struct {
	cfg     *config.Config
	states  *StateStore
	fabric  *bus.Fabric
	gw      Gateway
	ownerID string

	mu    sync.Mutex
	rooms map[string]*roomRuntime

	// Injected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine builds the engine. ownerID must be unique per process; it anchors
// timer ownership claims in the shared store.
func NewEngine(cfg *config.Config, states *StateStore, fabric *bus.Fabric, gw Gateway, ownerID string) *Engine {
	return &Engine{
		cfg:     cfg,
		states:  states,
		fabric:  fabric,
		gw:      gw,
		ownerID: ownerID,
		rooms:   make(map[string]*roomRuntime),
		now:     time.Now,
		sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (e *Engine) runtime(code string) *roomRuntime {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.rooms[code]
	if !ok {
		rt = &roomRuntime{
			code:              code,
			state:             newGameState(code, e.cfg.MaxRounds, e.cfg.RoundSeconds),
			sessions:          make(map[Session]store.PublicUser),
			chatTimes:         make(map[int64][]time.Time),
			chatPenalties:     make(map[int64]int),
			chatCooldowns:     make(map[int64]time.Time),
			disconnectCancels: make(map[int64]context.CancelFunc),
			kickCancels:       make(map[int64]context.CancelFunc),
		}
		e.rooms[code] = rt
		metrics.ActiveRooms.Set(float64(len(e.rooms)))
	}
	return rt
}

func (e *Engine) dropRuntime(code string) {
	e.mu.Lock()
	rt, ok := e.rooms[code]
	if ok {
		delete(e.rooms, code)
		metrics.ActiveRooms.Set(float64(len(e.rooms)))
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	if rt.roundCancel != nil {
		rt.roundCancel()
	}
	for _, cancel := range rt.disconnectCancels {
		cancel()
	}
	for _, cancel := range rt.kickCancels {
		cancel()
	}
	rt.mu.Unlock()
	metrics.RoomPlayers.DeleteLabelValues(code)
}

// epoch returns the wall clock as fractional seconds, the unit round starts
// are recorded in.
func (e *Engine) epoch() float64 {
	return float64(e.now().UnixNano()) / float64(time.Second)
}

func (e *Engine) historyID() string {
	e.rngMu.Lock()
	r := e.rng.Float64()
	e.rngMu.Unlock()
	return strconv.FormatFloat(e.epoch(), 'f', -1, 64) + "-" + strconv.FormatFloat(r, 'f', -1, 64)
}

// loadLocked clones the cached state and merges the shared snapshot over it.
// Call only while holding the room lock through StateStore.WithLock.
func (e *Engine) loadLocked(ctx context.Context, rt *roomRuntime) *GameState {
	rt.mu.Lock()
	st := rt.state.clone()
	rt.mu.Unlock()
	if _, err := e.states.Load(ctx, rt.code, st); err != nil {
		logging.Warn(ctx, "Failed to load room state", zap.String("room", rt.code), zap.Error(err))
	}
	return st
}

// commitLocked persists st and makes it the cached copy.
func (e *Engine) commitLocked(ctx context.Context, rt *roomRuntime, st *GameState) {
	if err := e.states.Save(ctx, rt.code, st); err != nil {
		logging.Warn(ctx, "Failed to save room state", zap.String("room", rt.code), zap.Error(err))
	}
	rt.mu.Lock()
	rt.state = st
	rt.mu.Unlock()
}

// snapshot returns a read-only merged view of the room state.
func (e *Engine) snapshot(ctx context.Context, rt *roomRuntime) *GameState {
	return e.loadLocked(ctx, rt)
}

func (e *Engine) deliver(ctx context.Context, sess Session, envelope any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		logging.Error(ctx, "Failed to marshal envelope", zap.Error(err))
		return
	}
	sess.Deliver(data)
}

func (e *Engine) identity(ctx context.Context, rt *roomRuntime, sess Session) store.PublicUser {
	rt.mu.Lock()
	info, ok := rt.sessions[sess]
	rt.mu.Unlock()
	if ok {
		return info
	}
	info, err := e.gw.GetPublicUser(ctx, sess.UserID())
	if err != nil {
		logging.Warn(ctx, "Failed to resolve user identity", zap.Int64("user_id", sess.UserID()), zap.Error(err))
		return store.PublicUser{ID: sess.UserID(), Name: "Player " + strconv.FormatInt(sess.UserID(), 10)}
	}
	return info
}

// Connect admits an authenticated, membership-checked session into a room:
// registers it with the fabric, counts the socket, replays state and history,
// and auto-starts the first round once enough players are present.
func (e *Engine) Connect(ctx context.Context, sess Session, room *store.Room) error {
	rt := e.runtime(room.Code)
	userID := sess.UserID()

	info, err := e.gw.GetPublicUser(ctx, userID)
	if err != nil {
		logging.Warn(ctx, "Falling back to placeholder identity", zap.Int64("user_id", userID), zap.Error(err))
		info = store.PublicUser{ID: userID, Name: "Player " + strconv.FormatInt(userID, 10)}
	}
	rt.mu.Lock()
	rt.sessions[sess] = info
	rt.mu.Unlock()

	e.fabric.JoinGroup(RoomGroup(room.Code), sess)
	metrics.IncConnection()

	err = e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		if _, ok := st.Scores[userID]; !ok {
			st.Scores[userID] = 0
		}
		rt.mu.Lock()
		if cancel, ok := rt.disconnectCancels[userID]; ok {
			cancel()
			delete(rt.disconnectCancels, userID)
		}
		rt.mu.Unlock()
		e.commitLocked(ctx, rt, st)
		if _, err := e.states.IncrConn(ctx, room.Code, userID); err != nil {
			logging.Warn(ctx, "Failed to count connection", zap.String("room", room.Code), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.broadcastPresence(ctx, room)
	e.sendGameState(ctx, rt, sess)
	e.sendHistory(ctx, rt, sess)
	e.maybeStartGame(ctx, rt, room, sess)
	return nil
}

// Disconnect unregisters a session. The last socket of a member arms the
// disconnect grace timer; membership survives until it fires.
func (e *Engine) Disconnect(ctx context.Context, sess Session, room *store.Room) {
	rt := e.runtime(room.Code)
	userID := sess.UserID()

	e.fabric.LeaveGroup(RoomGroup(room.Code), sess)
	metrics.DecConnection()

	rt.mu.Lock()
	delete(rt.sessions, sess)
	localRemaining := 0
	for s := range rt.sessions {
		if s.UserID() == userID {
			localRemaining++
		}
	}
	rt.mu.Unlock()

	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		shared, err := e.states.DecrConn(ctx, room.Code, userID)
		if err != nil {
			logging.Warn(ctx, "Failed to decrement connection count", zap.String("room", room.Code), zap.Error(err))
		}
		if shared > 0 || localRemaining > 0 {
			return nil
		}

		rt.mu.Lock()
		_, pending := rt.disconnectCancels[userID]
		rt.mu.Unlock()
		if pending {
			return nil
		}

		active, err := e.gw.IsMemberActive(ctx, room.ID, userID)
		if err != nil {
			logging.Warn(ctx, "Membership check failed on disconnect", zap.Int64("user_id", userID), zap.Error(err))
			return nil
		}
		if active {
			e.armDisconnectTimer(rt, room, userID)
		}
		return nil
	})
	if err != nil {
		logging.Warn(ctx, "Disconnect bookkeeping skipped", zap.String("room", room.Code), zap.Error(err))
	}
}

func (e *Engine) armDisconnectTimer(rt *roomRuntime, room *store.Room, userID int64) {
	ctx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.disconnectCancels[userID] = cancel
	rt.mu.Unlock()
	go e.markInactiveLater(ctx, rt, room, userID)
}

// markInactiveLater waits out the disconnect grace window; if the player has
// not come back on any instance, their membership lapses.
func (e *Engine) markInactiveLater(ctx context.Context, rt *roomRuntime, room *store.Room, userID int64) {
	if !e.sleep(ctx, e.cfg.DisconnectGrace()) {
		return
	}

	reconnected := false
	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		rt.mu.Lock()
		delete(rt.disconnectCancels, userID)
		local := 0
		for s := range rt.sessions {
			if s.UserID() == userID {
				local++
			}
		}
		rt.mu.Unlock()

		shared, err := e.states.ConnCount(ctx, room.Code, userID)
		if err != nil {
			logging.Warn(ctx, "Connection count read failed", zap.String("room", room.Code), zap.Error(err))
		}
		reconnected = shared > 0 || local > 0
		return nil
	})
	if err != nil || reconnected {
		return
	}

	if err := e.gw.MarkMemberInactive(ctx, room.ID, userID); err != nil {
		logging.Error(ctx, "Failed to lapse membership", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if _, err := e.gw.SyncEmptySince(ctx, room.ID); err != nil {
		logging.Warn(ctx, "Failed to sync empty marker", zap.String("room", room.Code), zap.Error(err))
	}
	e.CleanupRooms(ctx)
	e.cleanupKickVotes(ctx, rt, room, userID)
	e.broadcastPresence(ctx, room)
	e.maybePauseGame(ctx, rt, room)
}

// HandleMessage routes one inbound client frame.
func (e *Engine) HandleMessage(ctx context.Context, sess Session, room *store.Room, raw []byte) {
	userID := sess.UserID()
	active, err := e.gw.IsMemberActive(ctx, room.ID, userID)
	if err != nil {
		logging.Warn(ctx, "Membership check failed", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	if !active {
		sess.Shutdown(CloseLeft, "membership lapsed")
		return
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		metrics.WebsocketEvents.WithLabelValues("invalid", "error").Inc()
		return
	}
	metrics.WebsocketEvents.WithLabelValues(in.Type, "received").Inc()

	rt := e.runtime(room.Code)
	start := e.now()
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(in.Type).Observe(time.Since(start).Seconds())
	}()

	switch in.Type {
	case msgDraw:
		e.handleDraw(ctx, sess, rt, in.Payload)
	case msgChat:
		message := strings.TrimSpace(in.Message)
		if message == "" {
			return
		}
		e.handleChatGuess(ctx, sess, rt, room, message, in.ClientID)
	case msgClear:
		e.handleClear(ctx, sess, rt)
	case msgStartGame:
		e.startGame(ctx, sess, rt, room)
	case msgKickRequest:
		target, ok := in.Target()
		if !ok {
			return
		}
		e.handleKickRequest(ctx, sess, rt, room, target)
	case msgKickVote:
		target, ok := in.Target()
		if !ok {
			return
		}
		approve := true
		if in.Approve != nil {
			approve = *in.Approve
		}
		e.handleKickVote(ctx, sess, rt, room, target, approve)
	case msgLeave:
		e.handleLeave(ctx, sess, rt, room)
	case msgPing:
		e.deliver(ctx, sess, pongEnvelope{Type: "pong"})
	}
}

// handleDraw relays a stroke from the current drawer and records it for
// replay. Anyone else drawing is ignored.
func (e *Engine) handleDraw(ctx context.Context, sess Session, rt *roomRuntime, payload json.RawMessage) {
	snap := e.snapshot(ctx, rt)
	if snap.Status != StatusRunning || snap.DrawerID != sess.UserID() {
		return
	}
	user := e.identity(ctx, rt, sess)
	if err := e.fabric.GroupSend(ctx, RoomGroup(rt.code), drawEnvelope{Type: "draw", Payload: payload, User: user}); err != nil {
		logging.Warn(ctx, "Draw broadcast failed", zap.String("room", rt.code), zap.Error(err))
	}
	if err := e.states.AppendDraw(ctx, rt.code, payload); err != nil {
		logging.Warn(ctx, "Draw history append failed", zap.String("room", rt.code), zap.Error(err))
	}
}

// handleClear wipes the shared canvas, drawer only.
func (e *Engine) handleClear(ctx context.Context, sess Session, rt *roomRuntime) {
	snap := e.snapshot(ctx, rt)
	if snap.Status != StatusRunning || snap.DrawerID != sess.UserID() {
		return
	}
	user := e.identity(ctx, rt, sess)
	if err := e.fabric.GroupSend(ctx, RoomGroup(rt.code), clearEnvelope{Type: "clear", User: user}); err != nil {
		logging.Warn(ctx, "Clear broadcast failed", zap.String("room", rt.code), zap.Error(err))
	}
	if err := e.states.ClearDrawHistory(ctx, rt.code); err != nil {
		logging.Warn(ctx, "Draw history clear failed", zap.String("room", rt.code), zap.Error(err))
	}
}

// handleLeave is a voluntary exit: no grace window, membership lapses now and
// every socket of the player is told to close.
func (e *Engine) handleLeave(ctx context.Context, sess Session, rt *roomRuntime, room *store.Room) {
	userID := sess.UserID()

	rt.mu.Lock()
	if cancel, ok := rt.disconnectCancels[userID]; ok {
		cancel()
		delete(rt.disconnectCancels, userID)
	}
	rt.mu.Unlock()

	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		return e.states.ResetConn(ctx, room.Code, userID)
	})
	if err != nil {
		logging.Warn(ctx, "Leave bookkeeping skipped", zap.String("room", room.Code), zap.Error(err))
	}

	if err := e.fabric.GroupDisconnectUser(ctx, RoomGroup(room.Code), userID, CloseLeft, "left room"); err != nil {
		logging.Warn(ctx, "Leave disconnect broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
	if err := e.gw.MarkMemberInactive(ctx, room.ID, userID); err != nil {
		logging.Error(ctx, "Failed to lapse membership on leave", zap.Int64("user_id", userID), zap.Error(err))
	}
	if _, err := e.gw.SyncEmptySince(ctx, room.ID); err != nil {
		logging.Warn(ctx, "Failed to sync empty marker", zap.String("room", room.Code), zap.Error(err))
	}
	e.CleanupRooms(ctx)
	e.broadcastPresence(ctx, room)
	e.maybePauseGame(ctx, rt, room)
}

// maybePauseGame parks a running game back to waiting when fewer than two
// players remain.
func (e *Engine) maybePauseGame(ctx context.Context, rt *roomRuntime, room *store.Room) {
	ids, err := e.gw.ListActiveMemberIDs(ctx, room.Code)
	if err != nil {
		logging.Warn(ctx, "Member listing failed", zap.String("room", room.Code), zap.Error(err))
		return
	}
	if len(ids) >= 2 {
		return
	}

	paused := false
	err = e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		if st.Status != StatusRunning {
			return nil
		}
		st.Status = StatusWaiting
		st.Word = ""
		st.DrawerID = 0
		rt.mu.Lock()
		if rt.roundCancel != nil {
			rt.roundCancel()
			rt.roundCancel = nil
		}
		rt.mu.Unlock()
		e.commitLocked(ctx, rt, st)
		if err := e.states.ReleaseTimerOwner(ctx, room.Code, e.ownerID); err != nil {
			logging.Warn(ctx, "Timer owner release failed", zap.String("room", room.Code), zap.Error(err))
		}
		paused = true
		return nil
	})
	if err != nil || !paused {
		return
	}

	envelope := roundPausedEnvelope{Type: "round_paused", Message: "Need at least 2 players to continue."}
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), envelope); err != nil {
		logging.Warn(ctx, "Pause broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
}

// broadcastPresence pushes the member roster to the room and refreshes the
// lobby listing.
func (e *Engine) broadcastPresence(ctx context.Context, room *store.Room) {
	members, err := e.gw.ListActiveMembers(ctx, room.ID)
	if err != nil {
		logging.Warn(ctx, "Presence listing failed", zap.String("room", room.Code), zap.Error(err))
		return
	}
	if members == nil {
		members = []store.PublicUser{}
	}
	metrics.RoomPlayers.WithLabelValues(room.Code).Set(float64(len(members)))
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), presenceEnvelope{Type: "presence", Members: members}); err != nil {
		logging.Warn(ctx, "Presence broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
	e.BroadcastLobby(ctx)
}

// BroadcastLobby pushes a fresh room listing to every lobby watcher.
func (e *Engine) BroadcastLobby(ctx context.Context) {
	rooms, err := e.gw.RoomsSnapshot(ctx)
	if err != nil {
		logging.Warn(ctx, "Lobby snapshot failed", zap.Error(err))
		return
	}
	if err := e.fabric.GroupSend(ctx, LobbyGroup, NewRoomsList(rooms)); err != nil {
		logging.Warn(ctx, "Lobby broadcast failed", zap.Error(err))
	}
}

// sendGameState replays the current game snapshot to one session, including
// the secret word when the session belongs to the drawer.
func (e *Engine) sendGameState(ctx context.Context, rt *roomRuntime, sess Session) {
	snap := e.snapshot(ctx, rt)
	if snap.Status == StatusRunning && snap.Word != "" {
		secondsLeft := int(float64(snap.RoundSeconds) - (e.epoch() - snap.StartedAt))
		if secondsLeft < 0 {
			secondsLeft = 0
		}
		e.deliver(ctx, sess, gameStateEnvelope{
			Type:        "game_state",
			Status:      snap.Status,
			Round:       snap.RoundIndex,
			MaxRounds:   snap.MaxRounds,
			DrawerID:    snap.DrawerID,
			MaskedWord:  MaskWord(snap.Word, snap.RevealedIndices),
			SecondsLeft: &secondsLeft,
			Scores:      serializeScores(snap.Scores),
		})
		if sess.UserID() == snap.DrawerID {
			e.deliver(ctx, sess, roundSecretEnvelope{Type: "round_secret", Word: snap.Word})
		}
		return
	}
	e.deliver(ctx, sess, gameStateEnvelope{
		Type:      "game_state",
		Status:    snap.Status,
		Round:     snap.RoundIndex,
		MaxRounds: snap.MaxRounds,
		Scores:    serializeScores(snap.Scores),
	})
}

// sendHistory replays stored chat lines and strokes to one session.
func (e *Engine) sendHistory(ctx context.Context, rt *roomRuntime, sess Session) {
	chat, err := e.states.ChatHistory(ctx, rt.code)
	if err != nil {
		logging.Warn(ctx, "Chat history read failed", zap.String("room", rt.code), zap.Error(err))
	}
	draw, err := e.states.DrawHistory(ctx, rt.code)
	if err != nil {
		logging.Warn(ctx, "Draw history read failed", zap.String("room", rt.code), zap.Error(err))
	}
	if len(chat) == 0 && len(draw) == 0 {
		return
	}
	envelope := historyEnvelope{Type: "history", Chat: rawMessages(chat), Draw: rawMessages(draw)}
	e.deliver(ctx, sess, envelope)
}

func rawMessages(entries [][]byte) []json.RawMessage {
	out := make([]json.RawMessage, len(entries))
	for i, entry := range entries {
		out[i] = json.RawMessage(entry)
	}
	return out
}

// CleanupRooms lapses rooms that sat empty past the retention window and
// purges their shared-store keys.
func (e *Engine) CleanupRooms(ctx context.Context) {
	codes, err := e.gw.CleanupInactiveRooms(ctx, e.cfg.EmptyRoomDeleteMinutes)
	if err != nil {
		logging.Warn(ctx, "Stale room sweep failed", zap.Error(err))
		return
	}
	for _, code := range codes {
		if err := e.states.PurgeRoomKeys(ctx, code); err != nil {
			logging.Warn(ctx, "Room key purge failed", zap.String("room", code), zap.Error(err))
		}
		e.dropRuntime(code)
		logging.Info(ctx, "Removed stale room", zap.String("room", code))
	}
}
