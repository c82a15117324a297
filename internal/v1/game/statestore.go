package game

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sketchparty/server/internal/v1/config"
	"github.com/sketchparty/server/internal/v1/kv"
	"github.com/sketchparty/server/internal/v1/logging"
)

func stateKey(code string) string      { return "room:" + code + ":game_state" }
func lockKey(code string) string       { return "room:" + code + ":lock" }
func timerOwnerKey(code string) string { return "room:" + code + ":timer_owner" }
func chatKey(code string) string       { return "room:" + code + ":chat" }
func drawKey(code string) string       { return "room:" + code + ":draw" }
func connKey(code string, userID int64) string {
	return fmt.Sprintf("room:%s:connections:%d", code, userID)
}

// timerOwnerRecord identifies which process owns a room's round timer, and for
// which round instance. A claim for a different (round, start) pair supersedes
// a stale one instead of waiting for its TTL.
type timerOwnerRecord struct {
	Channel    string  `json:"channel"`
	RoundIndex int     `json:"round_index"`
	StartedAt  float64 `json:"started_at"`
}

// StateStore persists per-room game state, histories and coordination keys in
// the shared store. Room mutations run under a two-level lock: a per-code
// in-process mutex, then the distributed room lock.
type StateStore struct {
	kv  *kv.Store
	cfg *config.Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStateStore builds a state store over the shared kv store.
func NewStateStore(store *kv.Store, cfg *config.Config) *StateStore {
	return &StateStore{
		kv:    store,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

func (ss *StateStore) localLock(code string) *sync.Mutex {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	m, ok := ss.locks[code]
	if !ok {
		m = &sync.Mutex{}
		ss.locks[code] = m
	}
	return m
}

// WithLock runs fn while holding both the local and the distributed room lock.
// A contended distributed lock aborts with kv.ErrLockUnavailable; the caller
// drops the operation rather than act on stale state.
func (ss *StateStore) WithLock(ctx context.Context, code string, fn func(ctx context.Context) error) error {
	local := ss.localLock(code)
	local.Lock()
	defer local.Unlock()

	timeout := time.Duration(ss.cfg.RedisLockTimeoutSecs) * time.Second
	wait := time.Duration(ss.cfg.RedisLockWaitSecs) * time.Second
	handle, err := ss.kv.Lock(ctx, lockKey(code), uuid.NewString(), timeout, wait)
	if err != nil {
		return err
	}
	defer ss.kv.Unlock(ctx, handle)

	return fn(ctx)
}

// Load hydrates state from the shared store. Returns false when no serialized
// snapshot exists yet.
func (ss *StateStore) Load(ctx context.Context, code string, state *GameState) (bool, error) {
	data, err := ss.kv.Get(ctx, stateKey(code))
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := state.applyPayload(data); err != nil {
		logging.Warn(ctx, "Discarding corrupt room state snapshot", zap.String("room", code), zap.Error(err))
		return false, nil
	}
	return true, nil
}

// Save writes the authoritative snapshot back with its idle TTL.
func (ss *StateStore) Save(ctx context.Context, code string, state *GameState) error {
	data, err := state.marshalPayload()
	if err != nil {
		return fmt.Errorf("marshal room state: %w", err)
	}
	return ss.kv.Set(ctx, stateKey(code), data, time.Duration(ss.cfg.RoomStateTTLSeconds)*time.Second)
}

// timerOwnerTTL covers one renewal interval plus scheduling slack.
func (ss *StateStore) timerOwnerTTL() time.Duration {
	return time.Duration(max(10, ss.cfg.TimerOwnerGraceSeconds+2)) * time.Second
}

// ClaimTimerOwner tries to become the timer owner for one round instance.
// The claim is first-writer-wins per (round, start); an existing record for a
// different round instance is stale and gets overwritten.
func (ss *StateStore) ClaimTimerOwner(ctx context.Context, code, ownerID string, roundIndex int, startedAt float64) (bool, error) {
	record, err := json.Marshal(timerOwnerRecord{Channel: ownerID, RoundIndex: roundIndex, StartedAt: startedAt})
	if err != nil {
		return false, fmt.Errorf("marshal timer owner: %w", err)
	}

	ok, err := ss.kv.SetNX(ctx, timerOwnerKey(code), record, ss.timerOwnerTTL())
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	existing, err := ss.kv.Get(ctx, timerOwnerKey(code))
	if err != nil {
		return false, err
	}
	var current timerOwnerRecord
	if existing == nil || json.Unmarshal(existing, &current) != nil {
		return false, nil
	}
	if current.RoundIndex != roundIndex || current.StartedAt != startedAt {
		if err := ss.kv.Set(ctx, timerOwnerKey(code), record, ss.timerOwnerTTL()); err != nil {
			return false, err
		}
		return true, nil
	}
	return current.Channel == ownerID, nil
}

// RenewTimerOwner extends the owner record while the round still runs. The TTL
// spans the remaining round time so a crashed owner frees the claim shortly
// after the round would have ended.
func (ss *StateStore) RenewTimerOwner(ctx context.Context, code, ownerID string, secondsLeft int) error {
	owns, err := ss.IsTimerOwner(ctx, code, ownerID)
	if err != nil || !owns {
		return err
	}
	ttl := time.Duration(max(10, secondsLeft+ss.cfg.TimerOwnerGraceSeconds)) * time.Second
	return ss.kv.Expire(ctx, timerOwnerKey(code), ttl)
}

// IsTimerOwner reports whether ownerID currently holds the timer claim. In
// single-instance mode there is nobody to contend with, so the claim holds.
func (ss *StateStore) IsTimerOwner(ctx context.Context, code, ownerID string) (bool, error) {
	if ss.kv.Degraded() {
		return true, nil
	}
	existing, err := ss.kv.Get(ctx, timerOwnerKey(code))
	if err != nil || existing == nil {
		return false, err
	}
	var current timerOwnerRecord
	if json.Unmarshal(existing, &current) != nil {
		return false, nil
	}
	return current.Channel == ownerID, nil
}

// ReleaseTimerOwner drops the claim if ownerID still holds it.
func (ss *StateStore) ReleaseTimerOwner(ctx context.Context, code, ownerID string) error {
	owns, err := ss.IsTimerOwner(ctx, code, ownerID)
	if err != nil || !owns {
		return err
	}
	_, err = ss.kv.Delete(ctx, timerOwnerKey(code))
	return err
}

// IncrConn counts one more live socket for (room, user) across all instances.
func (ss *StateStore) IncrConn(ctx context.Context, code string, userID int64) (int64, error) {
	n, err := ss.kv.Incr(ctx, connKey(code, userID))
	if err != nil {
		return 0, err
	}
	ttl := 4 * time.Duration(ss.cfg.DisconnectGraceSeconds) * time.Second
	if err := ss.kv.Expire(ctx, connKey(code, userID), ttl); err != nil {
		return n, err
	}
	return n, nil
}

// DecrConn counts one socket gone. Negative drift from missed increments
// clamps to zero and clears the key.
func (ss *StateStore) DecrConn(ctx context.Context, code string, userID int64) (int64, error) {
	n, err := ss.kv.Decr(ctx, connKey(code, userID))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		if _, err := ss.kv.Delete(ctx, connKey(code, userID)); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return n, nil
}

// ConnCount reads the cross-instance socket count for (room, user).
func (ss *StateStore) ConnCount(ctx context.Context, code string, userID int64) (int64, error) {
	raw, err := ss.kv.Get(ctx, connKey(code, userID))
	if err != nil || raw == nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// ResetConn clears the connection counter for (room, user).
func (ss *StateStore) ResetConn(ctx context.Context, code string, userID int64) error {
	_, err := ss.kv.Delete(ctx, connKey(code, userID))
	return err
}

func (ss *StateStore) appendHistory(ctx context.Context, key string, entry []byte, limit int) error {
	if err := ss.kv.ListPush(ctx, key, entry); err != nil {
		return err
	}
	if err := ss.kv.ListTrimToTail(ctx, key, limit); err != nil {
		return err
	}
	return ss.kv.Expire(ctx, key, time.Duration(ss.cfg.RoomHistoryTTLSeconds)*time.Second)
}

// AppendChat records a chat envelope in the room's bounded replay history.
func (ss *StateStore) AppendChat(ctx context.Context, code string, entry []byte) error {
	return ss.appendHistory(ctx, chatKey(code), entry, ss.cfg.ChatHistoryLimit)
}

// ChatHistory returns the room's chat replay, oldest first.
func (ss *StateStore) ChatHistory(ctx context.Context, code string) ([][]byte, error) {
	return ss.kv.ListRange(ctx, chatKey(code))
}

// AppendDraw records a drawing envelope in the room's bounded replay history.
func (ss *StateStore) AppendDraw(ctx context.Context, code string, entry []byte) error {
	return ss.appendHistory(ctx, drawKey(code), entry, ss.cfg.DrawHistoryLimit)
}

// DrawHistory returns the room's canvas replay, oldest first.
func (ss *StateStore) DrawHistory(ctx context.Context, code string) ([][]byte, error) {
	return ss.kv.ListRange(ctx, drawKey(code))
}

// ClearDrawHistory wipes the canvas replay, used when a round starts.
func (ss *StateStore) ClearDrawHistory(ctx context.Context, code string) error {
	_, err := ss.kv.Delete(ctx, drawKey(code))
	return err
}

// PurgeRoomKeys removes every key belonging to a room once it is torn down.
func (ss *StateStore) PurgeRoomKeys(ctx context.Context, code string) error {
	keys, err := ss.kv.ScanMatch(ctx, "room:"+code+":*")
	if err != nil {
		return err
	}
	if _, err := ss.kv.Delete(ctx, keys...); err != nil {
		return err
	}
	ss.mu.Lock()
	delete(ss.locks, code)
	ss.mu.Unlock()
	return nil
}
