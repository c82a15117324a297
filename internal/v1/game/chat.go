package game

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sketchparty/server/internal/v1/logging"
	"github.com/sketchparty/server/internal/v1/metrics"
	"github.com/sketchparty/server/internal/v1/store"
)

// handleChatGuess classifies a chat line: the drawer is muted, rate limits
// apply, an exact match on the secret scores, anything else is plain chat.
func (e *Engine) handleChatGuess(ctx context.Context, sess Session, rt *roomRuntime, room *store.Room, message, clientID string) {
	userID := sess.UserID()
	snap := e.snapshot(ctx, rt)

	if snap.Status == StatusRunning && snap.DrawerID == userID {
		e.deliver(ctx, sess, chatBlockedEnvelope{Type: "chat_blocked", Reason: "Chat disabled while drawing.", ClientID: clientID})
		return
	}

	allowed, cooldown := e.checkChatAllowed(rt, userID)
	if !allowed {
		e.deliver(ctx, sess, chatCooldownEnvelope{Type: "chat_cooldown", Seconds: cooldown, ClientID: clientID})
		return
	}

	normalized := strings.ToLower(message)
	isCandidate := snap.Status == StatusRunning &&
		snap.Word != "" &&
		userID != snap.DrawerID &&
		!snap.Guessed.Has(userID) &&
		normalized == strings.ToLower(snap.Word)

	user := e.identity(ctx, rt, sess)

	if isCandidate {
		var (
			points int
			scores map[string]int
		)
		confirmed := false
		endAllGuessed := false

		err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
			st := e.loadLocked(ctx, rt)
			stillCandidate := st.Status == StatusRunning &&
				st.Word != "" &&
				userID != st.DrawerID &&
				!st.Guessed.Has(userID) &&
				normalized == strings.ToLower(st.Word)
			if !stillCandidate {
				return nil
			}

			points = 100 - 10*st.Guessed.Len()
			if points < 20 {
				points = 20
			}
			st.Guessed.Insert(userID)
			st.Scores[userID] += points
			if st.DrawerID != 0 {
				st.Scores[st.DrawerID] += 10
			}
			e.commitLocked(ctx, rt, st)

			ids, err := e.gw.ListActiveMemberIDs(ctx, room.Code)
			if err != nil {
				return err
			}
			needed := len(ids) - 1
			if needed < 0 {
				needed = 0
			}
			endAllGuessed = st.Guessed.Len() >= needed
			scores = serializeScores(st.Scores)
			confirmed = true
			return nil
		})
		if err != nil {
			logging.Warn(ctx, "Guess settlement skipped", zap.String("room", room.Code), zap.Error(err))
			return
		}
		if !confirmed {
			return
		}

		metrics.CorrectGuesses.Inc()
		systemMessage := fmt.Sprintf("[Correct] %s guessed correctly (+%d)", user.Name, points)
		group := RoomGroup(room.Code)
		if err := e.fabric.GroupSend(ctx, group, guessCorrectEnvelope{Type: "guess_correct", User: user, Points: points, Scores: scores}); err != nil {
			logging.Warn(ctx, "Guess broadcast failed", zap.String("room", room.Code), zap.Error(err))
		}
		if err := e.fabric.GroupSend(ctx, group, chatEnvelope{Type: "chat", Message: systemMessage, System: true}); err != nil {
			logging.Warn(ctx, "Guess chat broadcast failed", zap.String("room", room.Code), zap.Error(err))
		}
		e.storeSystemChat(ctx, room.Code, systemMessage)

		if endAllGuessed {
			e.endRound(ctx, rt, room, "all_guessed")
		}
		return
	}

	envelope := chatEnvelope{Type: "chat", Message: message, User: &user, System: false, ClientID: clientID}
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), envelope); err != nil {
		logging.Warn(ctx, "Chat broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
	e.storeChat(ctx, room.Code, storedChat{
		ID:       e.historyID(),
		Message:  message,
		User:     &user,
		System:   false,
		ClientID: clientID,
	})
}

// checkChatAllowed enforces the sliding-window burst limit with an escalating
// cooldown: each violation adds two seconds up to the cap, each clean message
// works one second back off.
func (e *Engine) checkChatAllowed(rt *roomRuntime, userID int64) (bool, int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := e.now()
	if until, ok := rt.chatCooldowns[userID]; ok && now.Before(until) {
		remaining := int(until.Sub(now).Seconds())
		if remaining < 1 {
			remaining = 1
		}
		return false, remaining
	}

	window := time.Duration(e.cfg.ChatWindowSeconds) * time.Second
	history := rt.chatTimes[userID]
	kept := history[:0]
	for _, at := range history {
		if now.Sub(at) <= window {
			kept = append(kept, at)
		}
	}

	if len(kept) >= e.cfg.ChatMaxBurst {
		rt.chatTimes[userID] = kept
		penalty := rt.chatPenalties[userID] + 2
		if penalty > e.cfg.MaxChatCooldown {
			penalty = e.cfg.MaxChatCooldown
		}
		rt.chatPenalties[userID] = penalty
		rt.chatCooldowns[userID] = now.Add(time.Duration(penalty) * time.Second)
		return false, penalty
	}

	rt.chatTimes[userID] = append(kept, now)
	if p := rt.chatPenalties[userID]; p > 0 {
		rt.chatPenalties[userID] = p - 1
	}
	return true, 0
}

func (e *Engine) storeChat(ctx context.Context, code string, entry storedChat) {
	data, err := json.Marshal(entry)
	if err != nil {
		logging.Error(ctx, "Failed to marshal chat entry", zap.Error(err))
		return
	}
	if err := e.states.AppendChat(ctx, code, data); err != nil {
		logging.Warn(ctx, "Chat history append failed", zap.String("room", code), zap.Error(err))
	}
}

func (e *Engine) storeSystemChat(ctx context.Context, code, message string) {
	e.storeChat(ctx, code, storedChat{ID: e.historyID(), Message: message, System: true})
}
