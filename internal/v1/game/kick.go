package game

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/sketchparty/server/internal/v1/logging"
	"github.com/sketchparty/server/internal/v1/store"
)

// requiredVotes is the kick quorum: 80% of eligible voters, rounded up, at
// least one. The target never counts as eligible.
func requiredVotes(activeIDs []int64, targetID int64) int {
	eligible := 0
	for _, id := range activeIDs {
		if id != targetID {
			eligible++
		}
	}
	required := int(math.Ceil(float64(eligible) * 0.8))
	if required < 1 {
		required = 1
	}
	return required
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// handleKickRequest opens a kick vote against target. Only one vote may run
// at a time per room; the requester's own vote counts immediately.
func (e *Engine) handleKickRequest(ctx context.Context, sess Session, rt *roomRuntime, room *store.Room, targetID int64) {
	userID := sess.UserID()
	if targetID == userID {
		return
	}

	var votes, required int
	inProgress := false
	opened := false

	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		if len(st.KickVotes) > 0 {
			inProgress = true
			return nil
		}
		ids, err := e.gw.ListActiveMemberIDs(ctx, room.Code)
		if err != nil {
			return err
		}
		if !containsID(ids, targetID) {
			return nil
		}

		voters, ok := st.KickVotes[targetID]
		if !ok {
			voters = set.New[int64]()
			st.KickVotes[targetID] = voters
		}
		voters.Insert(userID)
		responses, ok := st.KickResponses[targetID]
		if !ok {
			responses = set.New[int64]()
			st.KickResponses[targetID] = responses
		}
		responses.Insert(userID)

		required = requiredVotes(ids, targetID)
		votes = voters.Len()
		opened = true
		e.commitLocked(ctx, rt, st)
		return nil
	})
	if err != nil {
		logging.Warn(ctx, "Kick request skipped", zap.String("room", room.Code), zap.Error(err))
		return
	}
	if inProgress {
		e.deliver(ctx, sess, errorEnvelope{Type: "error", Message: "Kick vote already in progress."})
		return
	}
	if !opened {
		return
	}

	envelope := kickRequestEnvelope{Type: "kick_request", TargetID: targetID, RequesterID: userID, Votes: votes, Required: required}
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), envelope); err != nil {
		logging.Warn(ctx, "Kick request broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
	e.storeSystemChat(ctx, room.Code, fmt.Sprintf("Kick vote started for player %d.", targetID))

	if votes >= required {
		e.kickUser(ctx, rt, room, targetID, "Voted out")
		return
	}

	rt.mu.Lock()
	if _, running := rt.kickCancels[targetID]; !running {
		timeoutCtx, cancel := context.WithCancel(context.Background())
		rt.kickCancels[targetID] = cancel
		go e.kickTimeout(timeoutCtx, rt, room, targetID)
	}
	rt.mu.Unlock()
}

// handleKickVote records one player's response to an open vote. Votes from
// the target, non-members or repeat responders are ignored.
func (e *Engine) handleKickVote(ctx context.Context, sess Session, rt *roomRuntime, room *store.Room, targetID int64, approve bool) {
	userID := sess.UserID()
	if targetID == userID {
		return
	}

	var votes, required, responded, eligibleCount int
	counted := false

	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		if _, open := st.KickVotes[targetID]; !open {
			return nil
		}
		ids, err := e.gw.ListActiveMemberIDs(ctx, room.Code)
		if err != nil {
			return err
		}
		eligible := set.New[int64]()
		for _, id := range ids {
			if id != targetID {
				eligible.Insert(id)
			}
		}
		if !eligible.Has(userID) {
			return nil
		}

		voters := st.KickVotes[targetID]
		responses, ok := st.KickResponses[targetID]
		if !ok {
			responses = set.New[int64]()
			st.KickResponses[targetID] = responses
		}
		if responses.Has(userID) {
			return nil
		}
		responses.Insert(userID)
		if approve {
			voters.Insert(userID)
		}

		st.KickVotes[targetID] = voters.Intersection(eligible)
		st.KickResponses[targetID] = responses.Intersection(eligible)

		required = requiredVotes(ids, targetID)
		votes = st.KickVotes[targetID].Len()
		responded = st.KickResponses[targetID].Len()
		eligibleCount = eligible.Len()
		counted = true
		e.commitLocked(ctx, rt, st)
		return nil
	})
	if err != nil {
		logging.Warn(ctx, "Kick vote skipped", zap.String("room", room.Code), zap.Error(err))
		return
	}
	if !counted {
		return
	}

	if votes >= required {
		e.kickUser(ctx, rt, room, targetID, "Voted out")
		return
	}

	envelope := kickUpdateEnvelope{Type: "kick_update", TargetID: targetID, Votes: votes, Required: required, Responded: responded, Eligible: eligibleCount}
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), envelope); err != nil {
		logging.Warn(ctx, "Kick update broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
}

// kickTimeout expires an unresolved vote after the voting window.
func (e *Engine) kickTimeout(ctx context.Context, rt *roomRuntime, room *store.Room, targetID int64) {
	if !e.sleep(ctx, e.cfg.KickVoteWindow()) {
		return
	}
	snap := e.snapshot(ctx, rt)
	if _, open := snap.KickVotes[targetID]; open {
		e.cancelKickVote(ctx, rt, room, targetID, "Vote expired")
	}
}

// cancelKickVote clears an open vote and tells the room why.
func (e *Engine) cancelKickVote(ctx context.Context, rt *roomRuntime, room *store.Room, targetID int64, reason string) {
	rt.mu.Lock()
	if cancel, ok := rt.kickCancels[targetID]; ok {
		cancel()
		delete(rt.kickCancels, targetID)
	}
	rt.mu.Unlock()

	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		delete(st.KickVotes, targetID)
		delete(st.KickResponses, targetID)
		e.commitLocked(ctx, rt, st)
		return nil
	})
	if err != nil {
		logging.Warn(ctx, "Kick cancel skipped", zap.String("room", room.Code), zap.Error(err))
		return
	}

	envelope := kickCancelEnvelope{Type: "kick_cancel", TargetID: targetID, Reason: reason}
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), envelope); err != nil {
		logging.Warn(ctx, "Kick cancel broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
}

// cleanupKickVotes reconciles an open vote after userID left the room: a vote
// against them is cancelled, otherwise their ballot is struck and the tally
// re-checked against the smaller electorate.
func (e *Engine) cleanupKickVotes(ctx context.Context, rt *roomRuntime, room *store.Room, userID int64) {
	var (
		cancelTarget  *int64
		targetID      int64
		votes         int
		required      int
		responded     int
		eligibleCount int
	)
	retallied := false

	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		if _, open := st.KickVotes[userID]; open {
			id := userID
			cancelTarget = &id
		}
		if len(st.KickVotes) == 0 {
			return nil
		}
		if cancelTarget == nil {
			for id := range st.KickVotes {
				targetID = id
				break
			}
			ids, err := e.gw.ListActiveMemberIDs(ctx, room.Code)
			if err != nil {
				return err
			}
			eligible := set.New[int64]()
			for _, id := range ids {
				if id != targetID {
					eligible.Insert(id)
				}
			}
			voters := st.KickVotes[targetID]
			responses, ok := st.KickResponses[targetID]
			if !ok {
				responses = set.New[int64]()
			}
			voters.Delete(userID)
			responses.Delete(userID)
			st.KickVotes[targetID] = voters.Intersection(eligible)
			st.KickResponses[targetID] = responses.Intersection(eligible)

			required = requiredVotes(ids, targetID)
			votes = st.KickVotes[targetID].Len()
			responded = st.KickResponses[targetID].Len()
			eligibleCount = eligible.Len()
			retallied = true
		}
		e.commitLocked(ctx, rt, st)
		return nil
	})
	if err != nil {
		logging.Warn(ctx, "Kick cleanup skipped", zap.String("room", room.Code), zap.Error(err))
		return
	}

	if cancelTarget != nil {
		e.cancelKickVote(ctx, rt, room, *cancelTarget, "Player left")
		return
	}
	if !retallied {
		return
	}

	if votes >= required {
		e.kickUser(ctx, rt, room, targetID, "Voted out")
		return
	}
	envelope := kickUpdateEnvelope{Type: "kick_update", TargetID: targetID, Votes: votes, Required: required, Responded: responded, Eligible: eligibleCount}
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), envelope); err != nil {
		logging.Warn(ctx, "Kick update broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
}

// kickUser removes target from the room: vote closed, everyone told, their
// sockets closed on every instance, membership lapsed immediately.
func (e *Engine) kickUser(ctx context.Context, rt *roomRuntime, room *store.Room, targetID int64, reason string) {
	e.cancelKickVote(ctx, rt, room, targetID, reason)

	message := fmt.Sprintf("Player %d was removed (%s).", targetID, reason)
	e.storeSystemChat(ctx, room.Code, message)

	group := RoomGroup(room.Code)
	if err := e.fabric.GroupSend(ctx, group, systemEnvelope{Type: "system", Message: message}); err != nil {
		logging.Warn(ctx, "Kick notice broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
	if err := e.fabric.GroupSendUser(ctx, group, targetID, kickedEnvelope{Type: "kicked", Reason: reason}); err != nil {
		logging.Warn(ctx, "Kick notice delivery failed", zap.String("room", room.Code), zap.Error(err))
	}

	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		return e.states.ResetConn(ctx, room.Code, targetID)
	})
	if err != nil {
		logging.Warn(ctx, "Kick bookkeeping skipped", zap.String("room", room.Code), zap.Error(err))
	}

	if err := e.fabric.GroupDisconnectUser(ctx, group, targetID, CloseLeft, reason); err != nil {
		logging.Warn(ctx, "Kick disconnect broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
	if err := e.gw.MarkMemberInactive(ctx, room.ID, targetID); err != nil {
		logging.Error(ctx, "Failed to lapse kicked membership", zap.Int64("user_id", targetID), zap.Error(err))
	}
	if _, err := e.gw.SyncEmptySince(ctx, room.ID); err != nil {
		logging.Warn(ctx, "Failed to sync empty marker", zap.String("room", room.Code), zap.Error(err))
	}
	e.CleanupRooms(ctx)
	e.broadcastPresence(ctx, room)
}
