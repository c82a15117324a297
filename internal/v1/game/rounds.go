package game

import (
	"context"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/sketchparty/server/internal/v1/logging"
	"github.com/sketchparty/server/internal/v1/metrics"
	"github.com/sketchparty/server/internal/v1/store"
)

var hintMarks = set.New(90, 60, 30)

// maybeStartGame kicks off the first round automatically once a second player
// arrives. Later rounds are driven by the round timer or an explicit start.
func (e *Engine) maybeStartGame(ctx context.Context, rt *roomRuntime, room *store.Room, sess Session) {
	snap := e.snapshot(ctx, rt)
	if snap.Status != StatusWaiting || snap.RoundIndex > 0 {
		return
	}
	ids, err := e.gw.ListActiveMemberIDs(ctx, room.Code)
	if err != nil {
		logging.Warn(ctx, "Member listing failed", zap.String("room", room.Code), zap.Error(err))
		return
	}
	if len(ids) >= 2 {
		e.startRound(ctx, rt, room, sess)
	}
}

// startGame handles an explicit start_game request. A no-op while a round is
// already running; after a finished game it starts over from the same scores.
func (e *Engine) startGame(ctx context.Context, sess Session, rt *roomRuntime, room *store.Room) {
	snap := e.snapshot(ctx, rt)
	if snap.Status == StatusRunning {
		return
	}
	e.startRound(ctx, rt, room, sess)
}

// startRound advances to the next round: rotates the drawer, samples a word,
// wipes the canvas and claims the round timer. requester, when non-nil, gets
// the not-enough-players error directly.
func (e *Engine) startRound(ctx context.Context, rt *roomRuntime, room *store.Room, requester Session) {
	var (
		needsPlayers bool
		finishNow    bool
		payload      *roundStartEnvelope
		secret       string
		timerOwner   bool
	)

	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		if st.Status == StatusRunning {
			return nil
		}

		ids, err := e.gw.ListActiveMemberIDs(ctx, room.Code)
		if err != nil {
			return err
		}
		if len(ids) < 2 {
			needsPlayers = true
			return nil
		}
		next := st.RoundIndex + 1
		if next > st.MaxRounds {
			finishNow = true
			return nil
		}

		st.Status = StatusRunning
		st.RoundIndex = next
		st.Word = e.pickWord()
		st.Guessed = set.New[int64]()
		st.RevealedIndices = set.New[int]()
		st.StartedAt = e.epoch()

		drawer := e.chooseDrawer(ids, st.LastDrawerID)
		st.DrawerID = drawer
		st.LastDrawerID = drawer

		if err := e.states.ClearDrawHistory(ctx, room.Code); err != nil {
			logging.Warn(ctx, "Draw history clear failed", zap.String("room", room.Code), zap.Error(err))
		}
		e.commitLocked(ctx, rt, st)

		timerOwner, err = e.states.ClaimTimerOwner(ctx, room.Code, e.ownerID, st.RoundIndex, st.StartedAt)
		if err != nil {
			logging.Warn(ctx, "Timer owner claim failed", zap.String("room", room.Code), zap.Error(err))
		}

		secret = st.Word
		payload = &roundStartEnvelope{
			Type:       "round_start",
			Round:      st.RoundIndex,
			MaxRounds:  st.MaxRounds,
			DrawerID:   drawer,
			MaskedWord: MaskWord(st.Word, st.RevealedIndices),
			Duration:   st.RoundSeconds,
			Scores:     serializeScores(st.Scores),
		}
		return nil
	})
	if err != nil {
		logging.Warn(ctx, "Round start skipped", zap.String("room", room.Code), zap.Error(err))
		return
	}

	if needsPlayers {
		if requester != nil {
			e.deliver(ctx, requester, errorEnvelope{Type: "error", Message: "Need at least 2 players to start."})
		}
		return
	}
	if finishNow {
		e.finishGame(ctx, rt, room)
		return
	}
	if payload == nil {
		return
	}

	group := RoomGroup(room.Code)
	if err := e.fabric.GroupSend(ctx, group, clearEnvelope{Type: "clear", User: clearUserRef{ID: payload.DrawerID}}); err != nil {
		logging.Warn(ctx, "Canvas reset broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
	if err := e.fabric.GroupSend(ctx, group, payload); err != nil {
		logging.Warn(ctx, "Round start broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
	if err := e.fabric.GroupSendUser(ctx, group, payload.DrawerID, roundSecretEnvelope{Type: "round_secret", Word: secret}); err != nil {
		logging.Warn(ctx, "Secret delivery failed", zap.String("room", room.Code), zap.Error(err))
	}
	metrics.RoundsStarted.Inc()

	rt.mu.Lock()
	if rt.roundCancel != nil {
		rt.roundCancel()
		rt.roundCancel = nil
	}
	if timerOwner {
		timerCtx, cancel := context.WithCancel(context.Background())
		rt.roundCancel = cancel
		go e.roundTimer(timerCtx, rt, room)
	}
	rt.mu.Unlock()
}

// roundTimer ticks the round down once per second, broadcasting the countdown,
// revealing hints at fixed marks and renewing the ownership claim. Only the
// owning instance runs it.
func (e *Engine) roundTimer(ctx context.Context, rt *roomRuntime, room *store.Room) {
	owns, err := e.states.IsTimerOwner(ctx, room.Code, e.ownerID)
	if err != nil || !owns {
		return
	}

	group := RoomGroup(room.Code)
	for {
		snap := e.snapshot(ctx, rt)
		if snap.Status != StatusRunning {
			return
		}
		owns, err := e.states.IsTimerOwner(ctx, room.Code, e.ownerID)
		if err != nil || !owns {
			return
		}

		secondsLeft := int(float64(snap.RoundSeconds) - (e.epoch() - snap.StartedAt))
		if secondsLeft < 0 {
			secondsLeft = 0
		}
		if err := e.fabric.GroupSend(ctx, group, timerEnvelope{Type: "timer", SecondsLeft: secondsLeft}); err != nil {
			logging.Warn(ctx, "Timer broadcast failed", zap.String("room", room.Code), zap.Error(err))
		}

		if hintMarks.Has(secondsLeft) && snap.Word != "" {
			e.revealHintLocked(ctx, rt, room)
		}

		if secondsLeft <= 0 {
			break
		}

		if err := e.states.RenewTimerOwner(ctx, room.Code, e.ownerID, secondsLeft); err != nil {
			logging.Warn(ctx, "Timer owner renewal failed", zap.String("room", room.Code), zap.Error(err))
		}
		if !e.sleep(ctx, time.Second) {
			return
		}
	}

	e.endRound(ctx, rt, room, "time")
}

// revealHintLocked uncovers one more letter under the room lock and
// broadcasts the updated mask.
func (e *Engine) revealHintLocked(ctx context.Context, rt *roomRuntime, room *store.Room) {
	var masked string
	revealed := false
	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		if st.Status != StatusRunning || st.Word == "" {
			return nil
		}
		e.revealHint(st)
		e.commitLocked(ctx, rt, st)
		masked = MaskWord(st.Word, st.RevealedIndices)
		revealed = true
		return nil
	})
	if err != nil || !revealed {
		return
	}
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), hintEnvelope{Type: "hint", MaskedWord: masked}); err != nil {
		logging.Warn(ctx, "Hint broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
}

// revealHint marks one random unrevealed, non-space position as visible.
func (e *Engine) revealHint(st *GameState) {
	if st.Word == "" {
		return
	}
	var candidates []int
	for idx, char := range []rune(st.Word) {
		if char != ' ' && !st.RevealedIndices.Has(idx) {
			candidates = append(candidates, idx)
		}
	}
	if len(candidates) == 0 {
		return
	}
	e.rngMu.Lock()
	pick := candidates[e.rng.Intn(len(candidates))]
	e.rngMu.Unlock()
	st.RevealedIndices.Insert(pick)
}

// endRound closes the current round, reveals the word, and after the break
// either starts the next round or finishes the game.
func (e *Engine) endRound(ctx context.Context, rt *roomRuntime, room *store.Room, reason string) {
	var (
		word         string
		scores       map[string]int
		currentRound int
		maxRounds    int
	)
	ended := false

	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		if st.Status != StatusRunning {
			return nil
		}
		st.Status = StatusWaiting
		word = st.Word
		scores = serializeScores(st.Scores)
		currentRound = st.RoundIndex
		maxRounds = st.MaxRounds
		st.Word = ""
		st.DrawerID = 0
		st.Guessed = set.New[int64]()
		st.RevealedIndices = set.New[int]()
		e.commitLocked(ctx, rt, st)
		if err := e.states.ReleaseTimerOwner(ctx, room.Code, e.ownerID); err != nil {
			logging.Warn(ctx, "Timer owner release failed", zap.String("room", room.Code), zap.Error(err))
		}
		ended = true
		return nil
	})
	if err != nil || !ended {
		return
	}

	envelope := roundEndEnvelope{
		Type:        "round_end",
		Word:        word,
		Scores:      scores,
		NextRoundIn: e.cfg.RoundBreakSeconds,
		Reason:      reason,
	}
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), envelope); err != nil {
		logging.Warn(ctx, "Round end broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
	e.storeSystemChat(ctx, room.Code, "Word was: "+word)

	if !e.sleep(ctx, e.cfg.RoundBreak()) {
		return
	}

	if currentRound < maxRounds {
		e.startRound(ctx, rt, room, nil)
	} else {
		e.finishGame(ctx, rt, room)
	}
}

// finishGame settles the final scoreboard and parks the room.
func (e *Engine) finishGame(ctx context.Context, rt *roomRuntime, room *store.Room) {
	var scores map[string]int
	err := e.states.WithLock(ctx, room.Code, func(ctx context.Context) error {
		st := e.loadLocked(ctx, rt)
		st.Status = StatusFinished
		st.Word = ""
		st.DrawerID = 0
		scores = serializeScores(st.Scores)
		e.commitLocked(ctx, rt, st)
		if err := e.states.ReleaseTimerOwner(ctx, room.Code, e.ownerID); err != nil {
			logging.Warn(ctx, "Timer owner release failed", zap.String("room", room.Code), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		logging.Warn(ctx, "Game finish skipped", zap.String("room", room.Code), zap.Error(err))
		return
	}
	if err := e.fabric.GroupSend(ctx, RoomGroup(room.Code), gameOverEnvelope{Type: "game_over", Scores: scores}); err != nil {
		logging.Warn(ctx, "Game over broadcast failed", zap.String("room", room.Code), zap.Error(err))
	}
}

func (e *Engine) pickWord() string {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return words[e.rng.Intn(len(words))]
}

// chooseDrawer rotates the drawer role, avoiding back-to-back turns whenever
// another player is available.
func (e *Engine) chooseDrawer(activeIDs []int64, lastDrawerID int64) int64 {
	if len(activeIDs) == 0 {
		return 0
	}
	if len(activeIDs) == 1 {
		return activeIDs[0]
	}
	choices := make([]int64, 0, len(activeIDs))
	for _, id := range activeIDs {
		if id != lastDrawerID {
			choices = append(choices, id)
		}
	}
	if len(choices) == 0 {
		choices = activeIDs
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return choices[e.rng.Intn(len(choices))]
}
