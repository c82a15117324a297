package game

import (
	"encoding/json"
	"strconv"
	"strings"

	"k8s.io/utils/set"
)

// Game status values. Transitions: waiting -> running -> waiting ... -> finished.
const (
	StatusWaiting  = "waiting"
	StatusRunning  = "running"
	StatusFinished = "finished"
)

// GameState is the authoritative per-room game snapshot. The serialized copy
// in the shared store is the cross-instance source of truth; each process
// keeps a merged in-memory copy as its hot cache. Zero DrawerID / empty Word
// mean "none".
type GameState struct {
	Code            string
	Status          string
	RoundIndex      int
	MaxRounds       int
	RoundSeconds    int
	DrawerID        int64
	Word            string
	Scores          map[int64]int
	Guessed         set.Set[int64]
	RevealedIndices set.Set[int]
	StartedAt       float64
	LastDrawerID    int64
	KickVotes       map[int64]set.Set[int64]
	KickResponses   map[int64]set.Set[int64]
}

func newGameState(code string, maxRounds, roundSeconds int) *GameState {
	return &GameState{
		Code:            code,
		Status:          StatusWaiting,
		MaxRounds:       maxRounds,
		RoundSeconds:    roundSeconds,
		Scores:          make(map[int64]int),
		Guessed:         set.New[int64](),
		RevealedIndices: set.New[int](),
		KickVotes:       make(map[int64]set.Set[int64]),
		KickResponses:   make(map[int64]set.Set[int64]),
	}
}

// statePayload is the wire layout in the shared store. Sets serialize as
// sorted integer arrays; int-keyed maps carry stringified keys.
type statePayload struct {
	Status          string             `json:"status"`
	RoundIndex      int                `json:"round_index"`
	MaxRounds       int                `json:"max_rounds"`
	RoundSeconds    int                `json:"round_seconds"`
	DrawerID        *int64             `json:"drawer_id"`
	Word            *string            `json:"word"`
	Scores          map[string]int     `json:"scores"`
	Guessed         []int64            `json:"guessed"`
	RevealedIndices []int              `json:"revealed_indices"`
	StartedAt       float64            `json:"started_at"`
	LastDrawerID    *int64             `json:"last_drawer_id"`
	KickVotes       map[string][]int64 `json:"kick_votes"`
	KickResponses   map[string][]int64 `json:"kick_responses"`
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func optionalWord(word string) *string {
	if word == "" {
		return nil
	}
	return &word
}

func serializeScores(scores map[int64]int) map[string]int {
	out := make(map[string]int, len(scores))
	for id, score := range scores {
		out[strconv.FormatInt(id, 10)] = score
	}
	return out
}

func serializeVoteSets(votes map[int64]set.Set[int64]) map[string][]int64 {
	out := make(map[string][]int64, len(votes))
	for target, voters := range votes {
		out[strconv.FormatInt(target, 10)] = voters.SortedList()
	}
	return out
}

func parseVoteSets(raw map[string][]int64) map[int64]set.Set[int64] {
	out := make(map[int64]set.Set[int64], len(raw))
	for key, voters := range raw {
		target, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out[target] = set.New(voters...)
	}
	return out
}

// marshalPayload renders the state into its store layout.
func (s *GameState) marshalPayload() ([]byte, error) {
	payload := statePayload{
		Status:          s.Status,
		RoundIndex:      s.RoundIndex,
		MaxRounds:       s.MaxRounds,
		RoundSeconds:    s.RoundSeconds,
		DrawerID:        optionalID(s.DrawerID),
		Word:            optionalWord(s.Word),
		Scores:          serializeScores(s.Scores),
		Guessed:         s.Guessed.SortedList(),
		RevealedIndices: s.RevealedIndices.SortedList(),
		StartedAt:       s.StartedAt,
		LastDrawerID:    optionalID(s.LastDrawerID),
		KickVotes:       serializeVoteSets(s.KickVotes),
		KickResponses:   serializeVoteSets(s.KickResponses),
	}
	return json.Marshal(payload)
}

// applyPayload merges a serialized snapshot into the in-memory state.
func (s *GameState) applyPayload(data []byte) error {
	var payload statePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	s.Status = payload.Status
	if s.Status == "" {
		s.Status = StatusWaiting
	}
	s.RoundIndex = payload.RoundIndex
	if payload.MaxRounds > 0 {
		s.MaxRounds = payload.MaxRounds
	}
	if payload.RoundSeconds > 0 {
		s.RoundSeconds = payload.RoundSeconds
	}
	s.DrawerID = 0
	if payload.DrawerID != nil {
		s.DrawerID = *payload.DrawerID
	}
	s.Word = ""
	if payload.Word != nil {
		s.Word = *payload.Word
	}
	s.Scores = make(map[int64]int, len(payload.Scores))
	for key, score := range payload.Scores {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		s.Scores[id] = score
	}
	s.Guessed = set.New(payload.Guessed...)
	s.RevealedIndices = set.New(payload.RevealedIndices...)
	s.StartedAt = payload.StartedAt
	s.LastDrawerID = 0
	if payload.LastDrawerID != nil {
		s.LastDrawerID = *payload.LastDrawerID
	}
	s.KickVotes = parseVoteSets(payload.KickVotes)
	s.KickResponses = parseVoteSets(payload.KickResponses)
	return nil
}

// clone returns a deep copy safe to read outside the room lock.
func (s *GameState) clone() *GameState {
	out := *s
	out.Scores = make(map[int64]int, len(s.Scores))
	for id, score := range s.Scores {
		out.Scores[id] = score
	}
	out.Guessed = s.Guessed.Clone()
	out.RevealedIndices = s.RevealedIndices.Clone()
	out.KickVotes = make(map[int64]set.Set[int64], len(s.KickVotes))
	for target, voters := range s.KickVotes {
		out.KickVotes[target] = voters.Clone()
	}
	out.KickResponses = make(map[int64]set.Set[int64], len(s.KickResponses))
	for target, voters := range s.KickResponses {
		out.KickResponses[target] = voters.Clone()
	}
	return &out
}

// MaskWord renders the secret for guessers: spaces stay, revealed letters are
// uppercased, everything else becomes an underscore, all joined by single
// spaces.
func MaskWord(word string, revealed set.Set[int]) string {
	runes := []rune(word)
	letters := make([]string, len(runes))
	for idx, char := range runes {
		switch {
		case char == ' ':
			letters[idx] = " "
		case revealed.Has(idx):
			letters[idx] = strings.ToUpper(string(char))
		default:
			letters[idx] = "_"
		}
	}
	return strings.Join(letters, " ")
}
