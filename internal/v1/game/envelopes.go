package game

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/sketchparty/server/internal/v1/store"
)

// Inbound message types accepted from clients.
const (
	msgDraw        = "draw"
	msgChat        = "chat"
	msgClear       = "clear"
	msgStartGame   = "start_game"
	msgKickRequest = "kick_request"
	msgKickVote    = "kick_vote"
	msgLeave       = "leave"
	msgPing        = "ping"
)

// Inbound is the client frame. Fields beyond Type are populated per message
// type; unknown types are dropped.
type Inbound struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	TargetID json.RawMessage `json:"target_id,omitempty"`
	Approve  *bool           `json:"approve,omitempty"`
}

// Target parses the kick target id, tolerating both numeric and quoted forms.
func (in *Inbound) Target() (int64, bool) {
	raw := strings.Trim(strings.TrimSpace(string(in.TargetID)), `"`)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

type presenceEnvelope struct {
	Type    string             `json:"type"`
	Members []store.PublicUser `json:"members"`
}

type gameStateEnvelope struct {
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Round       int            `json:"round"`
	MaxRounds   int            `json:"max_rounds"`
	DrawerID    int64          `json:"drawer_id,omitempty"`
	MaskedWord  string         `json:"masked_word,omitempty"`
	SecondsLeft *int           `json:"seconds_left,omitempty"`
	Scores      map[string]int `json:"scores"`
}

type roundSecretEnvelope struct {
	Type string `json:"type"`
	Word string `json:"word"`
}

type historyEnvelope struct {
	Type string            `json:"type"`
	Chat []json.RawMessage `json:"chat"`
	Draw []json.RawMessage `json:"draw"`
}

type chatEnvelope struct {
	Type     string            `json:"type"`
	Message  string            `json:"message"`
	User     *store.PublicUser `json:"user,omitempty"`
	System   bool              `json:"system"`
	ClientID string            `json:"client_id,omitempty"`
}

// storedChat is the chat history entry shape; the id keeps replayed lines
// deduplicatable on the client.
type storedChat struct {
	ID       string            `json:"id"`
	Message  string            `json:"message"`
	User     *store.PublicUser `json:"user,omitempty"`
	System   bool              `json:"system"`
	ClientID string            `json:"client_id,omitempty"`
}

type chatBlockedEnvelope struct {
	Type     string `json:"type"`
	Reason   string `json:"reason"`
	ClientID string `json:"client_id,omitempty"`
}

type chatCooldownEnvelope struct {
	Type     string `json:"type"`
	Seconds  int    `json:"seconds"`
	ClientID string `json:"client_id,omitempty"`
}

type drawEnvelope struct {
	Type    string           `json:"type"`
	Payload json.RawMessage  `json:"payload"`
	User    store.PublicUser `json:"user"`
}

// clearEnvelope carries either the full drawer identity or, on round start,
// just their id.
type clearEnvelope struct {
	Type string `json:"type"`
	User any    `json:"user"`
}

type clearUserRef struct {
	ID int64 `json:"id"`
}

type roundStartEnvelope struct {
	Type       string         `json:"type"`
	Round      int            `json:"round"`
	MaxRounds  int            `json:"max_rounds"`
	DrawerID   int64          `json:"drawer_id"`
	MaskedWord string         `json:"masked_word"`
	Duration   int            `json:"duration"`
	Scores     map[string]int `json:"scores"`
}

type roundEndEnvelope struct {
	Type        string         `json:"type"`
	Word        string         `json:"word"`
	Scores      map[string]int `json:"scores"`
	NextRoundIn int            `json:"next_round_in"`
	Reason      string         `json:"reason"`
}

type gameOverEnvelope struct {
	Type   string         `json:"type"`
	Scores map[string]int `json:"scores"`
}

type roundPausedEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type timerEnvelope struct {
	Type        string `json:"type"`
	SecondsLeft int    `json:"seconds_left"`
}

type hintEnvelope struct {
	Type       string `json:"type"`
	MaskedWord string `json:"masked_word"`
}

type guessCorrectEnvelope struct {
	Type   string           `json:"type"`
	User   store.PublicUser `json:"user"`
	Points int              `json:"points"`
	Scores map[string]int   `json:"scores"`
}

type kickRequestEnvelope struct {
	Type        string `json:"type"`
	TargetID    int64  `json:"target_id"`
	RequesterID int64  `json:"requester_id"`
	Votes       int    `json:"votes"`
	Required    int    `json:"required"`
}

type kickUpdateEnvelope struct {
	Type      string `json:"type"`
	TargetID  int64  `json:"target_id"`
	Votes     int    `json:"votes"`
	Required  int    `json:"required"`
	Responded int    `json:"responded"`
	Eligible  int    `json:"eligible"`
}

type kickCancelEnvelope struct {
	Type     string `json:"type"`
	TargetID int64  `json:"target_id"`
	Reason   string `json:"reason"`
}

type kickedEnvelope struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type systemEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongEnvelope struct {
	Type string `json:"type"`
}

// RoomsListEnvelope is the lobby snapshot frame. The transport lobby handler
// sends it directly on connect.
type RoomsListEnvelope struct {
	Type  string              `json:"type"`
	Rooms []store.RoomSummary `json:"rooms"`
}

// NewRoomsList builds a lobby snapshot frame.
func NewRoomsList(rooms []store.RoomSummary) RoomsListEnvelope {
	if rooms == nil {
		rooms = []store.RoomSummary{}
	}
	return RoomsListEnvelope{Type: "rooms_list", Rooms: rooms}
}
