package realtime

import (
	"encoding/json"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
)

type MessageType string

const (
	// client -> server
	MessageTypeWatchBattle MessageType = "watchBattle"
	MessageTypeWatchTicket MessageType = "watchTicket"
	MessageTypeHeartbeat   MessageType = "heartbeat"
	MessageTypeMashTap     MessageType = "mashTap"

	// server -> client
	MessageTypeBattle   MessageType = "battle"
	MessageTypeTicket   MessageType = "ticket"
	MessageTypeMashTaps MessageType = "mashTaps"
	MessageTypeError    MessageType = "error"
)

// Message is the envelope for every frame on the feed socket. Body holds the
// type-specific payload and stays raw until the type is known.
type Message struct {
	Type MessageType     `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

func NewMessage(t MessageType, body interface{}) (*Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Body: raw}, nil
}

type WatchBattleBody struct {
	BattleID battle.BattleID `json:"battleId"`
}

type WatchTicketBody struct {
	PoolID string `json:"poolId"`
}

type HeartbeatBody struct {
	BattleID battle.BattleID `json:"battleId"`
}

type MashTapBody struct {
	BattleID battle.BattleID `json:"battleId"`
	MashID   string          `json:"mashId"`
	Taps     int             `json:"taps"`
}

// MashTapsBody carries the advisory tap counters for the active mash. Counts
// here drive the opposing meter on screen and decide nothing.
type MashTapsBody struct {
	BattleID battle.BattleID `json:"battleId"`
	MashID   string          `json:"mashId"`
	Taps     map[string]int  `json:"taps"`
}

type ErrorBody struct {
	Reason string `json:"reason"`
}
