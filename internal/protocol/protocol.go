// Package protocol defines the text wire format spoken over WebSocket
// frames: one command or response per frame. Simple responses are
// "TYPE" or "TYPE|payload"; match traffic uses JSON objects carrying a
// "type" discriminator.
package protocol

import (
	"encoding/json"
	"strings"
)

// Outbound message types.
const (
	TypeLoginSuccess      = "LOGIN_SUCCESS"
	TypeLoginFailed       = "LOGIN_FAILED"
	TypeRegisterSuccess   = "REGISTER_SUCCESS"
	TypeQueueJoined       = "QUEUE_JOINED"
	TypeQueueLeft         = "QUEUE_LEFT"
	TypeChallengeSent     = "CHALLENGE_SENT"
	TypeChallengeRequest  = "CHALLENGE_REQUEST"
	TypeChallengeAccepted = "CHALLENGE_ACCEPTED"
	TypeChallengeDeclined = "CHALLENGE_DECLINED"
	TypeChallengeExpired  = "CHALLENGE_EXPIRED"
	TypeChallengeFailed   = "CHALLENGE_FAILED"
	TypeForfeitAck        = "FORFEIT_ACK"
	TypePlayerListUpdate  = "PLAYER_LIST_UPDATE"
	TypeMatchStartInfo    = "MATCH_START_INFO"
	TypeNewRound          = "NEW_ROUND"
	TypeAnswerResult      = "ANSWER_RESULT"
	TypeRoundResult       = "ROUND_RESULT"
	TypeGameOver          = "GAME_OVER"
	TypePong              = "PONG"
	TypeDisconnect        = "DISCONNECT"
	TypeInfo              = "INFO"
	TypeError             = "ERROR"
)

// Rejection reasons carried in ANSWER_RESULT.
const (
	ReasonTooEarly          = "too_early"
	ReasonNoActiveRound     = "no_active_round"
	ReasonMatchFinished     = "match_finished"
	ReasonInvalidExpression = "invalid_expression"
	ReasonInternalError     = "internal_error"
)

// Command is a parsed inbound line. Name is uppercased; Args keeps the
// original casing of everything after the command word.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits an inbound frame into a command name and at most
// two argument tokens; the second argument absorbs the rest of the line
// so expressions with spaces survive intact.
func ParseCommand(line string) (Command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, false
	}
	parts := strings.SplitN(line, " ", 3)
	cmd := Command{Name: strings.ToUpper(parts[0])}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p != "" {
			cmd.Args = append(cmd.Args, p)
		}
	}
	return cmd, true
}

// Rest joins all arguments back into one string, for commands whose
// single argument may contain spaces (SUBMIT_ANSWER 3 + 4).
func (c Command) Rest() string {
	return strings.Join(c.Args, " ")
}

// Simple encodes a "TYPE" or "TYPE|payload" response line.
func Simple(msgType, payload string) []byte {
	if payload == "" {
		return []byte(msgType)
	}
	return []byte(msgType + "|" + payload)
}

// MatchStartInfo announces (or re-announces) the scheduled match start.
type MatchStartInfo struct {
	Type               string `json:"type"`
	Seed               int64  `json:"seed"`
	StartTime          int64  `json:"start_time"`
	ServerTime         int64  `json:"server_time"`
	CountdownMs        int64  `json:"countdown_ms"`
	QuestionCount      int    `json:"question_count"`
	PerQuestionSeconds int64  `json:"per_question_seconds"`
}

// NewRound carries one round's puzzle. Answers are not accepted until
// ServerRoundStart has passed on the server clock.
type NewRound struct {
	Type             string `json:"type"`
	Round            int    `json:"round"`
	Difficulty       int    `json:"difficulty"`
	Target           int    `json:"target"`
	Operands         []int  `json:"operands"`
	TimeSeconds      int64  `json:"time"`
	Seed             int64  `json:"seed"`
	RoundSeed        int64  `json:"round_seed"`
	RoundIndex       int    `json:"round_index"`
	ServerRoundStart int64  `json:"server_round_start"`
}

// AnswerResult replies to a single SUBMIT_ANSWER.
type AnswerResult struct {
	Type       string `json:"type"`
	Accepted   bool   `json:"accepted"`
	Correct    *bool  `json:"correct,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	ServerTime int64  `json:"server_time,omitempty"`
}

// PlayerRoundSummary is one player's line in a ROUND_RESULT.
type PlayerRoundSummary struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Correct         bool   `json:"correct"`
	RoundPlayTimeMs int64  `json:"round_play_time_ms"`
	TotalScore      int    `json:"total_score"`
	TotalPlayTimeMs int64  `json:"total_play_time_ms"`
}

// RoundResult is broadcast after every round closes.
type RoundResult struct {
	Type            string               `json:"type"`
	RoundIndex      int                  `json:"round_index"`
	RoundNumber     int                  `json:"round_number"`
	RoundWinner     string               `json:"round_winner,omitempty"`
	Players         []PlayerRoundSummary `json:"players"`
	Scores          map[string]int       `json:"scores"`
	TotalPlayTimeMs map[string]int64     `json:"total_play_time_ms"`
}

// RoundEntry is one per-player per-round history record.
type RoundEntry struct {
	RoundIndex      int   `json:"round_index"`
	Correct         bool  `json:"correct"`
	RoundPlayTimeMs int64 `json:"round_play_time_ms"`
	Timestamp       int64 `json:"timestamp"`
}

// GameOver is the final match summary, sent exactly once per player.
type GameOver struct {
	Type            string                  `json:"type"`
	Scores          map[string]int          `json:"scores"`
	TotalPlayTimeMs map[string]int64        `json:"total_play_time_ms"`
	Winner          string                  `json:"winner,omitempty"`
	RoundHistory    map[string][]RoundEntry `json:"round_history"`
	RevealedTargets []int                   `json:"revealed_targets"`
}

// Encode marshals a structured message. Marshalling of our own structs
// cannot fail, so errors fall back to a plain ERROR line.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return Simple(TypeError, "encoding failure")
	}
	return data
}
