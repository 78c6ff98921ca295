package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageJoin             MessageType = "join"
	MessageOffer            MessageType = "offer"
	MessageAnswer           MessageType = "answer"
	MessageICEBatch         MessageType = "ice-batch"
	MessageScreenShareEnded MessageType = "screen-share-ended"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageJoin, MessageOffer, MessageAnswer, MessageICEBatch, MessageScreenShareEnded:
		return true
	}
	return false
}

// SignalMessage is one rendezvous record on the relay. An empty ToID
// addresses the whole session.
type SignalMessage struct {
	ID        string          `json:"id"`
	SessionID SessionID       `json:"session_id"`
	Type      MessageType     `json:"type"`
	FromID    ParticipantID   `json:"from_id"`
	FromName  string          `json:"from_name,omitempty"`
	ToID      ParticipantID   `json:"to_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type DescriptionPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidate has the same shape as the browser RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

type ICEBatchPayload struct {
	Candidates []ICECandidate `json:"candidates"`
}

func NewSignalMessage(msgType MessageType, to ParticipantID, payload interface{}) (*SignalMessage, error) {
	msg := &SignalMessage{Type: msgType, ToID: to}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

func (m *SignalMessage) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s message without payload", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func (m *SignalMessage) IsBroadcast() bool {
	return m.ToID == ""
}

// AddressedTo reports whether id should process the message.
func (m *SignalMessage) AddressedTo(id ParticipantID) bool {
	return m.ToID == "" || m.ToID == id
}

// Involves reports whether id sent or is the target of the message.
func (m *SignalMessage) Involves(id ParticipantID) bool {
	return m.FromID == id || m.ToID == id
}

func (m *SignalMessage) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

func (m *SignalMessage) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidMessage)
	}
	if m.FromID == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}
