package signal

import "meshvoice/internal/core/domain"

// Op names a relay wire operation. Every request carries a ref that the
// server echoes in its ack or error; pushed messages carry the ref of the
// subscription they belong to.
type Op string

const (
	OpPublish     Op = "publish"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpDelete      Op = "delete"
	OpPurge       Op = "purge"

	OpAck     Op = "ack"
	OpError   Op = "error"
	OpMessage Op = "message"
)

type Frame struct {
	Op            Op                    `json:"op"`
	Ref           string                `json:"ref,omitempty"`
	SessionID     domain.SessionID      `json:"session_id,omitempty"`
	ParticipantID domain.ParticipantID  `json:"participant_id,omitempty"`
	MessageID     string                `json:"message_id,omitempty"`
	Message       *domain.SignalMessage `json:"message,omitempty"`
	Count         int                   `json:"count,omitempty"`
	Error         string                `json:"error,omitempty"`
}

func ack(ref string) *Frame {
	return &Frame{Op: OpAck, Ref: ref}
}

func errorFrame(ref string, err error) *Frame {
	return &Frame{Op: OpError, Ref: ref, Error: err.Error()}
}
