package ports

import "time"

type SessionMetrics interface {
	SessionJoined()
	SessionLeft()
	PeersConnected(count int)
	OfferSent()
	AnswerSent()
	GlareDropped()
	StaleAnswerDropped()
	IceApplyFailed()
	// OutboxDropped counts outgoing signaling messages discarded while the
	// relay was not keeping up.
	OutboxDropped(msgType string)
	GateTransition(open bool)
	JoinDuration(d time.Duration)
}

type RelayMetrics interface {
	MessageSent(msgType string)
	SendFailed(msgType string)
	MessageDelivered(msgType string)
	StaleDiscarded()
	DuplicateDropped()
	PublishLatency(d time.Duration)
}
