package domain

type NegotiationState int

const (
	NegotiationStable NegotiationState = iota
	NegotiationMakingOffer
	NegotiationAwaitingAnswer
	NegotiationHaveRemoteOffer
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationStable:
		return "stable"
	case NegotiationMakingOffer:
		return "making-offer"
	case NegotiationAwaitingAnswer:
		return "awaiting-answer"
	case NegotiationHaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "unknown"
	}
}

type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// Terminal reports whether the link is gone for good. A disconnected link
// counts as departed.
func (s LinkState) Terminal() bool {
	return s == LinkFailed || s == LinkDisconnected || s == LinkClosed
}

// Replaceable reports whether a fresh join from the same participant should
// get a new link instead of being ignored.
func (s LinkState) Replaceable() bool {
	return s == LinkFailed || s == LinkClosed
}
