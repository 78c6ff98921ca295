package services

import (
	"context"
	"fmt"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	apperrors "meshvoice/pkg/errors"
	"meshvoice/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Signaler hands an outgoing message for one peer to the relay. It must not
// block on the network.
type Signaler func(msgType domain.MessageType, payload interface{})

// PeerNegotiator runs Perfect Negotiation with one remote participant. The
// participant with the smaller id is polite: on glare it rolls back its own
// offer, the impolite side ignores the incoming one. Not safe for concurrent
// use; the session loop owns it.
type PeerNegotiator struct {
	localID  domain.ParticipantID
	remoteID domain.ParticipantID
	polite   bool
	link     ports.PeerLink
	signal   Signaler
	metrics  ports.SessionMetrics
	logger   *zap.SugaredLogger

	makingOffer          bool
	ignoreOffer          bool
	remoteDescriptionSet bool
	negotiationNeeded    bool
	iceBuffer            []webrtc.ICECandidateInit
}

func NewPeerNegotiator(localID, remoteID domain.ParticipantID, link ports.PeerLink, signal Signaler, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *PeerNegotiator {
	return &PeerNegotiator{
		localID:  localID,
		remoteID: remoteID,
		polite:   localID.PoliteTo(remoteID),
		link:     link,
		signal:   signal,
		metrics:  sessionMetricsOrNoop(metrics),
		logger:   logger.With("peer_id", remoteID),
	}
}

func (n *PeerNegotiator) Polite() bool {
	return n.polite
}

func (n *PeerNegotiator) State() domain.NegotiationState {
	if n.makingOffer {
		return domain.NegotiationMakingOffer
	}
	switch n.link.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer:
		return domain.NegotiationAwaitingAnswer
	case webrtc.SignalingStateHaveRemoteOffer:
		return domain.NegotiationHaveRemoteOffer
	default:
		return domain.NegotiationStable
	}
}

func (n *PeerNegotiator) RemoteDescriptionSet() bool {
	return n.remoteDescriptionSet
}

func (n *PeerNegotiator) PendingCandidates() int {
	return len(n.iceBuffer)
}

// Negotiate sends a fresh offer. Calls while an offer is being made are
// coalesced; calls outside the stable state are deferred until the current
// exchange completes.
func (n *PeerNegotiator) Negotiate(ctx context.Context) error {
	if n.makingOffer {
		return nil
	}
	if n.link.SignalingState() != webrtc.SignalingStateStable {
		n.negotiationNeeded = true
		return nil
	}

	ctx, span := tracing.TraceNegotiation(ctx, "offer", string(n.remoteID), n.polite)
	defer span.End()

	n.makingOffer = true
	defer func() { n.makingOffer = false }()
	n.negotiationNeeded = false

	offer, err := n.link.CreateOffer()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to create offer for %s: %w", n.remoteID, err)
	}
	if n.link.SignalingState() != webrtc.SignalingStateStable {
		n.logger.Debugw("Signaling state changed while creating offer, aborting")
		return nil
	}
	if err := n.link.SetLocalDescription(offer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to set local offer for %s: %w", n.remoteID, err)
	}

	n.signal(domain.MessageOffer, domain.DescriptionPayload{SDP: offer.SDP})
	n.metrics.OfferSent()
	n.logger.Debugw("Offer sent")
	return nil
}

// HandleOffer applies a remote offer and answers it, unless it collides with
// our own offer and we are the impolite side.
func (n *PeerNegotiator) HandleOffer(ctx context.Context, sdp string) error {
	ctx, span := tracing.TraceNegotiation(ctx, "answer", string(n.remoteID), n.polite)
	defer span.End()

	collision := n.makingOffer || n.link.SignalingState() != webrtc.SignalingStateStable
	n.ignoreOffer = !n.polite && collision
	if n.ignoreOffer {
		n.metrics.GlareDropped()
		n.logger.Debugw("Ignoring colliding offer")
		return nil
	}

	if collision && n.link.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if err := n.link.Rollback(); err != nil {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to roll back local offer for %s: %w", n.remoteID, err)
		}
		n.logger.Debugw("Rolled back local offer after glare")
	}

	if err := n.link.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to apply offer from %s: %w", n.remoteID, err)
	}
	n.remoteDescriptionApplied()

	answer, err := n.link.CreateAnswer()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to create answer for %s: %w", n.remoteID, err)
	}
	if err := n.link.SetLocalDescription(answer); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to set local answer for %s: %w", n.remoteID, err)
	}

	n.signal(domain.MessageAnswer, domain.DescriptionPayload{SDP: answer.SDP})
	n.metrics.AnswerSent()
	n.logger.Debugw("Answer sent")
	return n.resumeDeferred(ctx)
}

// HandleAnswer applies a remote answer if one is awaited. Anything else is a
// late duplicate and is dropped.
func (n *PeerNegotiator) HandleAnswer(ctx context.Context, sdp string) error {
	if n.link.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		n.metrics.StaleAnswerDropped()
		n.logger.Debugw("Dropping answer outside have-local-offer", "state", n.link.SignalingState().String())
		return nil
	}
	if err := n.link.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to apply answer from %s: %w", n.remoteID, err)
	}
	n.remoteDescriptionApplied()
	return n.resumeDeferred(ctx)
}

// HandleCandidates applies remote candidates in order, or buffers them until
// the first remote description is in place.
func (n *PeerNegotiator) HandleCandidates(candidates []domain.ICECandidate) {
	for _, c := range candidates {
		init := webrtc.ICECandidateInit(c)
		if !n.remoteDescriptionSet {
			n.iceBuffer = append(n.iceBuffer, init)
			continue
		}
		n.applyCandidate(init)
	}
}

func (n *PeerNegotiator) remoteDescriptionApplied() {
	if n.remoteDescriptionSet {
		return
	}
	n.remoteDescriptionSet = true
	buffered := n.iceBuffer
	n.iceBuffer = nil
	for _, c := range buffered {
		n.applyCandidate(c)
	}
}

func (n *PeerNegotiator) applyCandidate(c webrtc.ICECandidateInit) {
	if err := n.link.AddICECandidate(c); err != nil {
		// Candidates of an offer we ignored are expected to fail.
		if n.ignoreOffer {
			n.logger.Debugw("Skipping candidate for ignored offer", "error", err)
			return
		}
		n.metrics.IceApplyFailed()
		n.logger.Warnw("Failed to apply ICE candidate",
			"error", apperrors.NewIceApplyError(fmt.Errorf("%w: %v", domain.ErrIceApply, err)),
			"candidate", c.Candidate)
	}
}

func (n *PeerNegotiator) resumeDeferred(ctx context.Context) error {
	if !n.negotiationNeeded || n.link.SignalingState() != webrtc.SignalingStateStable {
		return nil
	}
	return n.Negotiate(ctx)
}
