package services

import (
	"fmt"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ScreenShare tracks the local outgoing share and which remote participants
// are currently sharing. Loop-confined.
type ScreenShare struct {
	track   webrtc.TrackLocal
	stream  ports.ScreenStream
	senders map[domain.ParticipantID]ports.TrackSender
	remote  map[domain.ParticipantID]ports.RemoteTrack
	logger  *zap.SugaredLogger
}

func NewScreenShare(logger *zap.SugaredLogger) *ScreenShare {
	return &ScreenShare{
		senders: make(map[domain.ParticipantID]ports.TrackSender),
		remote:  make(map[domain.ParticipantID]ports.RemoteTrack),
		logger:  logger,
	}
}

func (s *ScreenShare) Active() bool {
	return s.track != nil
}

// Start records the local share. stream may be nil when the caller manages
// the capture itself.
func (s *ScreenShare) Start(track webrtc.TrackLocal, stream ports.ScreenStream) error {
	if s.track != nil {
		return domain.ErrShareActive
	}
	s.track = track
	s.stream = stream
	return nil
}

// Attach adds the shared track to link. It is a no-op when nothing is
// being shared or the link already carries it.
func (s *ScreenShare) Attach(id domain.ParticipantID, link ports.PeerLink) (bool, error) {
	if s.track == nil {
		return false, nil
	}
	if _, ok := s.senders[id]; ok {
		return false, nil
	}
	sender, err := link.AddTrack(s.track)
	if err != nil {
		return false, fmt.Errorf("failed to add screen track for %s: %w", id, err)
	}
	s.senders[id] = sender
	return true, nil
}

func (s *ScreenShare) Detach(id domain.ParticipantID, link ports.PeerLink) {
	sender, ok := s.senders[id]
	if !ok {
		return
	}
	delete(s.senders, id)
	if link == nil {
		return
	}
	if err := link.RemoveTrack(sender); err != nil {
		s.logger.Debugw("Failed to remove screen track", "peer_id", id, "error", err)
	}
}

// Stop ends the local share and returns the participants whose links
// carried it.
func (s *ScreenShare) Stop(links map[domain.ParticipantID]ports.PeerLink) ([]domain.ParticipantID, error) {
	if s.track == nil {
		return nil, domain.ErrNoShare
	}
	var touched []domain.ParticipantID
	for id := range s.senders {
		s.Detach(id, links[id])
		touched = append(touched, id)
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Debugw("Failed to close screen capture", "error", err)
		}
	}
	s.track = nil
	s.stream = nil
	return touched, nil
}

// StreamDone returns the local capture's end signal, or nil.
func (s *ScreenShare) StreamDone() <-chan struct{} {
	if s.stream == nil {
		return nil
	}
	return s.stream.Done()
}

// RemoteStarted records an inbound share. It reports false when the same
// track was already known.
func (s *ScreenShare) RemoteStarted(id domain.ParticipantID, track ports.RemoteTrack) bool {
	if cur, ok := s.remote[id]; ok && cur == track {
		return false
	}
	s.remote[id] = track
	return true
}

// RemoteEnded clears an inbound share. A non-nil track only matches the
// share it started; the first call for a share reports true.
func (s *ScreenShare) RemoteEnded(id domain.ParticipantID, track ports.RemoteTrack) bool {
	cur, ok := s.remote[id]
	if !ok {
		return false
	}
	if track != nil && cur != track {
		return false
	}
	delete(s.remote, id)
	return true
}

func (s *ScreenShare) RemoteSharing(id domain.ParticipantID) bool {
	_, ok := s.remote[id]
	return ok
}

func (s *ScreenShare) Forget(id domain.ParticipantID) {
	delete(s.senders, id)
	delete(s.remote, id)
}
