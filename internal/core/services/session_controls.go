package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	apperrors "meshvoice/pkg/errors"
	"meshvoice/pkg/validation"

	"github.com/pion/webrtc/v3"
)

// StartShare sends track to every current and future link.
func (s *Session) StartShare(ctx context.Context, track webrtc.TrackLocal) error {
	return s.startShare(ctx, track, nil)
}

// StartScreenShare opens the screen capture and shares it. The share stops
// by itself when the capture ends.
func (s *Session) StartScreenShare(ctx context.Context) error {
	if s.State() != domain.SessionActive {
		return errNotJoined()
	}
	stream, err := s.deps.Capture.OpenScreen(ctx)
	if err != nil {
		return apperrors.NewMediaAccessError(fmt.Errorf("%w: screen: %v", domain.ErrMediaAccess, err))
	}
	if err := s.startShare(ctx, stream.Track(), stream); err != nil {
		stream.Close()
		return err
	}
	return nil
}

func (s *Session) startShare(ctx context.Context, track webrtc.TrackLocal, stream ports.ScreenStream) error {
	return s.call(ctx, func() error {
		if err := s.share.Start(track, stream); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeConflict, "screen share already active", http.StatusConflict)
		}
		for _, peer := range s.peers {
			added, err := s.share.Attach(peer.id, peer.link)
			if err != nil {
				s.logger.Warnw("Failed to add screen share", "peer_id", peer.id, "error", err)
				continue
			}
			if added {
				if err := peer.negotiator.Negotiate(s.loopCtx); err != nil {
					s.logger.Warnw("Failed to renegotiate for screen share", "peer_id", peer.id, "error", err)
				}
			}
		}
		if done := s.share.StreamDone(); done != nil {
			go func() {
				select {
				case <-done:
					s.post(func() {
						if s.share.stream == stream {
							if err := s.stopShare(); err != nil {
								s.logger.Debugw("Screen share already stopped", "error", err)
							}
						}
					})
				case <-s.loopCtx.Done():
				}
			}()
		}
		s.logger.Infow("Screen share started", "peers", len(s.peers))
		return nil
	})
}

func (s *Session) StopShare(ctx context.Context) error {
	return s.call(ctx, s.stopShare)
}

func (s *Session) stopShare() error {
	touched, err := s.share.Stop(s.links())
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, "no active screen share", http.StatusConflict)
	}
	for _, id := range touched {
		if peer, ok := s.peers[id]; ok {
			if err := peer.negotiator.Negotiate(s.loopCtx); err != nil {
				s.logger.Warnw("Failed to renegotiate after screen share", "peer_id", id, "error", err)
			}
		}
	}
	s.send(domain.MessageScreenShareEnded, "", nil)
	s.logger.Infow("Screen share stopped")
	return nil
}

func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	return s.call(ctx, func() error {
		s.monitor.Apply(s.gate.SetMuted(muted))
		return nil
	})
}

// ToggleMute flips the mute state and returns the new one.
func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := s.call(ctx, func() error {
		muted = !s.gate.Muted()
		s.monitor.Apply(s.gate.SetMuted(muted))
		return nil
	})
	return muted, err
}

func (s *Session) SetDeafened(ctx context.Context, deafened bool) error {
	return s.call(ctx, func() error {
		s.renderer.SetDeafened(deafened)
		return nil
	})
}

func (s *Session) SetInputVolume(ctx context.Context, volume float64) error {
	if err := validation.ValidatePercent(volume, domain.MaxInputVolume, "input volume"); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.call(ctx, func() error {
		s.applyInputVolume(volume)
		return nil
	})
}

func (s *Session) SetOutputVolume(ctx context.Context, volume float64) error {
	if err := validation.ValidatePercent(volume, domain.MaxOutputVolume, "output volume"); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.call(ctx, func() error {
		s.settings.OutputVolume = volume
		s.renderer.SetOutputVolume(volume)
		return nil
	})
}

func (s *Session) SetPeerVolume(ctx context.Context, id domain.ParticipantID, volume float64) error {
	if err := validation.ValidatePercent(volume, domain.MaxPeerVolume, "peer volume"); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.call(ctx, func() error {
		if _, ok := s.peers[id]; !ok {
			return apperrors.NewNotFoundError("participant " + string(id))
		}
		s.renderer.SetPeerVolume(id, volume)
		return nil
	})
}

func (s *Session) SetOutputDevice(ctx context.Context, deviceID string) error {
	if err := validation.ValidateNonEmptyString(deviceID, "output device"); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.call(ctx, func() error {
		s.settings.OutputDevice = deviceID
		if err := s.renderer.SetOutputDevice(deviceID); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to switch output device", http.StatusInternalServerError)
		}
		return nil
	})
}

// UpdateSettings applies every field of settings at once.
func (s *Session) UpdateSettings(ctx context.Context, settings domain.AudioSettings) error {
	if err := validateSettings(settings); err != nil {
		return err
	}
	return s.call(ctx, func() error {
		s.applyInputVolume(settings.InputVolume)
		s.settings.OutputVolume = settings.OutputVolume
		s.renderer.SetOutputVolume(settings.OutputVolume)
		s.settings.MicThreshold = settings.MicThreshold
		s.monitor.Apply(s.gate.SetThreshold(settings.MicThreshold))
		if settings.OutputDevice != s.settings.OutputDevice {
			s.settings.OutputDevice = settings.OutputDevice
			if err := s.renderer.SetOutputDevice(settings.OutputDevice); err != nil {
				s.logger.Warnw("Failed to switch output device", "device", settings.OutputDevice, "error", err)
			}
		}
		return nil
	})
}

func (s *Session) applyInputVolume(volume float64) {
	s.settings.InputVolume = volume
	s.pipeline.SetInputVolume(volume)
	s.gate.SetInputVolume(volume)
}

func (s *Session) Participants(ctx context.Context) ([]domain.ParticipantInfo, error) {
	var out []domain.ParticipantInfo
	err := s.call(ctx, func() error {
		out = s.participantsLocked()
		return nil
	})
	return out, err
}

func (s *Session) participantsLocked() []domain.ParticipantInfo {
	out := make([]domain.ParticipantInfo, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, domain.ParticipantInfo{
			ID:       peer.id,
			Name:     peer.name,
			State:    peer.state,
			Volume:   s.renderer.PeerVolume(peer.id),
			Sharing:  s.share.RemoteSharing(peer.id),
			JoinedAt: peer.joinedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.call(ctx, func() error {
		st = Status{
			SessionID:    s.id,
			Local:        s.local,
			State:        s.State().String(),
			Muted:        s.gate.Muted(),
			Deafened:     s.renderer.Deafened(),
			Live:         s.pipeline.Live(),
			Sharing:      s.share.Active(),
			Settings:     s.settings,
			Participants: s.participantsLocked(),
		}
		return nil
	})
	return st, err
}

func errNotJoined() error {
	return apperrors.NewNotJoinedError().WithCause(domain.ErrNotJoined)
}

func validateSettings(settings domain.AudioSettings) error {
	checks := []error{
		validation.ValidatePercent(settings.InputVolume, domain.MaxInputVolume, "input volume"),
		validation.ValidatePercent(settings.OutputVolume, domain.MaxOutputVolume, "output volume"),
		validation.ValidatePercent(settings.MicThreshold, domain.MaxMicThreshold, "mic threshold"),
		validation.ValidateNonEmptyString(settings.OutputDevice, "output device"),
	}
	for _, err := range checks {
		if err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
	}
	return nil
}
