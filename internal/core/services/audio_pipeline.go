package services

import (
	"context"
	"fmt"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	apperrors "meshvoice/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// AudioPipeline owns the local microphone and the silence source and keeps
// exactly one of them attached to every link. Loop-confined.
type AudioPipeline struct {
	capture ports.CaptureDevice
	mic     ports.CaptureStream
	silence ports.SilenceSource
	live    bool
	senders map[domain.ParticipantID]ports.TrackSender
	logger  *zap.SugaredLogger
}

func NewAudioPipeline(capture ports.CaptureDevice, logger *zap.SugaredLogger) *AudioPipeline {
	return &AudioPipeline{
		capture: capture,
		senders: make(map[domain.ParticipantID]ports.TrackSender),
		logger:  logger,
	}
}

// Open acquires the microphone and the silence source. The pipeline starts
// on silence.
func (p *AudioPipeline) Open(ctx context.Context, inputVolume float64) error {
	mic, err := p.capture.OpenMicrophone(ctx)
	if err != nil {
		return apperrors.NewMediaAccessError(fmt.Errorf("%w: %v", domain.ErrMediaAccess, err))
	}
	silence, err := p.capture.OpenSilence(ctx)
	if err != nil {
		mic.Close()
		return apperrors.NewMediaAccessError(fmt.Errorf("%w: silence source: %v", domain.ErrMediaAccess, err))
	}
	mic.SetGain(inputVolume / 100)
	p.mic = mic
	p.silence = silence
	return nil
}

func (p *AudioPipeline) current() webrtc.TrackLocal {
	if p.live {
		return p.mic.Track()
	}
	return p.silence.Track()
}

// Attach adds the current outgoing audio track to link.
func (p *AudioPipeline) Attach(id domain.ParticipantID, link ports.PeerLink) error {
	sender, err := link.AddTrack(p.current())
	if err != nil {
		return fmt.Errorf("failed to add audio track for %s: %w", id, err)
	}
	p.senders[id] = sender
	return nil
}

func (p *AudioPipeline) Detach(id domain.ParticipantID) {
	delete(p.senders, id)
}

// SetLive swaps the track on every link when the source changes.
func (p *AudioPipeline) SetLive(live bool) bool {
	if p.mic == nil || live == p.live {
		return false
	}
	p.live = live
	track := p.current()
	for id, sender := range p.senders {
		if err := sender.ReplaceTrack(track); err != nil {
			p.logger.Warnw("Failed to replace outgoing audio track", "peer_id", id, "live", live, "error", err)
		}
	}
	return true
}

func (p *AudioPipeline) Live() bool {
	return p.live
}

func (p *AudioPipeline) SetInputVolume(volume float64) {
	if p.mic != nil {
		p.mic.SetGain(volume / 100)
	}
}

// Level is the raw microphone level, 0-100.
func (p *AudioPipeline) Level() float64 {
	if p.mic == nil {
		return 0
	}
	return p.mic.Level()
}

func (p *AudioPipeline) Close() {
	p.senders = make(map[domain.ParticipantID]ports.TrackSender)
	if p.mic != nil {
		if err := p.mic.Close(); err != nil {
			p.logger.Debugw("Failed to close microphone", "error", err)
		}
		p.mic = nil
	}
	if p.silence != nil {
		if err := p.silence.Close(); err != nil {
			p.logger.Debugw("Failed to close silence source", "error", err)
		}
		p.silence = nil
	}
	p.live = false
}
