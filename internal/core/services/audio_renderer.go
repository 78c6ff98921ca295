package services

import (
	"fmt"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"

	"go.uber.org/zap"
)

// RenderPlan is what a sink should be set to for one remote participant.
type RenderPlan struct {
	SinkVolume    float64
	SinkMuted     bool
	AmplifierGain float64
}

// PlanRender combines a per-peer volume (0-200) with the global output
// volume (0-100). Above unity the sink is muted at full volume and the
// amplifier carries the signal.
func PlanRender(peerVolume, outputVolume float64, deafened bool) RenderPlan {
	if deafened {
		return RenderPlan{SinkVolume: 0, SinkMuted: true, AmplifierGain: 0}
	}
	effective := (peerVolume / 100) * (outputVolume / 100)
	if effective <= 1 {
		return RenderPlan{SinkVolume: effective}
	}
	return RenderPlan{SinkVolume: 1, SinkMuted: true, AmplifierGain: effective}
}

type renderedSink struct {
	sink    ports.AudioSink
	plan    RenderPlan
	applied bool
}

// AudioRenderer owns one sink per remote participant. Loop-confined.
type AudioRenderer struct {
	output       ports.AudioOutput
	outputVolume float64
	deafened     bool
	device       string
	peerVolumes  map[domain.ParticipantID]float64
	sinks        map[domain.ParticipantID]*renderedSink
	logger       *zap.SugaredLogger
}

func NewAudioRenderer(output ports.AudioOutput, settings domain.AudioSettings, logger *zap.SugaredLogger) *AudioRenderer {
	return &AudioRenderer{
		output:       output,
		outputVolume: settings.OutputVolume,
		device:       settings.OutputDevice,
		peerVolumes:  make(map[domain.ParticipantID]float64),
		sinks:        make(map[domain.ParticipantID]*renderedSink),
		logger:       logger,
	}
}

// Attach starts rendering track for id, replacing any previous sink.
func (r *AudioRenderer) Attach(id domain.ParticipantID, track ports.RemoteTrack) error {
	sink, err := r.output.Attach(id, track, r.device)
	if err != nil {
		return fmt.Errorf("failed to attach audio sink for %s: %w", id, err)
	}
	r.Detach(id)
	rs := &renderedSink{sink: sink}
	r.sinks[id] = rs
	r.apply(id, rs)
	return nil
}

func (r *AudioRenderer) Detach(id domain.ParticipantID) {
	if rs, ok := r.sinks[id]; ok {
		if err := rs.sink.Close(); err != nil {
			r.logger.Debugw("Failed to close audio sink", "peer_id", id, "error", err)
		}
		delete(r.sinks, id)
	}
}

// Forget drops both the sink and the stored per-peer volume.
func (r *AudioRenderer) Forget(id domain.ParticipantID) {
	r.Detach(id)
	delete(r.peerVolumes, id)
}

func (r *AudioRenderer) PeerVolume(id domain.ParticipantID) float64 {
	if v, ok := r.peerVolumes[id]; ok {
		return v
	}
	return 100
}

func (r *AudioRenderer) SetPeerVolume(id domain.ParticipantID, volume float64) {
	r.peerVolumes[id] = volume
	if rs, ok := r.sinks[id]; ok {
		r.apply(id, rs)
	}
}

func (r *AudioRenderer) SetOutputVolume(volume float64) {
	r.outputVolume = volume
	r.applyAll()
}

func (r *AudioRenderer) SetDeafened(deafened bool) {
	r.deafened = deafened
	r.applyAll()
}

func (r *AudioRenderer) Deafened() bool {
	return r.deafened
}

// SetOutputDevice re-routes every sink. The first failure is returned after
// all sinks were tried.
func (r *AudioRenderer) SetOutputDevice(deviceID string) error {
	r.device = deviceID
	var firstErr error
	for id, rs := range r.sinks {
		if err := rs.sink.SetDevice(deviceID); err != nil {
			r.logger.Warnw("Failed to switch output device", "peer_id", id, "device", deviceID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Level returns the current playback level of id on a 0-100 scale.
func (r *AudioRenderer) Level(id domain.ParticipantID) (float64, bool) {
	rs, ok := r.sinks[id]
	if !ok {
		return 0, false
	}
	return rs.sink.Level(), true
}

func (r *AudioRenderer) Close() {
	for id := range r.sinks {
		r.Detach(id)
	}
}

func (r *AudioRenderer) applyAll() {
	for id, rs := range r.sinks {
		r.apply(id, rs)
	}
}

// apply pushes the plan to the sink only when it changed.
func (r *AudioRenderer) apply(id domain.ParticipantID, rs *renderedSink) {
	plan := PlanRender(r.PeerVolume(id), r.outputVolume, r.deafened)
	if rs.applied && plan == rs.plan {
		return
	}
	rs.sink.SetVolume(plan.SinkVolume)
	rs.sink.SetMuted(plan.SinkMuted)
	rs.sink.SetAmplifierGain(plan.AmplifierGain)
	rs.plan = plan
	rs.applied = true
}
