package services

import (
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	"meshvoice/pkg/utils"
)

const DefaultMonitorInterval = 100 * time.Millisecond

// VolumeMonitor samples local and remote levels once per tick, drives the
// noise gate with the local reading and publishes one batch of samples.
type VolumeMonitor struct {
	local    domain.Identity
	pipeline *AudioPipeline
	gate     *NoiseGate
	renderer *AudioRenderer
	events   ports.EventSink
	metrics  ports.SessionMetrics
}

func NewVolumeMonitor(local domain.Identity, pipeline *AudioPipeline, gate *NoiseGate, renderer *AudioRenderer, events ports.EventSink, metrics ports.SessionMetrics) *VolumeMonitor {
	return &VolumeMonitor{
		local:    local,
		pipeline: pipeline,
		gate:     gate,
		renderer: renderer,
		events:   events,
		metrics:  sessionMetricsOrNoop(metrics),
	}
}

// Tick evaluates the gate and emits samples for the local participant
// followed by remotes in the given order.
func (m *VolumeMonitor) Tick(now time.Time, remotes []domain.Identity) []domain.VolumeSample {
	raw := m.pipeline.Level()
	m.Apply(m.gate.Evaluate(now, raw))

	samples := make([]domain.VolumeSample, 0, len(remotes)+1)
	samples = append(samples, domain.VolumeSample{
		ParticipantID: m.local.ID,
		Name:          m.local.Name,
		Level:         utils.Clamp(m.gate.Adjust(raw), 0, 100),
	})
	for _, r := range remotes {
		level, _ := m.renderer.Level(r.ID)
		samples = append(samples, domain.VolumeSample{
			ParticipantID: r.ID,
			Name:          r.Name,
			Level:         utils.Clamp(level, 0, 100),
		})
	}

	if m.events != nil {
		m.events.VolumeSamples(samples)
	}
	return samples
}

// Apply moves the pipeline to the gate's decision.
func (m *VolumeMonitor) Apply(live bool) {
	if m.pipeline.SetLive(live) {
		m.metrics.GateTransition(live)
	}
}
