package services

import (
	"context"
	"testing"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/testutils"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestVolumeMonitor_TickEmitsBatchAndDrivesGate(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	capture := testutils.NewFakeCaptureDevice()
	output := testutils.NewFakeAudioOutput()
	events := testutils.NewEventRecorder()

	pipeline := NewAudioPipeline(capture, logger)
	require.NoError(t, pipeline.Open(context.Background(), 100))
	link := testutils.NewFakePeerLink("alice", "bob")
	require.NoError(t, pipeline.Attach("bob", link))

	renderer := NewAudioRenderer(output, domain.DefaultAudioSettings(), logger)
	require.NoError(t, renderer.Attach("bob", testutils.NewFakeRemoteTrack("a", webrtc.RTPCodecTypeAudio, 1)))
	output.Sink("bob").SetLevel(42)

	gate := NewNoiseGate(15, 100, 0, DefaultGateCloseDelay)
	monitor := NewVolumeMonitor(domain.Identity{ID: "alice", Name: "Alice"}, pipeline, gate, renderer, events, nil)

	remotes := []domain.Identity{{ID: "bob", Name: "Bob"}, {ID: "carol", Name: "Carol"}}
	now := time.Unix(0, 0)

	capture.Mic().SetLevel(5)
	samples := monitor.Tick(now, remotes)
	assert.False(t, pipeline.Live())
	require.Len(t, samples, 3)
	assert.Equal(t, domain.VolumeSample{ParticipantID: "alice", Name: "Alice", Level: 5}, samples[0])
	assert.Equal(t, 42.0, samples[1].Level)
	assert.Zero(t, samples[2].Level, "participant without a sink reads as silent")

	capture.Mic().SetLevel(60)
	monitor.Tick(now.Add(DefaultMonitorInterval), remotes)
	assert.True(t, pipeline.Live())
	assert.Equal(t, capture.Mic().Track(), link.Senders()[0].Track())

	assert.Equal(t, 2, events.Count(testutils.EventVolumes, ""))
	assert.Equal(t, 60.0, events.LastVolumes()[0].Level)
}
