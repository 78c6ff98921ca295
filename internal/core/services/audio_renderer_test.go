package services

import (
	"testing"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/testutils"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPlanRender(t *testing.T) {
	cases := []struct {
		name     string
		peer     float64
		global   float64
		deafened bool
		want     RenderPlan
	}{
		{"unity", 100, 100, false, RenderPlan{SinkVolume: 1}},
		{"attenuated", 50, 50, false, RenderPlan{SinkVolume: 0.25}},
		{"boosted", 200, 100, false, RenderPlan{SinkVolume: 1, SinkMuted: true, AmplifierGain: 2}},
		{"boost cancelled by global", 200, 50, false, RenderPlan{SinkVolume: 1}},
		{"deafened", 200, 100, true, RenderPlan{SinkMuted: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PlanRender(tc.peer, tc.global, tc.deafened))
		})
	}
}

func TestAudioRenderer_RecomputeIsIdempotent(t *testing.T) {
	output := testutils.NewFakeAudioOutput()
	r := NewAudioRenderer(output, domain.DefaultAudioSettings(), zaptest.NewLogger(t).Sugar())

	require.NoError(t, r.Attach("bob", testutils.NewFakeRemoteTrack("a1", webrtc.RTPCodecTypeAudio, 1)))
	sink := output.Sink("bob")
	require.NotNil(t, sink)

	r.SetPeerVolume("bob", 150)
	calls := sink.Calls()
	r.SetPeerVolume("bob", 150)
	r.SetOutputVolume(100)
	r.SetDeafened(false)
	assert.Equal(t, calls, sink.Calls(), "unchanged inputs must not touch the sink")

	volume, muted, gain := sink.Snapshot()
	assert.Equal(t, 1.0, volume)
	assert.True(t, muted)
	assert.InDelta(t, 1.5, gain, 1e-9)
}

func TestAudioRenderer_DeafenKeepsSettings(t *testing.T) {
	output := testutils.NewFakeAudioOutput()
	r := NewAudioRenderer(output, domain.DefaultAudioSettings(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, r.Attach("bob", testutils.NewFakeRemoteTrack("a1", webrtc.RTPCodecTypeAudio, 1)))

	r.SetPeerVolume("bob", 80)
	r.SetDeafened(true)
	_, muted, gain := output.Sink("bob").Snapshot()
	assert.True(t, muted)
	assert.Zero(t, gain)
	assert.Equal(t, 80.0, r.PeerVolume("bob"))

	r.SetDeafened(false)
	volume, muted, _ := output.Sink("bob").Snapshot()
	assert.False(t, muted)
	assert.InDelta(t, 0.8, volume, 1e-9)
}

func TestAudioRenderer_OutputDeviceReroutesSinks(t *testing.T) {
	output := testutils.NewFakeAudioOutput()
	r := NewAudioRenderer(output, domain.DefaultAudioSettings(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, r.Attach("bob", testutils.NewFakeRemoteTrack("a1", webrtc.RTPCodecTypeAudio, 1)))
	require.NoError(t, r.Attach("carol", testutils.NewFakeRemoteTrack("a2", webrtc.RTPCodecTypeAudio, 2)))

	require.NoError(t, r.SetOutputDevice("headset"))
	assert.Equal(t, "headset", output.Sink("bob").CurrentDevice())
	assert.Equal(t, "headset", output.Sink("carol").CurrentDevice())

	r.Forget("bob")
	assert.True(t, output.Sink("bob").Closed())
	assert.Equal(t, 100.0, r.PeerVolume("bob"))
}
