package services

import (
	"testing"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	"meshvoice/internal/testutils"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func screenTrack(t *testing.T) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "test")
	require.NoError(t, err)
	return track
}

func TestScreenShare_LocalLifecycle(t *testing.T) {
	s := NewScreenShare(zaptest.NewLogger(t).Sugar())
	bob := testutils.NewFakePeerLink("alice", "bob")

	added, err := s.Attach("bob", bob)
	require.NoError(t, err)
	assert.False(t, added, "nothing to attach before a share starts")

	require.NoError(t, s.Start(screenTrack(t), nil))
	assert.ErrorIs(t, s.Start(screenTrack(t), nil), domain.ErrShareActive)

	added, err = s.Attach("bob", bob)
	require.NoError(t, err)
	assert.True(t, added)
	added, _ = s.Attach("bob", bob)
	assert.False(t, added, "one sender per link")
	assert.Len(t, bob.Senders(), 1)

	touched, err := s.Stop(map[domain.ParticipantID]ports.PeerLink{"bob": bob})
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{"bob"}, touched)
	assert.Empty(t, bob.Senders())
	assert.False(t, s.Active())

	_, err = s.Stop(nil)
	assert.ErrorIs(t, err, domain.ErrNoShare)
}

func TestScreenShare_RemoteEndReportedOnce(t *testing.T) {
	s := NewScreenShare(zaptest.NewLogger(t).Sugar())
	first := testutils.NewFakeRemoteTrack("v1", webrtc.RTPCodecTypeVideo, 10)
	second := testutils.NewFakeRemoteTrack("v2", webrtc.RTPCodecTypeVideo, 11)

	assert.True(t, s.RemoteStarted("bob", first))
	assert.False(t, s.RemoteStarted("bob", first))

	// The authoritative message ends the share; the later track end is a no-op.
	assert.True(t, s.RemoteEnded("bob", nil))
	assert.False(t, s.RemoteEnded("bob", first))

	// A stale end hint for an old track does not end a newer share.
	assert.True(t, s.RemoteStarted("bob", second))
	assert.False(t, s.RemoteEnded("bob", first))
	assert.True(t, s.RemoteSharing("bob"))
	assert.True(t, s.RemoteEnded("bob", second))
}
