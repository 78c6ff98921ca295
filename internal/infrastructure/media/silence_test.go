package media

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSilence_TrackAndClose(t *testing.T) {
	s, err := NewSilence("silence", "local")
	require.NoError(t, err)

	track := s.Track()
	assert.Equal(t, "silence", track.ID())
	assert.Equal(t, "local", track.StreamID())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, track.Kind())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case <-s.done:
	default:
		t.Fatal("writer still running after Close")
	}
}
