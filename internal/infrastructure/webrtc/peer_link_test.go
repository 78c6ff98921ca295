package webrtc

import (
	"context"
	"testing"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newLinks(t *testing.T) (ports.PeerLink, ports.PeerLink) {
	t.Helper()
	factory, err := NewLinkFactory(LinkConfig{}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	alice, err := factory.NewPeerLink(context.Background(), "bob")
	require.NoError(t, err)
	bob, err := factory.NewPeerLink(context.Background(), "alice")
	require.NoError(t, err)
	t.Cleanup(func() {
		alice.Close()
		bob.Close()
	})
	return alice, bob
}

func audioTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "stream-"+id)
	require.NoError(t, err)
	return track
}

func TestPeerLink_OfferAnswer(t *testing.T) {
	alice, bob := newLinks(t)
	_, err := alice.AddTrack(audioTrack(t, "alice-mic"))
	require.NoError(t, err)

	offer, err := alice.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, alice.SetLocalDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, alice.SignalingState())

	require.NoError(t, bob.SetRemoteDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveRemoteOffer, bob.SignalingState())

	answer, err := bob.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, bob.SetLocalDescription(answer))
	require.NoError(t, alice.SetRemoteDescription(answer))

	assert.Equal(t, webrtc.SignalingStateStable, alice.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, bob.SignalingState())
}

func TestPeerLink_RollbackPendingOffer(t *testing.T) {
	alice, bob := newLinks(t)
	aliceMic := audioTrack(t, "alice-mic")
	sender, err := alice.AddTrack(aliceMic)
	require.NoError(t, err)
	_, err = bob.AddTrack(audioTrack(t, "bob-mic"))
	require.NoError(t, err)

	// Both sides offer at once; alice yields.
	aliceOffer, err := alice.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, alice.SetLocalDescription(aliceOffer))
	bobOffer, err := bob.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, bob.SetLocalDescription(bobOffer))

	require.NoError(t, alice.Rollback())
	assert.Equal(t, webrtc.SignalingStateStable, alice.SignalingState())

	require.NoError(t, alice.SetRemoteDescription(bobOffer))
	answer, err := alice.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, alice.SetLocalDescription(answer))
	require.NoError(t, bob.SetRemoteDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, alice.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, bob.SignalingState())

	// The track moved to the new connection with its sender.
	assert.Contains(t, answer.SDP, "alice-mic")
	assert.Equal(t, aliceMic, sender.Track())
	require.NoError(t, sender.ReplaceTrack(audioTrack(t, "alice-silence")))
	require.NoError(t, alice.RemoveTrack(sender))
}

func TestPeerLink_RollbackSilencesReplacedConnection(t *testing.T) {
	alice, _ := newLinks(t)
	states := make(chan domain.LinkState, 8)
	alice.OnConnectionStateChange(func(state domain.LinkState) { states <- state })

	offer, err := alice.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, alice.SetLocalDescription(offer))
	require.NoError(t, alice.Rollback())

	// Closing the replaced connection must not look like the link closing.
	assert.Never(t, func() bool {
		select {
		case state := <-states:
			return state == domain.LinkClosed
		default:
			return false
		}
	}, 200*time.Millisecond, 10*time.Millisecond)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		select {
		case state := <-states:
			return state == domain.LinkClosed
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestPeerLink_RollbackWithoutOfferIsNoop(t *testing.T) {
	alice, _ := newLinks(t)
	require.NoError(t, alice.Rollback())
	assert.Equal(t, webrtc.SignalingStateStable, alice.SignalingState())
}

func TestPeerLink_ReplaceAndRemoveTrack(t *testing.T) {
	alice, _ := newLinks(t)
	mic := audioTrack(t, "mic")
	silence := audioTrack(t, "silence")

	sender, err := alice.AddTrack(silence)
	require.NoError(t, err)
	require.NoError(t, sender.ReplaceTrack(mic))
	assert.Equal(t, mic, sender.Track())

	require.NoError(t, alice.RemoveTrack(sender))
	assert.ErrorIs(t, alice.RemoveTrack(foreignSender{}), errForeignSender)
}

type foreignSender struct{}

func (foreignSender) ReplaceTrack(webrtc.TrackLocal) error { return nil }
func (foreignSender) Track() webrtc.TrackLocal             { return nil }

func TestLinkState(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]domain.LinkState{
		webrtc.PeerConnectionStateNew:          domain.LinkNew,
		webrtc.PeerConnectionStateConnecting:   domain.LinkConnecting,
		webrtc.PeerConnectionStateConnected:    domain.LinkConnected,
		webrtc.PeerConnectionStateDisconnected: domain.LinkDisconnected,
		webrtc.PeerConnectionStateFailed:       domain.LinkFailed,
		webrtc.PeerConnectionStateClosed:       domain.LinkClosed,
	}
	for in, want := range cases {
		assert.Equal(t, want, linkState(in), in.String())
	}
}
