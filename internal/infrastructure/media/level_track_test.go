package media

import (
	"testing"
	"time"

	"meshvoice/internal/testutils"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newOpusLevelTrack(t *testing.T) *LevelTrack {
	t.Helper()
	track, err := NewLevelTrack(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "microphone", "meshvoice")
	require.NoError(t, err)
	return track
}

func opusPacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: seq, SSRC: 1},
		Payload: OpusSilenceFrame,
	}
}

func TestDBovFromLevel(t *testing.T) {
	assert.Equal(t, uint8(0), DBovFromLevel(100))
	assert.Equal(t, uint8(20), DBovFromLevel(10))
	assert.Equal(t, uint8(6), DBovFromLevel(50))
	assert.Equal(t, uint8(SilentDBov), DBovFromLevel(0))
	assert.Equal(t, uint8(SilentDBov), DBovFromLevel(1e-9))
	assert.Equal(t, uint8(0), DBovFromLevel(250))
}

func TestLevelTrack_StampsNegotiatedExtensionPerBinding(t *testing.T) {
	track := newOpusLevelTrack(t)
	first := testutils.NewLoopbackBinding("first", 1)
	second := testutils.NewLoopbackBinding("second", 5)
	plain := testutils.NewLoopbackBinding("plain", 0)
	for _, b := range []*testutils.LoopbackBinding{first, second, plain} {
		codec, err := track.Bind(b.Context())
		require.NoError(t, err)
		assert.Equal(t, webrtc.PayloadType(111), codec.PayloadType)
		t.Cleanup(b.Close)
	}

	track.SetLevel(20)
	in := opusPacket(7)
	require.NoError(t, track.WriteRTP(in))
	assert.False(t, in.Header.Extension, "source packet is left alone")

	for _, c := range []struct {
		binding *testutils.LoopbackBinding
		ext     uint8
	}{{first, 1}, {second, 5}} {
		pkt, err := c.binding.Remote().ReadRTP()
		require.NoError(t, err)
		assert.Equal(t, uint8(111), pkt.PayloadType)
		assert.Equal(t, uint32(4242), pkt.SSRC)
		assert.Equal(t, uint16(7), pkt.SequenceNumber)

		var level rtp.AudioLevelExtension
		require.NoError(t, level.Unmarshal(pkt.GetExtension(c.ext)))
		assert.Equal(t, uint8(20), level.Level)
		assert.True(t, level.Voice)
	}

	pkt, err := plain.Remote().ReadRTP()
	require.NoError(t, err)
	assert.False(t, pkt.Header.Extension)
}

func TestLevelTrack_Unbind(t *testing.T) {
	track := newOpusLevelTrack(t)
	b := testutils.NewLoopbackBinding("only", 1)
	defer b.Close()

	_, err := track.Bind(b.Context())
	require.NoError(t, err)
	require.NoError(t, track.Unbind(b.Context()))
	assert.ErrorIs(t, track.Unbind(b.Context()), webrtc.ErrUnbindFailed)

	require.NoError(t, track.WriteRTP(opusPacket(1)))
	assert.Empty(t, track.bindings)
}

func TestLevelTrack_FeedsSinkLevel(t *testing.T) {
	track := newOpusLevelTrack(t)
	b := testutils.NewLoopbackBinding("bob", 3)
	defer b.Close()
	_, err := track.Bind(b.Context())
	require.NoError(t, err)

	output := NewOutput(nil, zaptest.NewLogger(t).Sugar())
	sink, err := output.Attach("alice", b.Remote(), DefaultDevice)
	require.NoError(t, err)
	defer sink.Close()

	track.SetLevel(DBovFromLevel(50))
	require.Eventually(t, func() bool {
		assert.NoError(t, track.WriteRTP(opusPacket(1)))
		return sink.Level() > 49 && sink.Level() < 51
	}, time.Second, 10*time.Millisecond)
}
