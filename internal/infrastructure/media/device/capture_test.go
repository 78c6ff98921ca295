package device

import (
	"io"
	"sync"
	"testing"
	"time"

	"meshvoice/internal/infrastructure/media"
	"meshvoice/internal/testutils"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestApplyGain_Int16(t *testing.T) {
	chunk := &wave.Int16Interleaved{Data: []int16{1000, -16384, 20000}}

	peak := applyGain(chunk, 2)

	assert.InDelta(t, 0.5, peak, 0.01)
	assert.Equal(t, []int16{2000, -32768, 32767}, chunk.Data)
}

func TestApplyGain_Float32(t *testing.T) {
	chunk := &wave.Float32Interleaved{Data: []float32{0.1, -0.25, 0.6}}

	peak := applyGain(chunk, 0.5)

	assert.InDelta(t, 0.6, peak, 1e-6)
	assert.InDeltaSlice(t, []float32{0.05, -0.125, 0.3}, chunk.Data, 1e-6)
}

func TestApplyGain_Mute(t *testing.T) {
	chunk := &wave.Int16Interleaved{Data: []int16{1200, -800}}

	peak := applyGain(chunk, 0)

	assert.Greater(t, peak, 0.0)
	assert.Equal(t, []int16{0, 0}, chunk.Data)
}

// packetSource hands out one Opus packet per Read until closed.
type packetSource struct {
	seq    uint16
	closed chan struct{}
	once   sync.Once
}

func newPacketSource() *packetSource {
	return &packetSource{closed: make(chan struct{})}
}

func (s *packetSource) Read() ([]*rtp.Packet, func(), error) {
	select {
	case <-s.closed:
		return nil, nil, io.EOF
	case <-time.After(5 * time.Millisecond):
	}
	s.seq++
	return []*rtp.Packet{{
		Header:  rtp.Header{Version: 2, SequenceNumber: s.seq, Timestamp: uint32(s.seq) * 960},
		Payload: media.OpusSilenceFrame,
	}}, func() {}, nil
}

func (s *packetSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestMicrophone_ForwardsLevelToRemoteSink(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	track, err := media.NewLevelTrack(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, micTrackID, streamID)
	require.NoError(t, err)

	link := testutils.NewLoopbackBinding("bob", 1)
	t.Cleanup(link.Close)
	_, err = track.Bind(link.Context())
	require.NoError(t, err)

	mic := &Microphone{levels: track}
	mic.SetGain(1)
	mic.forwarder = newForwarder(newPacketSource(), track, logger)
	t.Cleanup(func() { mic.stop() })

	// Half-scale samples through the gain stage.
	raw := mic.gainStage(audio.ReaderFunc(func() (wave.Audio, func(), error) {
		return &wave.Int16Interleaved{Data: []int16{16384, -8000, 1200}}, func() {}, nil
	}))
	_, _, err = raw.Read()
	require.NoError(t, err)
	assert.InDelta(t, 50, mic.Level(), 0.1)

	sink, err := media.NewOutput(nil, logger).Attach("alice", link.Remote(), media.DefaultDevice)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	require.Eventually(t, func() bool {
		return sink.Level() > 49 && sink.Level() < 51
	}, time.Second, 10*time.Millisecond)

	// Muting through gain silences the transmitted level too.
	mic.SetGain(0)
	_, _, err = raw.Read()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.Level() == 0 }, time.Second, 10*time.Millisecond)
}
