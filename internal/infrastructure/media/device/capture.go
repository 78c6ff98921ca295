// Package device opens the local microphone and screen through
// pion/mediadevices and republishes the encoded media on pion tracks.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"meshvoice/internal/core/ports"
	"meshvoice/internal/infrastructure/media"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen adapter
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	rtpMTU     = 1200
	streamID   = "meshvoice"
	micTrackID = "microphone"
)

var errNoTrack = errors.New("capture returned no track")

type Config struct {
	AudioBitRate int
	VideoBitRate int
}

// Capture implements ports.CaptureDevice on the host's devices.
type Capture struct {
	codecs *mediadevices.CodecSelector
	logger *zap.SugaredLogger
}

var _ ports.CaptureDevice = (*Capture)(nil)

func NewCapture(cfg Config, logger *zap.SugaredLogger) (*Capture, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create opus params: %w", err)
	}
	opusParams.Latency = opus.Latency20ms
	if cfg.AudioBitRate > 0 {
		opusParams.BitRate = cfg.AudioBitRate
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create vp8 params: %w", err)
	}
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	if cfg.VideoBitRate > 0 {
		vpxParams.BitRate = cfg.VideoBitRate
	}

	return &Capture{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
			mediadevices.WithVideoEncoders(&vpxParams),
		),
		logger: logger,
	}, nil
}

func (c *Capture) OpenMicrophone(ctx context.Context) (ports.CaptureStream, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: c.codecs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open microphone: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("microphone: %w", errNoTrack)
	}

	track, err := media.NewLevelTrack(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, micTrackID, streamID)
	if err != nil {
		tracks[0].Close()
		return nil, err
	}

	mic := &Microphone{source: tracks[0], levels: track}
	mic.SetGain(1)
	if at, ok := mic.source.(*mediadevices.AudioTrack); ok {
		at.Transform(mic.gainStage)
	}

	reader, err := mic.source.NewRTPReader("opus", 0, rtpMTU)
	if err != nil {
		mic.source.Close()
		return nil, fmt.Errorf("failed to create opus reader: %w", err)
	}
	mic.forwarder = newForwarder(reader, track, c.logger)
	c.logger.Infow("microphone opened", "track_id", mic.source.ID())
	return mic, nil
}

func (c *Capture) OpenSilence(ctx context.Context) (ports.SilenceSource, error) {
	return media.NewSilence("silence", streamID)
}

func (c *Capture) OpenScreen(ctx context.Context) (ports.ScreenStream, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: c.codecs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open screen: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("screen: %w", errNoTrack)
	}

	source := tracks[0]
	trackID := "screen-" + source.ID()
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, trackID, streamID)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("failed to create vp8 track: %w", err)
	}
	reader, err := source.NewRTPReader("vp8", 0, rtpMTU)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("failed to create vp8 reader: %w", err)
	}
	fwd := newForwarder(reader, track, c.logger)
	source.OnEnded(func(err error) {
		c.logger.Infow("screen capture ended", "track_id", source.ID(), "error", err)
		fwd.stop()
	})
	c.logger.Infow("screen capture opened", "track_id", source.ID())
	return &Screen{source: source, forwarder: fwd}, nil
}

// rtpSource is the encoded side of a mediadevices track.
type rtpSource interface {
	Read() ([]*rtp.Packet, func(), error)
	Close() error
}

// rtpTrack is a local pion track that accepts whole RTP packets.
type rtpTrack interface {
	webrtc.TrackLocal
	WriteRTP(pkt *rtp.Packet) error
}

// forwarder copies encoded RTP from a capture source onto a local track so
// the same packets can feed any number of links.
type forwarder struct {
	track  rtpTrack
	reader rtpSource
	done   chan struct{}
	once   sync.Once
	logger *zap.SugaredLogger
}

func newForwarder(reader rtpSource, track rtpTrack, logger *zap.SugaredLogger) *forwarder {
	f := &forwarder{
		track:  track,
		reader: reader,
		done:   make(chan struct{}),
		logger: logger.With("track_id", track.ID()),
	}
	go f.run()
	return f
}

func (f *forwarder) run() {
	defer f.stop()
	for {
		pkts, release, err := f.reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				f.logger.Warnw("capture read failed", "error", err)
			}
			return
		}
		for _, pkt := range pkts {
			if err := f.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				f.logger.Debugw("failed to forward packet", "error", err)
			}
		}
		if release != nil {
			release()
		}
	}
}

func (f *forwarder) stop() {
	f.once.Do(func() {
		close(f.done)
		f.reader.Close()
	})
}

// Microphone applies the input gain and measures the pre-gain peak on raw
// samples before they reach the encoder. The post-gain peak travels with
// each packet as its audio level.
type Microphone struct {
	source mediadevices.Track
	levels *media.LevelTrack
	*forwarder

	gain  atomic.Uint64
	level atomic.Uint64
}

var _ ports.CaptureStream = (*Microphone)(nil)

func (m *Microphone) Track() webrtc.TrackLocal { return m.track }

func (m *Microphone) SetGain(gain float64) {
	m.gain.Store(math.Float64bits(math.Max(0, gain)))
}

func (m *Microphone) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

func (m *Microphone) gainStage(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil {
			return nil, func() {}, err
		}
		gain := math.Float64frombits(m.gain.Load())
		peak := applyGain(chunk, gain)
		m.level.Store(math.Float64bits(100 * peak))
		m.levels.SetLevel(media.DBovFromLevel(100 * math.Min(1, peak*gain)))
		return chunk, release, nil
	})
}

// applyGain scales chunk in place and returns its peak before scaling, in
// the range 0-1. Unknown sample formats pass through unmeasured.
func applyGain(chunk wave.Audio, gain float64) float64 {
	var peak float64
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		for i, s := range c.Data {
			peak = math.Max(peak, math.Abs(float64(s))/32768)
			c.Data[i] = int16(clamp(float64(s)*gain, math.MinInt16, math.MaxInt16))
		}
	case *wave.Float32Interleaved:
		for i, s := range c.Data {
			peak = math.Max(peak, math.Abs(float64(s)))
			c.Data[i] = float32(clamp(float64(s)*gain, -1, 1))
		}
	}
	return math.Min(peak, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func (m *Microphone) Close() error {
	m.stop()
	return m.source.Close()
}

type Screen struct {
	source mediadevices.Track
	*forwarder
}

var _ ports.ScreenStream = (*Screen)(nil)

func (s *Screen) Track() webrtc.TrackLocal { return s.track }
func (s *Screen) Done() <-chan struct{}    { return s.done }

func (s *Screen) Close() error {
	s.stop()
	return s.source.Close()
}
