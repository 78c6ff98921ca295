package testutils

import (
	"errors"
	"sync"

	"meshvoice/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

const loopbackSSRC = 4242

// LoopbackBinding stands in for one negotiated link: Context is what a
// local track is bound with, Remote replays whatever the track wrote to it.
type LoopbackBinding struct {
	id       string
	levelExt uint8

	packets chan *rtp.Packet
	done    chan struct{}
	once    sync.Once
}

// NewLoopbackBinding negotiates Opus and VP8, plus the audio level extension
// under levelExt unless it is 0.
func NewLoopbackBinding(id string, levelExt uint8) *LoopbackBinding {
	return &LoopbackBinding{
		id:       id,
		levelExt: levelExt,
		packets:  make(chan *rtp.Packet, 64),
		done:     make(chan struct{}),
	}
}

func (b *LoopbackBinding) Context() webrtc.TrackLocalContext { return loopbackContext{b} }
func (b *LoopbackBinding) Remote() ports.RemoteTrack         { return loopbackRemote{b} }

// Close ends the remote side.
func (b *LoopbackBinding) Close() {
	b.once.Do(func() { close(b.done) })
}

type loopbackContext struct{ b *LoopbackBinding }

func (c loopbackContext) CodecParameters() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1",
			},
			PayloadType: 111,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			PayloadType:        96,
		},
	}
}

func (c loopbackContext) HeaderExtensions() []webrtc.RTPHeaderExtensionParameter {
	if c.b.levelExt == 0 {
		return nil
	}
	return []webrtc.RTPHeaderExtensionParameter{{URI: sdp.AudioLevelURI, ID: int(c.b.levelExt)}}
}

func (c loopbackContext) SSRC() webrtc.SSRC                    { return loopbackSSRC }
func (c loopbackContext) WriteStream() webrtc.TrackLocalWriter { return c }
func (c loopbackContext) ID() string                           { return c.b.id }
func (c loopbackContext) RTCPReader() interceptor.RTCPReader   { return nil }

func (c loopbackContext) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	pkt := &rtp.Packet{Header: header.Clone(), Payload: append([]byte(nil), payload...)}
	select {
	case <-c.b.done:
		return 0, errors.New("loopback: closed")
	case c.b.packets <- pkt:
	default:
		// Full; drop like a congested link.
	}
	return header.MarshalSize() + len(payload), nil
}

func (c loopbackContext) Write(b []byte) (int, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(b); err != nil {
		return 0, err
	}
	return c.WriteRTP(&pkt.Header, pkt.Payload)
}

type loopbackRemote struct{ b *LoopbackBinding }

func (r loopbackRemote) ID() string                   { return r.b.id }
func (r loopbackRemote) StreamID() string             { return "loopback" }
func (r loopbackRemote) Kind() webrtc.RTPCodecType    { return webrtc.RTPCodecTypeAudio }
func (r loopbackRemote) SSRC() uint32                 { return loopbackSSRC }
func (r loopbackRemote) Done() <-chan struct{}        { return r.b.done }
func (r loopbackRemote) AudioLevelExtensionID() uint8 { return r.b.levelExt }

func (r loopbackRemote) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-r.b.packets:
		return pkt, nil
	case <-r.b.done:
		return nil, errors.New("loopback: closed")
	}
}
