package media

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

// SilentDBov is the RFC 6464 level for digital silence.
const SilentDBov = 127

type levelBinding struct {
	id          string
	ssrc        webrtc.SSRC
	payloadType webrtc.PayloadType
	levelExt    uint8
	writer      webrtc.TrackLocalWriter
}

// LevelTrack is a local RTP track that stamps the RFC 6464 audio level on
// every packet, using the extension id each link negotiated. Links that did
// not negotiate the extension get the packet unchanged.
type LevelTrack struct {
	// matcher only resolves the codec on Bind; it never holds bindings.
	matcher *webrtc.TrackLocalStaticRTP

	mu       sync.RWMutex
	bindings []levelBinding
	level    atomic.Uint32
}

var _ webrtc.TrackLocal = (*LevelTrack)(nil)

func NewLevelTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*LevelTrack, error) {
	matcher, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", codec.MimeType, err)
	}
	t := &LevelTrack{matcher: matcher}
	t.level.Store(SilentDBov)
	return t, nil
}

func (t *LevelTrack) ID() string                { return t.matcher.ID() }
func (t *LevelTrack) StreamID() string          { return t.matcher.StreamID() }
func (t *LevelTrack) RID() string               { return t.matcher.RID() }
func (t *LevelTrack) Kind() webrtc.RTPCodecType { return t.matcher.Kind() }

func (t *LevelTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	codec, err := t.matcher.Bind(ctx)
	if err != nil {
		return codec, err
	}
	if err := t.matcher.Unbind(ctx); err != nil {
		return webrtc.RTPCodecParameters{}, err
	}

	b := levelBinding{
		id:          ctx.ID(),
		ssrc:        ctx.SSRC(),
		payloadType: codec.PayloadType,
		writer:      ctx.WriteStream(),
	}
	for _, ext := range ctx.HeaderExtensions() {
		if ext.URI == sdp.AudioLevelURI {
			b.levelExt = uint8(ext.ID)
		}
	}

	t.mu.Lock()
	t.bindings = append(t.bindings, b)
	t.mu.Unlock()
	return codec, nil
}

func (t *LevelTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.bindings {
		if t.bindings[i].id == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			return nil
		}
	}
	return webrtc.ErrUnbindFailed
}

// SetLevel sets the level stamped on subsequent packets, in -dBov.
func (t *LevelTrack) SetLevel(dbov uint8) {
	if dbov > SilentDBov {
		dbov = SilentDBov
	}
	t.level.Store(uint32(dbov))
}

func (t *LevelTrack) Level() uint8 {
	return uint8(t.level.Load())
}

// WriteRTP sends pkt on every binding with that binding's SSRC, payload type
// and level extension. pkt itself is not modified.
func (t *LevelTrack) WriteRTP(pkt *rtp.Packet) error {
	level := t.Level()
	ext, err := rtp.AudioLevelExtension{Level: level, Voice: level < SilentDBov}.Marshal()
	if err != nil {
		return err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var errs []error
	for _, b := range t.bindings {
		header := pkt.Header.Clone()
		header.SSRC = uint32(b.ssrc)
		header.PayloadType = uint8(b.payloadType)
		if b.levelExt != 0 {
			if err := header.SetExtension(b.levelExt, ext); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if _, err := b.writer.WriteRTP(&header, pkt.Payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DBovFromLevel is the inverse of LevelFromDBov: a 0-100 amplitude becomes
// an RFC 6464 level, rounded and clamped to 0-127.
func DBovFromLevel(level float64) uint8 {
	if level <= 0 {
		return SilentDBov
	}
	dbov := math.Round(-20 * math.Log10(level/100))
	return uint8(math.Max(0, math.Min(SilentDBov, dbov)))
}
