package media

import (
	"fmt"
	"sync"
	"time"

	"meshvoice/internal/core/ports"

	"github.com/pion/webrtc/v3"
	pmedia "github.com/pion/webrtc/v3/pkg/media"
)

// OpusSilenceFrame is a single 20ms Opus frame that decodes to silence.
var OpusSilenceFrame = []byte{0xf8, 0xff, 0xfe}

const silenceFrameDuration = 20 * time.Millisecond

// Silence writes Opus silence frames to a local track until closed.
type Silence struct {
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

var _ ports.SilenceSource = (*Silence)(nil)

func NewSilence(id, streamID string) (*Silence, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create silence track: %w", err)
	}

	s := &Silence{
		track: track,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Silence) run() {
	defer close(s.done)
	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Unbound tracks drop samples.
			_ = s.track.WriteSample(pmedia.Sample{Data: OpusSilenceFrame, Duration: silenceFrameDuration})
		case <-s.stop:
			return
		}
	}
}

func (s *Silence) Track() webrtc.TrackLocal { return s.track }

func (s *Silence) Close() error {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}
