package media

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"

	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// DefaultDevice is accepted by every Output.
const DefaultDevice = "default"

const levelStaleAfter = 250 * time.Millisecond

var errUnknownDevice = errors.New("unknown output device")

// audioLevelTrack is implemented by remote tracks that negotiated the
// RFC 6464 client-to-mixer audio level extension.
type audioLevelTrack interface {
	AudioLevelExtensionID() uint8
}

// Output is a headless playback backend. It drains inbound audio and tracks
// per-sink routing state and speaking level without driving a sound card.
type Output struct {
	devices map[string]struct{}
	now     func() time.Time
	logger  *zap.SugaredLogger
}

var _ ports.AudioOutput = (*Output)(nil)

// NewOutput accepts the given device ids plus DefaultDevice. With no ids any
// device is accepted.
func NewOutput(devices []string, logger *zap.SugaredLogger) *Output {
	o := &Output{now: time.Now, logger: logger}
	if len(devices) > 0 {
		o.devices = map[string]struct{}{DefaultDevice: {}}
		for _, d := range devices {
			o.devices[d] = struct{}{}
		}
	}
	return o
}

func (o *Output) known(deviceID string) bool {
	if o.devices == nil || deviceID == "" {
		return true
	}
	_, ok := o.devices[deviceID]
	return ok
}

func (o *Output) Attach(participantID domain.ParticipantID, track ports.RemoteTrack, deviceID string) (ports.AudioSink, error) {
	if !o.known(deviceID) {
		return nil, fmt.Errorf("%w: %s", errUnknownDevice, deviceID)
	}

	s := &Sink{
		output:        o,
		participantID: participantID,
		track:         track,
		device:        deviceID,
		volume:        1,
		closed:        make(chan struct{}),
		done:          make(chan struct{}),
		logger:        o.logger.With("participant_id", participantID, "track_id", track.ID()),
	}
	if lt, ok := track.(audioLevelTrack); ok {
		s.levelExt = lt.AudioLevelExtensionID()
	}
	go s.drain()
	return s, nil
}

// Sink renders one remote audio track.
type Sink struct {
	output        *Output
	participantID domain.ParticipantID
	track         ports.RemoteTrack
	levelExt      uint8

	mu     sync.Mutex
	device string
	volume float64
	muted  bool
	amp    float64

	level    atomic.Uint64
	lastSeen atomic.Int64
	packets  atomic.Uint64

	closed chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *zap.SugaredLogger
}

var _ ports.AudioSink = (*Sink)(nil)

func (s *Sink) drain() {
	defer close(s.done)
	for {
		pkt, err := s.track.ReadRTP()
		if err != nil {
			s.logger.Debugw("remote audio ended", "packets", s.packets.Load(), "error", err)
			return
		}
		select {
		case <-s.closed:
			return
		default:
		}
		s.packets.Add(1)
		s.observe(pkt)
	}
}

func (s *Sink) observe(pkt *rtp.Packet) {
	if s.levelExt == 0 {
		return
	}
	raw := pkt.GetExtension(s.levelExt)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	s.level.Store(math.Float64bits(LevelFromDBov(ext.Level)))
	s.lastSeen.Store(s.output.now().UnixNano())
}

// LevelFromDBov maps an RFC 6464 level (0 loudest, 127 silent, in -dBov) to
// a 0-100 amplitude scale.
func LevelFromDBov(dbov uint8) float64 {
	if dbov >= 127 {
		return 0
	}
	return 100 * math.Pow(10, -float64(dbov)/20)
}

// Level is the sender's reported level, independent of local volume or
// mute. It reads 0 when no level has arrived recently.
func (s *Sink) Level() float64 {
	seen := s.lastSeen.Load()
	if seen == 0 || s.output.now().Sub(time.Unix(0, seen)) > levelStaleAfter {
		return 0
	}
	return math.Float64frombits(s.level.Load())
}

func (s *Sink) SetVolume(volume float64) {
	s.mu.Lock()
	s.volume = math.Max(0, math.Min(1, volume))
	s.mu.Unlock()
}

func (s *Sink) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

func (s *Sink) SetAmplifierGain(gain float64) {
	s.mu.Lock()
	s.amp = math.Max(0, gain)
	s.mu.Unlock()
}

func (s *Sink) SetDevice(deviceID string) error {
	if !s.output.known(deviceID) {
		return fmt.Errorf("%w: %s", errUnknownDevice, deviceID)
	}
	s.mu.Lock()
	s.device = deviceID
	s.mu.Unlock()
	s.logger.Debugw("audio output routed", "device", deviceID)
	return nil
}

// Gain is the linear gain applied on playback: the amplifier gain when one
// is set, otherwise the sink volume, or 0 when muted without amplifier.
func (s *Sink) Gain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.amp > 0 {
		return s.amp
	}
	if s.muted {
		return 0
	}
	return s.volume
}

func (s *Sink) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

func (s *Sink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
