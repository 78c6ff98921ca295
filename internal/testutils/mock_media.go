package testutils

import (
	"context"
	"sync"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

func newOpusTrack(id string) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "meshvoice")
	if err != nil {
		panic(err)
	}
	return track
}

// FakeCaptureDevice returns in-memory capture streams. Setting Block makes
// OpenMicrophone wait until the channel is closed.
type FakeCaptureDevice struct {
	MicErr    error
	ScreenErr error
	Block     chan struct{}
	Opened    chan struct{}

	openedOnce sync.Once
	mu         sync.Mutex
	mic        *FakeCaptureStream
	silence    *FakeSilence
	screens    []*FakeScreenStream
}

func NewFakeCaptureDevice() *FakeCaptureDevice {
	return &FakeCaptureDevice{}
}

func (d *FakeCaptureDevice) OpenMicrophone(ctx context.Context) (ports.CaptureStream, error) {
	if d.Opened != nil {
		d.openedOnce.Do(func() { close(d.Opened) })
	}
	if d.Block != nil {
		select {
		case <-d.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.MicErr != nil {
		return nil, d.MicErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mic = &FakeCaptureStream{track: newOpusTrack("mic"), gain: 1}
	return d.mic, nil
}

func (d *FakeCaptureDevice) OpenSilence(ctx context.Context) (ports.SilenceSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silence = &FakeSilence{track: newOpusTrack("silence")}
	return d.silence, nil
}

func (d *FakeCaptureDevice) OpenScreen(ctx context.Context) (ports.ScreenStream, error) {
	if d.ScreenErr != nil {
		return nil, d.ScreenErr
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "meshvoice-screen")
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &FakeScreenStream{track: track, done: make(chan struct{})}
	d.screens = append(d.screens, s)
	return s, nil
}

func (d *FakeCaptureDevice) Mic() *FakeCaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mic
}

func (d *FakeCaptureDevice) Silence() *FakeSilence {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.silence
}

func (d *FakeCaptureDevice) LastScreen() *FakeScreenStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.screens) == 0 {
		return nil
	}
	return d.screens[len(d.screens)-1]
}

type FakeCaptureStream struct {
	mu     sync.Mutex
	track  webrtc.TrackLocal
	gain   float64
	level  float64
	closed bool
}

func (s *FakeCaptureStream) Track() webrtc.TrackLocal { return s.track }

func (s *FakeCaptureStream) SetGain(gain float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gain = gain
}

func (s *FakeCaptureStream) Gain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}

func (s *FakeCaptureStream) SetLevel(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

func (s *FakeCaptureStream) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *FakeCaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeCaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type FakeSilence struct {
	track  webrtc.TrackLocal
	closed bool
}

func (s *FakeSilence) Track() webrtc.TrackLocal { return s.track }
func (s *FakeSilence) Close() error             { s.closed = true; return nil }

type FakeScreenStream struct {
	track  webrtc.TrackLocal
	once   sync.Once
	done   chan struct{}
	closed bool
}

func (s *FakeScreenStream) Track() webrtc.TrackLocal { return s.track }
func (s *FakeScreenStream) Done() <-chan struct{}    { return s.done }

func (s *FakeScreenStream) Close() error {
	s.closed = true
	s.End()
	return nil
}

// End simulates the user stopping the capture from outside the session.
func (s *FakeScreenStream) End() {
	s.once.Do(func() { close(s.done) })
}

// FakeAudioOutput creates FakeSinks and keeps them by participant.
type FakeAudioOutput struct {
	Err error

	mu    sync.Mutex
	sinks map[domain.ParticipantID]*FakeSink
}

func NewFakeAudioOutput() *FakeAudioOutput {
	return &FakeAudioOutput{sinks: make(map[domain.ParticipantID]*FakeSink)}
}

func (o *FakeAudioOutput) Attach(id domain.ParticipantID, track ports.RemoteTrack, deviceID string) (ports.AudioSink, error) {
	if o.Err != nil {
		return nil, o.Err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	sink := &FakeSink{Device: deviceID, Volume: 1}
	o.sinks[id] = sink
	return sink, nil
}

func (o *FakeAudioOutput) Sink(id domain.ParticipantID) *FakeSink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sinks[id]
}

type FakeSink struct {
	mu     sync.Mutex
	Volume float64
	Muted  bool
	Gain   float64
	Device string
	level  float64
	closed bool
	calls  int
}

func (s *FakeSink) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Volume = v
	s.calls++
}

func (s *FakeSink) SetMuted(m bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Muted = m
	s.calls++
}

func (s *FakeSink) SetAmplifierGain(g float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Gain = g
	s.calls++
}

func (s *FakeSink) SetDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Device = id
	return nil
}

func (s *FakeSink) SetLevel(level float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

func (s *FakeSink) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

func (s *FakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Snapshot returns volume, muted and gain under the lock.
func (s *FakeSink) Snapshot() (float64, bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Volume, s.Muted, s.Gain
}

func (s *FakeSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *FakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeSink) CurrentDevice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Device
}
