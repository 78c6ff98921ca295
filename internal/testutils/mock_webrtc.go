package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var errWrongState = errors.New("fake link: invalid signaling transition")

// FakePeerLink is an in-memory ports.PeerLink that follows the JSEP
// signaling state transitions without any network activity.
type FakePeerLink struct {
	RemoteID domain.ParticipantID
	LocalID  domain.ParticipantID

	// FailCandidate, when set, decides whether a candidate is rejected.
	FailCandidate func(c webrtc.ICECandidateInit) error

	mu                sync.Mutex
	state             webrtc.SignalingState
	offers            int
	closed            bool
	applied           []webrtc.ICECandidateInit
	localDescs        []webrtc.SessionDescription
	remoteDescs       []webrtc.SessionDescription
	rollbacks         int
	senders           []*FakeSender
	keyframeRequests  []uint32
	onICECandidate    func(*webrtc.ICECandidateInit)
	onConnectionState func(domain.LinkState)
	onTrack           func(ports.RemoteTrack)
}

func NewFakePeerLink(local, remote domain.ParticipantID) *FakePeerLink {
	return &FakePeerLink{LocalID: local, RemoteID: remote, state: webrtc.SignalingStateStable}
}

func (l *FakePeerLink) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer:%s:%d", l.LocalID, l.offers),
	}, nil
}

func (l *FakePeerLink) CreateAnswer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errWrongState
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer:%s", l.LocalID),
	}, nil
}

func (l *FakePeerLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && l.state == webrtc.SignalingStateStable:
		l.state = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && l.state == webrtc.SignalingStateHaveRemoteOffer:
		l.state = webrtc.SignalingStateStable
	default:
		return errWrongState
	}
	l.localDescs = append(l.localDescs, desc)
	return nil
}

func (l *FakePeerLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && l.state == webrtc.SignalingStateStable:
		l.state = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && l.state == webrtc.SignalingStateHaveLocalOffer:
		l.state = webrtc.SignalingStateStable
	default:
		return errWrongState
	}
	l.remoteDescs = append(l.remoteDescs, desc)
	return nil
}

// Rollback mirrors the pion adapter: only a pending local offer is dropped,
// anything else is left alone. Tracks and callbacks survive.
func (l *FakePeerLink) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	l.state = webrtc.SignalingStateStable
	l.rollbacks++
	return nil
}

func (l *FakePeerLink) SignalingState() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *FakePeerLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	if l.FailCandidate != nil {
		if err := l.FailCandidate(c); err != nil {
			return err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.applied = append(l.applied, c)
	return nil
}

func (l *FakePeerLink) AddTrack(track webrtc.TrackLocal) (ports.TrackSender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("fake link: closed")
	}
	s := &FakeSender{track: track}
	l.senders = append(l.senders, s)
	return s, nil
}

func (l *FakePeerLink) RemoveTrack(sender ports.TrackSender) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.senders {
		if ports.TrackSender(s) == sender {
			l.senders = append(l.senders[:i], l.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("fake link: unknown sender")
}

func (l *FakePeerLink) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onICECandidate = fn
}

func (l *FakePeerLink) OnConnectionStateChange(fn func(domain.LinkState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onConnectionState = fn
}

func (l *FakePeerLink) OnTrack(fn func(ports.RemoteTrack)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrack = fn
}

func (l *FakePeerLink) RequestKeyframe(ssrc uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keyframeRequests = append(l.keyframeRequests, ssrc)
	return nil
}

func (l *FakePeerLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.state = webrtc.SignalingStateClosed
	l.mu.Unlock()
	return nil
}

// EmitCandidate simulates a locally gathered candidate.
func (l *FakePeerLink) EmitCandidate(c webrtc.ICECandidateInit) {
	l.mu.Lock()
	fn := l.onICECandidate
	l.mu.Unlock()
	if fn != nil {
		fn(&c)
	}
}

func (l *FakePeerLink) EmitState(state domain.LinkState) {
	l.mu.Lock()
	fn := l.onConnectionState
	l.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (l *FakePeerLink) EmitTrack(track ports.RemoteTrack) {
	l.mu.Lock()
	fn := l.onTrack
	l.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (l *FakePeerLink) AppliedCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), l.applied...)
}

func (l *FakePeerLink) LocalDescriptions() []webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), l.localDescs...)
}

func (l *FakePeerLink) RemoteDescriptions() []webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), l.remoteDescs...)
}

func (l *FakePeerLink) Rollbacks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollbacks
}

func (l *FakePeerLink) Senders() []*FakeSender {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeSender(nil), l.senders...)
}

func (l *FakePeerLink) KeyframeRequests() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint32(nil), l.keyframeRequests...)
}

func (l *FakePeerLink) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// FakeSender records the track currently attached to it.
type FakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *FakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *FakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *FakeSender) Replacements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// FakeLinkFactory hands out FakePeerLinks and remembers every link it made.
type FakeLinkFactory struct {
	LocalID domain.ParticipantID
	Err     error

	mu    sync.Mutex
	links map[domain.ParticipantID][]*FakePeerLink
}

func NewFakeLinkFactory(local domain.ParticipantID) *FakeLinkFactory {
	return &FakeLinkFactory{LocalID: local, links: make(map[domain.ParticipantID][]*FakePeerLink)}
}

func (f *FakeLinkFactory) NewPeerLink(_ context.Context, remoteID domain.ParticipantID) (ports.PeerLink, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	link := NewFakePeerLink(f.LocalID, remoteID)
	f.mu.Lock()
	f.links[remoteID] = append(f.links[remoteID], link)
	f.mu.Unlock()
	return link, nil
}

// Link returns the most recent link created for remoteID.
func (f *FakeLinkFactory) Link(remoteID domain.ParticipantID) *FakePeerLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	links := f.links[remoteID]
	if len(links) == 0 {
		return nil
	}
	return links[len(links)-1]
}

func (f *FakeLinkFactory) LinkCount(remoteID domain.ParticipantID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links[remoteID])
}

// FakeRemoteTrack is an inbound track whose reads block until End is called.
type FakeRemoteTrack struct {
	TrackID string
	Stream  string
	Codec   webrtc.RTPCodecType
	Source  uint32

	once sync.Once
	done chan struct{}
}

func NewFakeRemoteTrack(id string, kind webrtc.RTPCodecType, ssrc uint32) *FakeRemoteTrack {
	return &FakeRemoteTrack{TrackID: id, Stream: "stream-" + id, Codec: kind, Source: ssrc, done: make(chan struct{})}
}

func (t *FakeRemoteTrack) ID() string                { return t.TrackID }
func (t *FakeRemoteTrack) StreamID() string          { return t.Stream }
func (t *FakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.Codec }
func (t *FakeRemoteTrack) SSRC() uint32              { return t.Source }
func (t *FakeRemoteTrack) Done() <-chan struct{}     { return t.done }

func (t *FakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	<-t.done
	return nil, errors.New("fake track: ended")
}

// End simulates the remote side stopping the track.
func (t *FakeRemoteTrack) End() {
	t.once.Do(func() { close(t.done) })
}
