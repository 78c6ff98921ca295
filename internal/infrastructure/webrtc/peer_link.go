package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errForeignSender = errors.New("sender was not created by this link")

type PortRange struct {
	Min uint16
	Max uint16
}

type LinkConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  PortRange
}

// LinkFactory builds pion peer connections that share one API: default
// codecs and interceptors plus the RFC 6464 audio level extension, which the
// playback sink reads.
type LinkFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.PeerLinkFactory = (*LinkFactory)(nil)

func NewLinkFactory(cfg LinkConfig, logger *zap.SugaredLogger) (*LinkFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("failed to register audio level extension: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &LinkFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *LinkFactory) NewPeerLink(ctx context.Context, remoteID domain.ParticipantID) (ports.PeerLink, error) {
	l := &PeerLink{
		factory:  f,
		remoteID: remoteID,
		logger:   f.logger.With("peer_id", remoteID),
	}
	pc, err := l.newConnection()
	if err != nil {
		return nil, err
	}
	l.pc = pc
	return l, nil
}

// PeerLink adapts *webrtc.PeerConnection to ports.PeerLink. pion v3 refuses
// rollback as a signaling transition, so Rollback replaces the underlying
// connection with a fresh one carrying the same tracks and callbacks. Events
// from a replaced connection are dropped.
type PeerLink struct {
	factory  *LinkFactory
	remoteID domain.ParticipantID
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	senders   []*linkSender
	connected bool
	handlers  linkCallbacks
}

func (l *PeerLink) newConnection() (*webrtc.PeerConnection, error) {
	pc, err := l.factory.api.NewPeerConnection(l.factory.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		cb, ok := l.callbacks(pc)
		if !ok || cb.ice == nil {
			return
		}
		if c == nil {
			cb.ice(nil)
			return
		}
		init := c.ToJSON()
		cb.ice(&init)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		cb, ok := l.callbacks(pc)
		if !ok {
			return
		}
		if state == webrtc.PeerConnectionStateConnected {
			l.mu.Lock()
			l.connected = true
			l.mu.Unlock()
		}
		l.logger.Debugw("peer connection state changed", "connection_state", state.String())
		if cb.state != nil {
			cb.state(linkState(state))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		cb, ok := l.callbacks(pc)
		if !ok || cb.track == nil {
			return
		}
		l.logger.Infow("remote track started",
			"track_id", track.ID(),
			"kind", track.Kind().String(),
			"ssrc", uint32(track.SSRC()),
			"codec", track.Codec().MimeType,
		)
		remote := newRemoteTrack(track, receiver)
		go remote.watchReceiver(receiver)
		cb.track(remote)
	})

	return pc, nil
}

type linkCallbacks struct {
	ice   func(*webrtc.ICECandidateInit)
	state func(domain.LinkState)
	track func(ports.RemoteTrack)
}

// callbacks returns the registered handlers while pc is the live connection.
func (l *PeerLink) callbacks(pc *webrtc.PeerConnection) (linkCallbacks, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pc != pc {
		return linkCallbacks{}, false
	}
	return l.handlers, true
}

func (l *PeerLink) current() *webrtc.PeerConnection {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pc
}

func (l *PeerLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.current().CreateOffer(nil)
}

func (l *PeerLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.current().CreateAnswer(nil)
}

func (l *PeerLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.current().SetLocalDescription(desc)
}

func (l *PeerLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.current().SetRemoteDescription(desc)
}

// Rollback drops a pending local offer by moving every track onto a new
// connection in the stable state. Without a pending offer it does nothing.
// On a link that already connected this also renews ICE and DTLS, which the
// remote pion side cannot re-key mid-session.
func (l *PeerLink) Rollback() error {
	l.mu.Lock()
	old := l.pc
	l.mu.Unlock()
	if old.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}

	pc, err := l.newConnection()
	if err != nil {
		return fmt.Errorf("failed to replace connection: %w", err)
	}

	l.mu.Lock()
	moved := make([]*webrtc.RTPSender, len(l.senders))
	for i, s := range l.senders {
		rtpSender, err := pc.AddTrack(s.Track())
		if err != nil {
			l.mu.Unlock()
			pc.Close()
			return fmt.Errorf("failed to move track %s: %w", s.Track().ID(), err)
		}
		moved[i] = rtpSender
	}
	for i, s := range l.senders {
		s.rebind(moved[i])
		go l.processRTCP(moved[i])
	}
	connected, tracks := l.connected, len(l.senders)
	l.pc = pc
	l.connected = false
	l.mu.Unlock()

	if err := old.Close(); err != nil {
		l.logger.Debugw("failed to close replaced connection", "error", err)
	}
	l.logger.Infow("local offer rolled back", "renewed_transport", connected, "tracks", tracks)
	return nil
}

func (l *PeerLink) SignalingState() webrtc.SignalingState {
	return l.current().SignalingState()
}

func (l *PeerLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.current().AddICECandidate(candidate)
}

func (l *PeerLink) AddTrack(track webrtc.TrackLocal) (ports.TrackSender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rtpSender, err := l.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	s := &linkSender{link: l, rtpSender: rtpSender, track: track}
	l.senders = append(l.senders, s)
	go l.processRTCP(rtpSender)
	return s, nil
}

// processRTCP drains sender feedback so the interceptors see it.
func (l *PeerLink) processRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if pli, ok := packet.(*rtcp.PictureLossIndication); ok {
				l.logger.Debugw("received PLI", "media_ssrc", pli.MediaSSRC)
			}
		}
	}
}

func (l *PeerLink) RemoveTrack(sender ports.TrackSender) error {
	s, ok := sender.(*linkSender)
	if !ok || s.link != l {
		return errForeignSender
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, known := range l.senders {
		if known == s {
			l.senders = append(l.senders[:i], l.senders[i+1:]...)
			return l.pc.RemoveTrack(s.sender())
		}
	}
	return errForeignSender
}

func (l *PeerLink) OnICECandidate(fn func(candidate *webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.handlers.ice = fn
	l.mu.Unlock()
}

func (l *PeerLink) OnConnectionStateChange(fn func(state domain.LinkState)) {
	l.mu.Lock()
	l.handlers.state = fn
	l.mu.Unlock()
}

func linkState(state webrtc.PeerConnectionState) domain.LinkState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.LinkConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.LinkClosed
	default:
		return domain.LinkNew
	}
}

func (l *PeerLink) OnTrack(fn func(track ports.RemoteTrack)) {
	l.mu.Lock()
	l.handlers.track = fn
	l.mu.Unlock()
}

func (l *PeerLink) RequestKeyframe(ssrc uint32) error {
	return l.current().WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

func (l *PeerLink) Close() error {
	return l.current().Close()
}

// linkSender follows its track across connection replacements.
type linkSender struct {
	link *PeerLink

	mu        sync.Mutex
	rtpSender *webrtc.RTPSender
	track     webrtc.TrackLocal
}

func (s *linkSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rtpSender.ReplaceTrack(track); err != nil {
		return err
	}
	s.track = track
	return nil
}

func (s *linkSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *linkSender) sender() *webrtc.RTPSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtpSender
}

func (s *linkSender) rebind(rtpSender *webrtc.RTPSender) {
	s.mu.Lock()
	s.rtpSender = rtpSender
	s.mu.Unlock()
}

// remoteTrack ends when either RTP reads fail or the receiver stops, so a
// track nobody reads from still reports its end.
type remoteTrack struct {
	track      *webrtc.TrackRemote
	audioLevel uint8
	done       chan struct{}
	once       sync.Once
}

func newRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) *remoteTrack {
	t := &remoteTrack{track: track, done: make(chan struct{})}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			t.audioLevel = uint8(ext.ID)
		}
	}
	return t
}

// AudioLevelExtensionID is the negotiated RFC 6464 extension id, or 0.
func (t *remoteTrack) AudioLevelExtensionID() uint8 { return t.audioLevel }

func (t *remoteTrack) ID() string                { return t.track.ID() }
func (t *remoteTrack) StreamID() string          { return t.track.StreamID() }
func (t *remoteTrack) Kind() webrtc.RTPCodecType { return t.track.Kind() }
func (t *remoteTrack) SSRC() uint32              { return uint32(t.track.SSRC()) }
func (t *remoteTrack) Done() <-chan struct{}     { return t.done }

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	if err != nil {
		t.end()
		return nil, err
	}
	return pkt, nil
}

func (t *remoteTrack) watchReceiver(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			t.end()
			return
		}
	}
}

func (t *remoteTrack) end() {
	t.once.Do(func() { close(t.done) })
}
