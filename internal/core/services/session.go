package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
	apperrors "meshvoice/pkg/errors"
	"meshvoice/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type SessionConfig struct {
	MonitorInterval time.Duration
	ICEBatchDelay   time.Duration
	ICEBatchMax     int
	GateOpenDelay   time.Duration
	GateCloseDelay  time.Duration
	QueueSize       int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MonitorInterval: DefaultMonitorInterval,
		ICEBatchDelay:   DefaultICEBatchDelay,
		ICEBatchMax:     DefaultICEBatchMax,
		GateOpenDelay:   DefaultGateOpenDelay,
		GateCloseDelay:  DefaultGateCloseDelay,
		QueueSize:       256,
	}
}

type remotePeer struct {
	id         domain.ParticipantID
	name       string
	link       ports.PeerLink
	negotiator *PeerNegotiator
	state      domain.LinkState
	joinedAt   time.Time
}

// Status is a point-in-time view of a session.
type Status struct {
	SessionID    domain.SessionID         `json:"session_id"`
	Local        domain.Identity          `json:"local"`
	State        string                   `json:"state"`
	Muted        bool                     `json:"muted"`
	Deafened     bool                     `json:"deafened"`
	Live         bool                     `json:"live"`
	Sharing      bool                     `json:"sharing"`
	Settings     domain.AudioSettings     `json:"settings"`
	Participants []domain.ParticipantInfo `json:"participants"`
}

// Session is one joined voice session. All peer, gate and track state is
// owned by a single loop goroutine; exported methods post work to it.
// Methods must not be called from EventSink callbacks.
type Session struct {
	id      domain.SessionID
	local   domain.Identity
	cfg     SessionConfig
	deps    CoordinatorDeps
	metrics ports.SessionMetrics
	logger  *zap.SugaredLogger

	stateMu sync.RWMutex
	state   domain.SessionState

	// loop-owned
	settings     domain.AudioSettings
	peers        map[domain.ParticipantID]*remotePeer
	pipeline     *AudioPipeline
	gate         *NoiseGate
	renderer     *AudioRenderer
	share        *ScreenShare
	monitor      *VolumeMonitor
	ice          *iceBatcher
	gateTimer    *time.Timer
	gateDeadline time.Time

	queue       chan func()
	loopCtx     context.Context
	cancelLoop  context.CancelFunc
	loopDone    chan struct{}
	loopStarted bool
	out         *outbox
	unsubscribe func()

	startMu   sync.Mutex
	leaveOnce sync.Once
	left      chan struct{}
	leaveErr  error
}

func newSession(id domain.SessionID, local domain.Identity, settings domain.AudioSettings, cfg SessionConfig, deps CoordinatorDeps, logger *zap.SugaredLogger) *Session {
	logger = logger.With("session_id", id, "participant_id", local.ID)
	metrics := sessionMetricsOrNoop(deps.Metrics)
	loopCtx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:         id,
		local:      local,
		cfg:        cfg,
		deps:       deps,
		metrics:    metrics,
		logger:     logger,
		state:      domain.SessionJoining,
		settings:   settings,
		peers:      make(map[domain.ParticipantID]*remotePeer),
		pipeline:   NewAudioPipeline(deps.Capture, logger),
		gate:       NewNoiseGate(settings.MicThreshold, settings.InputVolume, cfg.GateOpenDelay, cfg.GateCloseDelay),
		renderer:   NewAudioRenderer(deps.Output, settings, logger),
		share:      NewScreenShare(logger),
		queue:      make(chan func(), cfg.QueueSize),
		loopCtx:    loopCtx,
		cancelLoop: cancel,
		loopDone:   make(chan struct{}),
		out:        newOutbox(deps.Relay, cfg.QueueSize, metrics, logger),
		left:       make(chan struct{}),
	}
	s.monitor = NewVolumeMonitor(local, s.pipeline, s.gate, s.renderer, deps.Events, metrics)
	s.ice = newICEBatcher(cfg.ICEBatchDelay, cfg.ICEBatchMax, func(to domain.ParticipantID, candidates []domain.ICECandidate) error {
		s.send(domain.MessageICEBatch, to, domain.ICEBatchPayload{Candidates: candidates})
		return nil
	}, logger)
	return s
}

func (s *Session) ID() domain.SessionID {
	return s.id
}

func (s *Session) Local() domain.Identity {
	return s.local
}

func (s *Session) State() domain.SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(state domain.SessionState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Done is closed once the session has fully left.
func (s *Session) Done() <-chan struct{} {
	return s.left
}

func (s *Session) start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	started := time.Now()
	ctx, span := tracing.TraceSession(ctx, "join", string(s.id), string(s.local.ID))
	defer span.End()

	if err := s.pipeline.Open(ctx, s.settings.InputVolume); err != nil {
		tracing.RecordError(ctx, err)
		s.leaveOnce.Do(func() { s.shutdownLocked(ctx) })
		return err
	}

	if err := s.deps.Relay.Purge(ctx, s.id, s.local.ID); err != nil {
		s.logger.Warnw("Failed to purge stale signaling messages", "error", err)
	}

	s.out.start()
	s.loopStarted = true
	go s.run()

	unsubscribe, err := s.deps.Relay.Subscribe(ctx, s.id, s.local.ID, s.deliver)
	if err != nil {
		tracing.RecordError(ctx, err)
		s.leaveOnce.Do(func() { s.shutdownLocked(ctx) })
		if apperrors.IsAppError(err) {
			return err
		}
		return apperrors.NewSignalingDeliveryError(fmt.Errorf("%w: subscribe: %v", domain.ErrSignalingDelivery, err))
	}
	s.unsubscribe = unsubscribe

	s.setState(domain.SessionActive)
	s.metrics.SessionJoined()
	s.metrics.JoinDuration(time.Since(started))
	s.send(domain.MessageJoin, "", nil)

	s.logger.Infow("Joined session", "threshold", s.settings.MicThreshold)
	return nil
}

// Leave closes every link, stops audio and purges this participant's relay
// messages. It is idempotent and safe in any state.
func (s *Session) Leave(ctx context.Context) error {
	s.leaveOnce.Do(func() {
		s.startMu.Lock()
		defer s.startMu.Unlock()
		s.shutdownLocked(ctx)
	})
	select {
	case <-s.left:
		return s.leaveErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) shutdownLocked(ctx context.Context) {
	ctx, span := tracing.TraceSession(ctx, "leave", string(s.id), string(s.local.ID))
	defer span.End()

	wasActive := s.State() == domain.SessionActive
	s.setState(domain.SessionLeaving)

	// Cancel first: the relay handler may be blocked posting to the loop,
	// and unsubscribe waits for it.
	s.cancelLoop()
	s.out.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.loopStarted {
		<-s.loopDone
	} else {
		s.teardown()
	}
	s.out.stop()

	if s.loopStarted {
		if err := s.deps.Relay.Purge(ctx, s.id, s.local.ID); err != nil {
			s.logger.Warnw("Failed to purge signaling messages on leave", "error", err)
			s.leaveErr = err
		}
	}

	s.setState(domain.SessionIdle)
	if wasActive {
		s.metrics.SessionLeft()
		s.logger.Infow("Left session")
	}
	close(s.left)
}

func (s *Session) run() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.loopCtx.Done():
			s.teardown()
			return
		case fn := <-s.queue:
			fn()
		case now := <-ticker.C:
			s.monitor.Tick(now, s.remoteIdentities())
		}
		s.armGateTimer()
	}
}

func (s *Session) teardown() {
	s.ice.Stop()
	if s.gateTimer != nil {
		s.gateTimer.Stop()
	}
	s.gate.Stop()
	if s.share.Active() {
		_, _ = s.share.Stop(nil)
	}
	for _, peer := range s.peers {
		s.dropPeer(peer, false)
	}
	s.renderer.Close()
	s.pipeline.Close()
}

// armGateTimer schedules a wake-up for the gate's next deadline so it fires
// between monitor ticks.
func (s *Session) armGateTimer() {
	deadline, ok := s.gate.NextDeadline()
	if !ok {
		s.gateDeadline = time.Time{}
		return
	}
	if deadline.Equal(s.gateDeadline) {
		return
	}
	s.gateDeadline = deadline
	if s.gateTimer != nil {
		s.gateTimer.Stop()
	}
	s.gateTimer = time.AfterFunc(time.Until(deadline), func() {
		s.post(func() {
			s.monitor.Apply(s.gate.Advance(time.Now()))
		})
	})
}

func (s *Session) post(fn func()) bool {
	select {
	case s.queue <- fn:
		return true
	case <-s.loopCtx.Done():
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	if s.State() != domain.SessionActive {
		return errNotJoined()
	}
	errCh := make(chan error, 1)
	if !s.post(func() { errCh <- fn() }) {
		return errNotJoined()
	}
	select {
	case err := <-errCh:
		return err
	case <-s.loopDone:
		select {
		case err := <-errCh:
			return err
		default:
			return errNotJoined()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) send(msgType domain.MessageType, to domain.ParticipantID, payload interface{}) {
	msg, err := domain.NewSignalMessage(msgType, to, payload)
	if err != nil {
		s.logger.Errorw("Failed to build signaling message", "type", msgType, "error", err)
		return
	}
	msg.SessionID = s.id
	msg.FromID = s.local.ID
	msg.FromName = s.local.Name
	s.out.enqueue(msg)
}

func (s *Session) signaler(to domain.ParticipantID) Signaler {
	return func(msgType domain.MessageType, payload interface{}) {
		s.send(msgType, to, payload)
	}
}

// deliver is the relay subscription handler.
func (s *Session) deliver(msg *domain.SignalMessage) {
	s.post(func() { s.handleInbound(msg) })
}

func (s *Session) handleInbound(msg *domain.SignalMessage) {
	if msg.FromID == s.local.ID || !msg.AddressedTo(s.local.ID) {
		return
	}
	s.logger.Debugw("Inbound signaling message", "type", msg.Type, "from", msg.FromID, "id", msg.ID)

	ctx := s.loopCtx
	switch msg.Type {
	case domain.MessageJoin:
		s.onJoin(ctx, msg)

	case domain.MessageOffer:
		var desc domain.DescriptionPayload
		if err := msg.DecodePayload(&desc); err != nil {
			s.logger.Warnw("Dropping malformed offer", "from", msg.FromID, "error", err)
			return
		}
		peer, err := s.ensurePeer(ctx, msg)
		if err != nil {
			s.logger.Errorw("Failed to create peer link", "peer_id", msg.FromID, "error", err)
			return
		}
		if err := peer.negotiator.HandleOffer(ctx, desc.SDP); err != nil {
			s.logger.Warnw("Failed to handle offer", "peer_id", peer.id, "error", err)
		}

	case domain.MessageAnswer:
		peer, ok := s.peers[msg.FromID]
		if !ok {
			s.logger.Debugw("Dropping answer from unknown peer", "from", msg.FromID)
			return
		}
		var desc domain.DescriptionPayload
		if err := msg.DecodePayload(&desc); err != nil {
			s.logger.Warnw("Dropping malformed answer", "from", msg.FromID, "error", err)
			return
		}
		if err := peer.negotiator.HandleAnswer(ctx, desc.SDP); err != nil {
			s.logger.Warnw("Failed to handle answer", "peer_id", peer.id, "error", err)
		}

	case domain.MessageICEBatch:
		var batch domain.ICEBatchPayload
		if err := msg.DecodePayload(&batch); err != nil {
			s.logger.Warnw("Dropping malformed ICE batch", "from", msg.FromID, "error", err)
			return
		}
		peer, err := s.ensurePeer(ctx, msg)
		if err != nil {
			s.logger.Errorw("Failed to create peer link", "peer_id", msg.FromID, "error", err)
			return
		}
		peer.negotiator.HandleCandidates(batch.Candidates)

	case domain.MessageScreenShareEnded:
		if peer, ok := s.peers[msg.FromID]; ok {
			s.remoteShareEnded(peer, nil)
		}

	default:
		s.logger.Debugw("Ignoring unknown message type", "type", msg.Type)
	}
}

func (s *Session) onJoin(ctx context.Context, msg *domain.SignalMessage) {
	if peer, ok := s.peers[msg.FromID]; ok {
		if !peer.state.Replaceable() {
			s.logger.Debugw("Ignoring duplicate join", "peer_id", peer.id, "state", peer.state)
			return
		}
		s.logger.Infow("Replacing dead link on rejoin", "peer_id", peer.id, "state", peer.state)
		s.dropPeer(peer, true)
	}

	peer, err := s.createPeer(ctx, msg.FromID, msg.FromName)
	if err != nil {
		s.logger.Errorw("Failed to create peer link", "peer_id", msg.FromID, "error", err)
		return
	}
	if err := peer.negotiator.Negotiate(ctx); err != nil {
		s.logger.Warnw("Failed to start negotiation", "peer_id", peer.id, "error", err)
	}
}

func (s *Session) ensurePeer(ctx context.Context, msg *domain.SignalMessage) (*remotePeer, error) {
	if peer, ok := s.peers[msg.FromID]; ok {
		if peer.name == "" && msg.FromName != "" {
			peer.name = msg.FromName
		}
		return peer, nil
	}
	return s.createPeer(ctx, msg.FromID, msg.FromName)
}

func (s *Session) createPeer(ctx context.Context, id domain.ParticipantID, name string) (*remotePeer, error) {
	link, err := s.deps.Links.NewPeerLink(ctx, id)
	if err != nil {
		return nil, err
	}

	peer := &remotePeer{
		id:       id,
		name:     name,
		link:     link,
		state:    domain.LinkNew,
		joinedAt: time.Now(),
	}
	peer.negotiator = NewPeerNegotiator(s.local.ID, id, link, s.signaler(id), s.metrics, s.logger)

	link.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		candidate := domain.ICECandidate(*c)
		s.post(func() {
			if s.peers[id] == peer {
				s.ice.Add(id, candidate)
			}
		})
	})
	link.OnConnectionStateChange(func(state domain.LinkState) {
		s.post(func() { s.onLinkState(peer, state) })
	})
	link.OnTrack(func(track ports.RemoteTrack) {
		s.post(func() { s.onTrack(peer, track) })
	})

	if err := s.pipeline.Attach(id, link); err != nil {
		link.Close()
		return nil, err
	}
	if _, err := s.share.Attach(id, link); err != nil {
		s.logger.Warnw("Failed to add screen share to new link", "peer_id", id, "error", err)
	}

	s.peers[id] = peer
	s.metrics.PeersConnected(len(s.peers))
	s.deps.Events.ParticipantJoined(id, name)
	s.logger.Infow("Participant joined", "peer_id", id, "name", name, "polite", peer.negotiator.Polite())
	return peer, nil
}

func (s *Session) dropPeer(peer *remotePeer, emitLeft bool) {
	if s.peers[peer.id] != peer {
		return
	}
	delete(s.peers, peer.id)
	s.ice.Discard(peer.id)
	s.pipeline.Detach(peer.id)
	if s.share.RemoteEnded(peer.id, nil) && emitLeft {
		s.deps.Events.RemoteShareEnded(peer.id, peer.name)
	}
	s.share.Forget(peer.id)
	s.renderer.Forget(peer.id)
	if err := peer.link.Close(); err != nil {
		s.logger.Debugw("Failed to close peer link", "peer_id", peer.id, "error", err)
	}
	s.metrics.PeersConnected(len(s.peers))

	if emitLeft {
		s.deps.Events.ParticipantLeft(peer.id, peer.name)
		s.logger.Infow("Participant left", "peer_id", peer.id, "state", peer.state)
	}
}

func (s *Session) onLinkState(peer *remotePeer, state domain.LinkState) {
	if s.peers[peer.id] != peer {
		return
	}
	peer.state = state
	s.logger.Debugw("Peer link state changed", "peer_id", peer.id, "state", state)
	if state.Terminal() {
		s.dropPeer(peer, true)
	}
}

func (s *Session) onTrack(peer *remotePeer, track ports.RemoteTrack) {
	if s.peers[peer.id] != peer {
		return
	}
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		if err := s.renderer.Attach(peer.id, track); err != nil {
			s.logger.Warnw("Failed to render remote audio", "peer_id", peer.id, "error", err)
		}
	case webrtc.RTPCodecTypeVideo:
		if !s.share.RemoteStarted(peer.id, track) {
			return
		}
		if err := peer.link.RequestKeyframe(track.SSRC()); err != nil {
			s.logger.Debugw("Failed to request keyframe", "peer_id", peer.id, "error", err)
		}
		s.deps.Events.RemoteShareStarted(peer.id, peer.name, track)
		s.logger.Infow("Remote screen share started", "peer_id", peer.id, "track_id", track.ID())
		go s.watchRemoteShare(peer, track)
	}
}

func (s *Session) watchRemoteShare(peer *remotePeer, track ports.RemoteTrack) {
	select {
	case <-track.Done():
		s.post(func() { s.remoteShareEnded(peer, track) })
	case <-s.loopCtx.Done():
	}
}

// remoteShareEnded handles both the authoritative message (track == nil)
// and the end-of-track hint.
func (s *Session) remoteShareEnded(peer *remotePeer, track ports.RemoteTrack) {
	if s.peers[peer.id] != peer {
		return
	}
	if s.share.RemoteEnded(peer.id, track) {
		s.deps.Events.RemoteShareEnded(peer.id, peer.name)
		s.logger.Infow("Remote screen share ended", "peer_id", peer.id, "by_message", track == nil)
	}
}

func (s *Session) remoteIdentities() []domain.Identity {
	ids := make([]domain.Identity, 0, len(s.peers))
	for _, peer := range s.peers {
		ids = append(ids, domain.Identity{ID: peer.id, Name: peer.name})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
	return ids
}

func (s *Session) links() map[domain.ParticipantID]ports.PeerLink {
	links := make(map[domain.ParticipantID]ports.PeerLink, len(s.peers))
	for id, peer := range s.peers {
		links[id] = peer.link
	}
	return links
}
