package ports

import (
	"context"

	"meshvoice/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// PeerLink is one bidirectional media connection to a remote participant.
// Implementations must be safe to call from a single goroutine; callbacks
// may fire on any goroutine.
type PeerLink interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards a pending local offer and returns to stable, keeping
	// local tracks and callbacks. Without a pending offer it does nothing.
	Rollback() error
	SignalingState() webrtc.SignalingState

	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	RemoveTrack(sender TrackSender) error

	// OnICECandidate receives nil once gathering completes.
	OnICECandidate(fn func(candidate *webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state domain.LinkState))
	OnTrack(fn func(track RemoteTrack))

	// RequestKeyframe sends a picture loss indication for the given media SSRC.
	RequestKeyframe(ssrc uint32) error

	Close() error
}

// TrackSender is the outgoing side of one track on a link. *webrtc.RTPSender
// satisfies it.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

type PeerLinkFactory interface {
	NewPeerLink(ctx context.Context, remoteID domain.ParticipantID) (PeerLink, error)
}

// RemoteTrack is an inbound media track. Done is closed once reading fails
// for good, which usually means the remote side stopped sending.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	SSRC() uint32
	ReadRTP() (*rtp.Packet, error)
	Done() <-chan struct{}
}

// CaptureStream is an open microphone. Track carries the captured audio with
// the gain applied; Level reports the peak of the most recent frame before
// gain, on a 0-100 scale.
type CaptureStream interface {
	Track() webrtc.TrackLocal
	SetGain(gain float64)
	Level() float64
	Close() error
}

// SilenceSource produces encoded silence in the capture format.
type SilenceSource interface {
	Track() webrtc.TrackLocal
	Close() error
}

type ScreenStream interface {
	Track() webrtc.TrackLocal
	Done() <-chan struct{}
	Close() error
}

type CaptureDevice interface {
	OpenMicrophone(ctx context.Context) (CaptureStream, error)
	OpenSilence(ctx context.Context) (SilenceSource, error)
	OpenScreen(ctx context.Context) (ScreenStream, error)
}

// AudioSink renders one remote audio track. Volume is 0-1; a positive
// amplifier gain boosts the signal past unity.
type AudioSink interface {
	SetVolume(volume float64)
	SetMuted(muted bool)
	SetAmplifierGain(gain float64)
	SetDevice(deviceID string) error
	Level() float64
	Close() error
}

type AudioOutput interface {
	Attach(participantID domain.ParticipantID, track RemoteTrack, deviceID string) (AudioSink, error)
}
