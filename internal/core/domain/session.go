package domain

import "time"

type SessionID string

type ParticipantID string

// PoliteTo reports whether id yields to remote when both sides offer at once.
func (id ParticipantID) PoliteTo(remote ParticipantID) bool {
	return id < remote
}

type Identity struct {
	ID   ParticipantID `json:"id"`
	Name string        `json:"name"`
}

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionJoining
	SessionActive
	SessionLeaving
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionJoining:
		return "joining"
	case SessionActive:
		return "active"
	case SessionLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// AudioSettings are the user-facing knobs of a session. Volumes and the
// threshold are percentages.
type AudioSettings struct {
	InputVolume  float64 `json:"input_volume" yaml:"input_volume"`
	OutputVolume float64 `json:"output_volume" yaml:"output_volume"`
	MicThreshold float64 `json:"mic_threshold" yaml:"mic_threshold"`
	OutputDevice string  `json:"output_device" yaml:"output_device"`
}

func DefaultAudioSettings() AudioSettings {
	return AudioSettings{
		InputVolume:  100,
		OutputVolume: 100,
		MicThreshold: 15,
		OutputDevice: "default",
	}
}

const (
	MaxInputVolume  = 100
	MaxOutputVolume = 100
	MaxPeerVolume   = 200
	MaxMicThreshold = 100
)

type ParticipantInfo struct {
	ID       ParticipantID `json:"id"`
	Name     string        `json:"name"`
	State    LinkState     `json:"state"`
	Volume   float64       `json:"volume"`
	Sharing  bool          `json:"sharing"`
	JoinedAt time.Time     `json:"joined_at"`
}

type VolumeSample struct {
	ParticipantID ParticipantID `json:"id"`
	Name          string        `json:"name"`
	Level         float64       `json:"level"`
}
