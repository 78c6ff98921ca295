package ports

import "meshvoice/internal/core/domain"

// EventSink receives session events. Calls come from the session loop and
// must not block for long.
type EventSink interface {
	ParticipantJoined(id domain.ParticipantID, name string)
	ParticipantLeft(id domain.ParticipantID, name string)
	VolumeSamples(samples []domain.VolumeSample)
	RemoteShareStarted(id domain.ParticipantID, name string, track RemoteTrack)
	RemoteShareEnded(id domain.ParticipantID, name string)
}
