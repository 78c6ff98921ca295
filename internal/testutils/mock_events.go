package testutils

import (
	"sync"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
)

type EventKind string

const (
	EventJoined     EventKind = "joined"
	EventLeft       EventKind = "left"
	EventVolumes    EventKind = "volumes"
	EventShareStart EventKind = "share-started"
	EventShareEnd   EventKind = "share-ended"
)

type RecordedEvent struct {
	Kind    EventKind
	ID      domain.ParticipantID
	Name    string
	Samples []domain.VolumeSample
	Track   ports.RemoteTrack
}

// EventRecorder is a ports.EventSink that keeps everything it receives.
type EventRecorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) record(e RecordedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *EventRecorder) ParticipantJoined(id domain.ParticipantID, name string) {
	r.record(RecordedEvent{Kind: EventJoined, ID: id, Name: name})
}

func (r *EventRecorder) ParticipantLeft(id domain.ParticipantID, name string) {
	r.record(RecordedEvent{Kind: EventLeft, ID: id, Name: name})
}

func (r *EventRecorder) VolumeSamples(samples []domain.VolumeSample) {
	r.record(RecordedEvent{Kind: EventVolumes, Samples: append([]domain.VolumeSample(nil), samples...)})
}

func (r *EventRecorder) RemoteShareStarted(id domain.ParticipantID, name string, track ports.RemoteTrack) {
	r.record(RecordedEvent{Kind: EventShareStart, ID: id, Name: name, Track: track})
}

func (r *EventRecorder) RemoteShareEnded(id domain.ParticipantID, name string) {
	r.record(RecordedEvent{Kind: EventShareEnd, ID: id, Name: name})
}

func (r *EventRecorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.events...)
}

// Count returns how many events of kind were recorded for id. An empty id
// matches every participant.
func (r *EventRecorder) Count(kind EventKind, id domain.ParticipantID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && (id == "" || e.ID == id) {
			n++
		}
	}
	return n
}

// LastVolumes returns the most recent volume batch.
func (r *EventRecorder) LastVolumes() []domain.VolumeSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == EventVolumes {
			return r.events[i].Samples
		}
	}
	return nil
}
