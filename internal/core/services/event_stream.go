package services

import (
	"sync"
	"sync/atomic"

	"meshvoice/internal/core/domain"
	"meshvoice/internal/core/ports"
)

type EventKind string

const (
	EventParticipantJoined  EventKind = "participant-joined"
	EventParticipantLeft    EventKind = "participant-left"
	EventVolumeSamples      EventKind = "volume-samples"
	EventRemoteShareStarted EventKind = "remote-share-started"
	EventRemoteShareEnded   EventKind = "remote-share-ended"
)

type Event struct {
	Kind          EventKind             `json:"kind"`
	ParticipantID domain.ParticipantID  `json:"participant_id,omitempty"`
	Name          string                `json:"name,omitempty"`
	Samples       []domain.VolumeSample `json:"samples,omitempty"`
	Track         ports.RemoteTrack     `json:"-"`
}

// EventStream is a channel-backed EventSink. Volume batches are dropped
// when the consumer lags; every other event waits for room.
type EventStream struct {
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewEventStream(buffer int) *EventStream {
	return &EventStream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

func (s *EventStream) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many volume batches were discarded.
func (s *EventStream) Dropped() int64 {
	return s.dropped.Load()
}

func (s *EventStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *EventStream) send(e Event, lossy bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if lossy {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
		return
	}
	select {
	case s.ch <- e:
	case <-s.done:
	}
}

func (s *EventStream) ParticipantJoined(id domain.ParticipantID, name string) {
	s.send(Event{Kind: EventParticipantJoined, ParticipantID: id, Name: name}, false)
}

func (s *EventStream) ParticipantLeft(id domain.ParticipantID, name string) {
	s.send(Event{Kind: EventParticipantLeft, ParticipantID: id, Name: name}, false)
}

func (s *EventStream) VolumeSamples(samples []domain.VolumeSample) {
	s.send(Event{Kind: EventVolumeSamples, Samples: samples}, true)
}

func (s *EventStream) RemoteShareStarted(id domain.ParticipantID, name string, track ports.RemoteTrack) {
	s.send(Event{Kind: EventRemoteShareStarted, ParticipantID: id, Name: name, Track: track}, false)
}

func (s *EventStream) RemoteShareEnded(id domain.ParticipantID, name string) {
	s.send(Event{Kind: EventRemoteShareEnded, ParticipantID: id, Name: name}, false)
}

type noopEventSink struct{}

func (noopEventSink) ParticipantJoined(domain.ParticipantID, string)                     {}
func (noopEventSink) ParticipantLeft(domain.ParticipantID, string)                       {}
func (noopEventSink) VolumeSamples([]domain.VolumeSample)                                {}
func (noopEventSink) RemoteShareStarted(domain.ParticipantID, string, ports.RemoteTrack) {}
func (noopEventSink) RemoteShareEnded(domain.ParticipantID, string)                      {}
