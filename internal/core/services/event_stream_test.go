package services

import (
	"testing"

	"meshvoice/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStream_DeliversInOrder(t *testing.T) {
	s := NewEventStream(8)
	s.ParticipantJoined("bob", "Bob")
	s.VolumeSamples([]domain.VolumeSample{{ParticipantID: "bob", Level: 12}})
	s.ParticipantLeft("bob", "Bob")
	s.Close()

	var kinds []EventKind
	for e := range s.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventParticipantJoined, EventVolumeSamples, EventParticipantLeft}, kinds)
}

func TestEventStream_DropsVolumeWhenFull(t *testing.T) {
	s := NewEventStream(1)
	s.VolumeSamples(nil)
	s.VolumeSamples(nil)
	assert.Equal(t, int64(1), s.Dropped())

	// Close releases a producer blocked on a full buffer.
	done := make(chan struct{})
	go func() {
		s.ParticipantJoined("bob", "Bob")
		close(done)
	}()
	s.Close()
	<-done

	e, ok := <-s.Events()
	require.True(t, ok)
	assert.Equal(t, EventVolumeSamples, e.Kind)

	s.ParticipantLeft("bob", "Bob")
}
