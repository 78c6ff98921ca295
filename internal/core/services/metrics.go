package services

import (
	"time"

	"meshvoice/internal/core/ports"
)

type noopSessionMetrics struct{}

func (noopSessionMetrics) SessionJoined()             {}
func (noopSessionMetrics) SessionLeft()               {}
func (noopSessionMetrics) PeersConnected(int)         {}
func (noopSessionMetrics) OfferSent()                 {}
func (noopSessionMetrics) AnswerSent()                {}
func (noopSessionMetrics) GlareDropped()              {}
func (noopSessionMetrics) StaleAnswerDropped()        {}
func (noopSessionMetrics) IceApplyFailed()            {}
func (noopSessionMetrics) OutboxDropped(string)       {}
func (noopSessionMetrics) GateTransition(bool)        {}
func (noopSessionMetrics) JoinDuration(time.Duration) {}

func sessionMetricsOrNoop(m ports.SessionMetrics) ports.SessionMetrics {
	if m == nil {
		return noopSessionMetrics{}
	}
	return m
}
