package domain

import "errors"

var (
	ErrMediaAccess       = errors.New("capture device unavailable")
	ErrAlreadyJoined     = errors.New("session already active")
	ErrNotJoined         = errors.New("session is not active")
	ErrSignalingDelivery = errors.New("signaling delivery failed")
	ErrIceApply          = errors.New("ice candidate rejected")
	ErrStaleMessage      = errors.New("stale signaling message")
	ErrInvalidMessage    = errors.New("invalid signaling message")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrShareActive       = errors.New("screen share already active")
	ErrNoShare           = errors.New("no active screen share")
	ErrStoreClosed       = errors.New("signaling store closed")
)
